package topology

import (
	"fmt"
	"regexp"
	"sort"
)

// RuntimeTask is one runnable device instance.
type RuntimeTask struct {
	ID             uint64
	Name           string
	Path           string
	CollectionID   uint64 // 0 for tasks outside collections
	CollectionName string
}

// RuntimeCollection is one runnable instance of a declared collection.
type RuntimeCollection struct {
	ID      uint64
	Name    string
	Path    string
	TaskIDs []uint64
}

// Runtime is the expanded form of a topology document: every collection and
// task instance with stable IDs and slash-separated paths rooted at the
// main group. The deployment layer binds these IDs to agents and slots at
// activation; all controller bookkeeping is keyed by them.
type Runtime struct {
	Topo        *Topology
	Tasks       []RuntimeTask
	Collections []RuntimeCollection

	taskIndex  map[uint64]int
	colIndex   map[uint64]int
	taskByPath map[string]int
}

// NewRuntime expands a topology document. Expansion order is stable:
// standalone main tasks, main collections, then groups in declaration
// order, each group repeating its content n times.
func NewRuntime(topo *Topology) (*Runtime, error) {
	rt := &Runtime{
		Topo:       topo,
		taskIndex:  make(map[uint64]int),
		colIndex:   make(map[uint64]int),
		taskByPath: make(map[string]int),
	}

	var nextTaskID, nextColID uint64

	addTask := func(name, path string, colID uint64, colName string) {
		nextTaskID++
		rt.Tasks = append(rt.Tasks, RuntimeTask{
			ID:             nextTaskID,
			Name:           name,
			Path:           path,
			CollectionID:   colID,
			CollectionName: colName,
		})
		idx := len(rt.Tasks) - 1
		rt.taskIndex[nextTaskID] = idx
		rt.taskByPath[path] = idx
		if colID != 0 {
			c := &rt.Collections[rt.colIndex[colID]]
			c.TaskIDs = append(c.TaskIDs, nextTaskID)
		}
	}

	addCollection := func(col *Collection, parentPath string, instance int32) {
		nextColID++
		path := fmt.Sprintf("%s/%s_%d", parentPath, col.Name, instance)
		rt.Collections = append(rt.Collections, RuntimeCollection{
			ID:   nextColID,
			Name: col.Name,
			Path: path,
		})
		rt.colIndex[nextColID] = len(rt.Collections) - 1

		occurrence := make(map[string]int)
		for _, tn := range col.Tasks {
			i := occurrence[tn]
			occurrence[tn] = i + 1
			addTask(tn, fmt.Sprintf("%s/%s_%d", path, tn, i), nextColID, col.Name)
		}
	}

	root := topo.Main.Name

	for _, ref := range topo.Main.Tasks {
		addTask(ref.Name, fmt.Sprintf("%s/%s_0", root, ref.Name), 0, "")
	}
	for _, ref := range topo.Main.Collections {
		addCollection(topo.collection(ref.Name), root, 0)
	}
	for gi := range topo.Main.Groups {
		g := &topo.Main.Groups[gi]
		groupPath := fmt.Sprintf("%s/%s", root, g.Name)
		for i := int32(0); i < g.N; i++ {
			for _, ref := range g.Tasks {
				addTask(ref.Name, fmt.Sprintf("%s/%s_%d", groupPath, ref.Name, i), 0, "")
			}
			for _, ref := range g.Collections {
				addCollection(topo.collection(ref.Name), groupPath, i)
			}
		}
	}

	if len(rt.Tasks) == 0 {
		return nil, fmt.Errorf("topology %q contains no runnable tasks", topo.Name)
	}
	return rt, nil
}

// NumTasks returns the number of runtime tasks.
func (rt *Runtime) NumTasks() int { return len(rt.Tasks) }

// Task returns the runtime task with the given ID.
func (rt *Runtime) Task(id uint64) (RuntimeTask, bool) {
	idx, ok := rt.taskIndex[id]
	if !ok {
		return RuntimeTask{}, false
	}
	return rt.Tasks[idx], true
}

// Collection returns the runtime collection with the given ID.
func (rt *Runtime) Collection(id uint64) (RuntimeCollection, bool) {
	idx, ok := rt.colIndex[id]
	if !ok {
		return RuntimeCollection{}, false
	}
	return rt.Collections[idx], true
}

// TaskByPath resolves an exact runtime task path.
func (rt *Runtime) TaskByPath(path string) (RuntimeTask, bool) {
	idx, ok := rt.taskByPath[path]
	if !ok {
		return RuntimeTask{}, false
	}
	return rt.Tasks[idx], true
}

// TasksMatching returns the IDs of runtime tasks whose path matches the
// given regular expression, in expansion order. An empty path selects all
// tasks.
func (rt *Runtime) TasksMatching(path string) ([]uint64, error) {
	ids := make([]uint64, 0, len(rt.Tasks))
	if path == "" {
		for _, task := range rt.Tasks {
			ids = append(ids, task.ID)
		}
		return ids, nil
	}

	re, err := regexp.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path expression %q: %w", path, err)
	}
	for _, task := range rt.Tasks {
		if re.MatchString(task.Path) {
			ids = append(ids, task.ID)
		}
	}
	return ids, nil
}

// CollectionNames returns the distinct declared collection names present in
// the runtime, sorted.
func (rt *Runtime) CollectionNames() []string {
	seen := make(map[string]struct{})
	for _, col := range rt.Collections {
		seen[col.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
