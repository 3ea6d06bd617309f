package topology

import (
	"fmt"
	"log/slog"
	"strconv"
)

// ZoneGroup describes one agent group's demand inside a zone.
type ZoneGroup struct {
	N          int32
	NCores     int32
	AgentGroup string
}

// CollectionNInfo tracks the multiplicity of one collection template:
// the originally requested count, the currently healthy count and the
// declared minimum. NMin of -1 means no minimum is declared and a failure
// cannot be absorbed.
type CollectionNInfo struct {
	NOriginal  int32
	NCurrent   int32
	NMin       int32
	AgentGroup string
}

// CollectionInfo carries everything the controller needs to know about one
// collection template, including the runtime bookkeeping mutated by the
// failure policy.
type CollectionInfo struct {
	Name       string
	Zone       string
	AgentGroup string
	TopoParent string
	TopoPath   string
	NOriginal  int32
	NCurrent   int32
	NMin       int32
	NCores     int32
	NumTasks   int32
	TotalTasks int32

	// RuntimeCollectionAgents maps runtime collection ID to the agent it
	// was activated on (0 until known).
	RuntimeCollectionAgents map[uint64]uint64
	// FailedRuntimeCollections records runtime collection IDs that have
	// already been counted as failed.
	FailedRuntimeCollections map[uint64]struct{}
}

// TaskInfo describes a task placed directly in a (non-root) group.
type TaskInfo struct {
	Name       string
	Zone       string
	AgentGroup string
	TopoParent string
	N          int32
}

// AgentGroupInfo aggregates per-agent-group demand across the topology.
type AgentGroupInfo struct {
	Name      string
	Zone      string
	RMSJobID  string
	NumAgents int32
	MinAgents int32
	NumSlots  int32
	NumCores  int32
}

// Requirements is the set of tables extracted from a topology document
// that populate a controller session.
type Requirements struct {
	ZoneInfo        map[string][]ZoneGroup
	NInfo           map[string]*CollectionNInfo
	Collections     map[string]*CollectionInfo
	StandaloneTasks []TaskInfo
	AgentGroups     map[string]*AgentGroupInfo

	// Expendable holds runtime task IDs whose failure must not fail an
	// operation.
	Expendable map[uint64]struct{}
	// RuntimeCollectionIndex maps every runtime collection ID back to its
	// template for O(1) lookup during activation and failure handling.
	RuntimeCollectionIndex map[uint64]*CollectionInfo
}

// ExtractRequirements walks the runtime topology and produces the session
// tables: expendable task IDs, standalone task records, collection records
// with nMin/nCores, per-agent-group aggregates, per-collection N info and
// the runtime-collection index.
func ExtractRequirements(rt *Runtime, log *slog.Logger) (*Requirements, error) {
	if log == nil {
		log = slog.Default()
	}
	topo := rt.Topo

	reqs := &Requirements{
		ZoneInfo:               make(map[string][]ZoneGroup),
		NInfo:                  make(map[string]*CollectionNInfo),
		Collections:            make(map[string]*CollectionInfo),
		AgentGroups:            make(map[string]*AgentGroupInfo),
		Expendable:             make(map[uint64]struct{}),
		RuntimeCollectionIndex: make(map[uint64]*CollectionInfo),
	}

	// Expendable flags are declared on task templates but tracked per
	// runtime task ID.
	for _, task := range rt.Tasks {
		tmpl := topo.task(task.Name)
		if tmpl == nil {
			return nil, fmt.Errorf("runtime task %d references unknown template %q", task.ID, task.Name)
		}
		value, ok := topo.customRequirement(tmpl.Requirements, PrefixExpendable)
		if !ok {
			continue
		}
		switch value {
		case "true":
			log.Debug("task is expendable", "task", task.ID, "path", task.Path)
			reqs.Expendable[task.ID] = struct{}{}
		case "false":
			log.Debug("task is not expendable", "task", task.ID, "path", task.Path)
		default:
			log.Warn("expendable requirement with unknown value", "task", task.ID, "path", task.Path, "value", value)
		}
	}

	// Tasks placed directly in a non-root group.
	for gi := range topo.Main.Groups {
		g := &topo.Main.Groups[gi]
		for _, ref := range g.Tasks {
			tmpl := topo.task(ref.Name)
			agentGroup, _ := topo.groupNameRequirement(tmpl.Requirements)
			zone, ok := topo.customRequirement(tmpl.Requirements, PrefixZone)
			if !ok {
				zone = agentGroup
			}
			reqs.StandaloneTasks = append(reqs.StandaloneTasks, TaskInfo{
				Name:       tmpl.Name,
				Zone:       zone,
				AgentGroup: agentGroup,
				TopoParent: g.Name,
				N:          g.N,
			})
		}
	}

	// Collection placements: directly in main (n=1) and inside groups
	// (n=group n). nMin only applies to collections inside a group.
	type placement struct {
		col        *Collection
		parentName string
		parentPath string
		n          int32
		inGroup    bool
	}
	var placements []placement
	root := topo.Main.Name
	for _, ref := range topo.Main.Collections {
		placements = append(placements, placement{topo.collection(ref.Name), root, root, 1, false})
	}
	for gi := range topo.Main.Groups {
		g := &topo.Main.Groups[gi]
		for _, ref := range g.Collections {
			placements = append(placements, placement{topo.collection(ref.Name), g.Name, root + "/" + g.Name, g.N, true})
		}
	}

	for _, p := range placements {
		col := p.col
		agentGroup, _ := topo.groupNameRequirement(col.Requirements)
		zone, hasZone := topo.customRequirement(col.Requirements, PrefixZone)
		if !hasZone {
			// if the zone was not given explicitly, it follows the agent group
			zone = agentGroup
		}

		var nCores int32
		if v, ok := topo.customRequirement(col.Requirements, PrefixNCores); ok {
			parsed, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("collection %q has invalid nCores value %q: %w", col.Name, v, err)
			}
			nCores = int32(parsed)
		}

		nMin := int32(-1)
		if v, ok := topo.customRequirement(col.Requirements, PrefixNMin); ok {
			if p.inGroup {
				parsed, err := strconv.ParseInt(v, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("collection %q has invalid nMin value %q: %w", col.Name, v, err)
				}
				nMin = int32(parsed)
			} else {
				log.Debug("collection is not in a group, skipping nMin requirement", "collection", col.Name)
			}
		}

		numTasks := int32(len(col.Tasks))
		reqs.Collections[col.Name] = &CollectionInfo{
			Name:                     col.Name,
			Zone:                     zone,
			AgentGroup:               agentGroup,
			TopoParent:               p.parentName,
			TopoPath:                 p.parentPath,
			NOriginal:                p.n,
			NCurrent:                 p.n,
			NMin:                     nMin,
			NCores:                   nCores,
			NumTasks:                 numTasks,
			TotalTasks:               numTasks * p.n,
			RuntimeCollectionAgents:  make(map[uint64]uint64),
			FailedRuntimeCollections: make(map[uint64]struct{}),
		}

		agi, ok := reqs.AgentGroups[agentGroup]
		if !ok {
			reqs.AgentGroups[agentGroup] = &AgentGroupInfo{
				Name:      agentGroup,
				Zone:      zone,
				NumAgents: p.n,
				MinAgents: nMin,
				NumSlots:  numTasks,
				NumCores:  nCores,
			}
		} else {
			agi.NumAgents += p.n
			agi.NumSlots += numTasks
			agi.Zone = zone
			agi.MinAgents = nMin
			agi.NumCores = nCores
		}

		if agentGroup != "" {
			if _, ok := reqs.NInfo[col.Name]; !ok {
				reqs.NInfo[col.Name] = &CollectionNInfo{
					NOriginal:  p.n,
					NCurrent:   p.n,
					NMin:       nMin,
					AgentGroup: agentGroup,
				}
			}
		}

		if agentGroup != "" && zone != "" {
			reqs.ZoneInfo[zone] = append(reqs.ZoneInfo[zone], ZoneGroup{N: p.n, NCores: nCores, AgentGroup: agentGroup})
		}
	}

	// Index every runtime collection back to its template.
	for _, rc := range rt.Collections {
		info, ok := reqs.Collections[rc.Name]
		if !ok {
			return nil, fmt.Errorf("runtime collection %d references unknown template %q", rc.ID, rc.Name)
		}
		info.RuntimeCollectionAgents[rc.ID] = 0
		reqs.RuntimeCollectionIndex[rc.ID] = info
	}

	logExtraction(reqs, log)
	return reqs, nil
}

func logExtraction(reqs *Requirements, log *slog.Logger) {
	for zone, groups := range reqs.ZoneInfo {
		for _, zg := range groups {
			log.Info("zone from topology", "zone", zone, "n", zg.N, "nCores", zg.NCores, "agentGroup", zg.AgentGroup)
		}
	}
	for name, ni := range reqs.NInfo {
		log.Info("collection n info", "collection", name,
			"nOriginal", ni.NOriginal, "nCurrent", ni.NCurrent, "nMin", ni.NMin, "agentGroup", ni.AgentGroup)
	}
	for _, col := range reqs.Collections {
		log.Info("collection from topology", "collection", col.Name, "zone", col.Zone,
			"agentGroup", col.AgentGroup, "n", col.NOriginal, "nMin", col.NMin,
			"numTasks", col.NumTasks, "totalTasks", col.TotalTasks)
	}
	for _, task := range reqs.StandaloneTasks {
		log.Info("standalone task from topology", "name", task.Name, "zone", task.Zone,
			"agentGroup", task.AgentGroup, "parent", task.TopoParent, "n", task.N)
	}
	for _, agi := range reqs.AgentGroups {
		log.Info("agent group from topology", "agentGroup", agi.Name, "zone", agi.Zone,
			"numAgents", agi.NumAgents, "minAgents", agi.MinAgents, "numSlots", agi.NumSlots, "numCores", agi.NumCores)
	}
}
