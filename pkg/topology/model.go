// Package topology provides the topology document model consumed by the
// controller: parsing of XML topology files, expansion into runtime tasks
// and collections with stable IDs and paths, and extraction of the
// resource requirements (zones, agent groups, nMin, expendable flags).
package topology

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// Requirement types understood by the model. Custom requirements carry
// controller-specific settings in their name prefix.
const (
	RequirementGroupName    = "groupname"
	RequirementHostName     = "hostname"
	RequirementWnName       = "wnname"
	RequirementMaxInstances = "maxinstances"
	RequirementCustom       = "custom"
)

// Custom requirement name prefixes.
const (
	PrefixExpendable = "odc_expendable_"
	PrefixZone       = "odc_zone_"
	PrefixNMin       = "odc_nmin_"
	PrefixNCores     = "odc_ncores_"
)

// Requirement is a named requirement declaration.
type Requirement struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr"`
	Value string `xml:"value,attr"`
}

// Task is a device task declaration.
type Task struct {
	Name         string   `xml:"name,attr"`
	Exe          string   `xml:"exe"`
	Requirements []string `xml:"requirements>name"`
}

// Collection is a named set of tasks co-scheduled on one agent.
type Collection struct {
	Name         string   `xml:"name,attr"`
	Tasks        []string `xml:"tasks>name"`
	Requirements []string `xml:"requirements>name"`
}

// Ref references a declared task or collection from the main group.
type Ref struct {
	Name string `xml:"name,attr"`
}

// Group is a named group inside main with a multiplicity.
type Group struct {
	Name        string `xml:"name,attr"`
	N           int32  `xml:"n,attr"`
	Tasks       []Ref  `xml:"task"`
	Collections []Ref  `xml:"collection"`
}

// Main is the root group of the topology.
type Main struct {
	Name        string  `xml:"name,attr"`
	Tasks       []Ref   `xml:"task"`
	Collections []Ref   `xml:"collection"`
	Groups      []Group `xml:"group"`
}

// Topology is a parsed topology document.
type Topology struct {
	XMLName      xml.Name      `xml:"topology"`
	Name         string        `xml:"name,attr"`
	Requirements []Requirement `xml:"declrequirement"`
	Tasks        []Task        `xml:"decltask"`
	Collections  []Collection  `xml:"declcollection"`
	Main         Main          `xml:"main"`
}

// Parse parses a topology document from raw XML and validates references.
func Parse(data []byte) (*Topology, error) {
	topo := &Topology{}
	if err := xml.Unmarshal(data, topo); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := topo.validate(); err != nil {
		return nil, err
	}
	return topo, nil
}

// Load reads and parses a topology document from a file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}
	topo, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topology file %q: %w", path, err)
	}
	return topo, nil
}

// Save writes the topology document to a file.
func (t *Topology) Save(path string) error {
	data, err := xml.MarshalIndent(t, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal topology: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write topology file: %w", err)
	}
	return nil
}

func (t *Topology) validate() error {
	if t.Main.Name == "" {
		t.Main.Name = "main"
	}

	reqs := make(map[string]struct{}, len(t.Requirements))
	for _, r := range t.Requirements {
		switch r.Type {
		case RequirementGroupName, RequirementHostName, RequirementWnName, RequirementMaxInstances, RequirementCustom:
		default:
			return fmt.Errorf("requirement %q has unknown type %q", r.Name, r.Type)
		}
		reqs[r.Name] = struct{}{}
	}

	tasks := make(map[string]struct{}, len(t.Tasks))
	for _, task := range t.Tasks {
		if task.Name == "" {
			return fmt.Errorf("task declaration without a name")
		}
		tasks[task.Name] = struct{}{}
		for _, rn := range task.Requirements {
			if _, ok := reqs[rn]; !ok {
				return fmt.Errorf("task %q references unknown requirement %q", task.Name, rn)
			}
		}
	}

	cols := make(map[string]struct{}, len(t.Collections))
	for _, col := range t.Collections {
		if col.Name == "" {
			return fmt.Errorf("collection declaration without a name")
		}
		cols[col.Name] = struct{}{}
		if len(col.Tasks) == 0 {
			return fmt.Errorf("collection %q has no tasks", col.Name)
		}
		for _, tn := range col.Tasks {
			if _, ok := tasks[tn]; !ok {
				return fmt.Errorf("collection %q references unknown task %q", col.Name, tn)
			}
		}
		for _, rn := range col.Requirements {
			if _, ok := reqs[rn]; !ok {
				return fmt.Errorf("collection %q references unknown requirement %q", col.Name, rn)
			}
		}
	}

	checkRefs := func(where string, taskRefs, colRefs []Ref) error {
		for _, r := range taskRefs {
			if _, ok := tasks[r.Name]; !ok {
				return fmt.Errorf("%s references unknown task %q", where, r.Name)
			}
		}
		for _, r := range colRefs {
			if _, ok := cols[r.Name]; !ok {
				return fmt.Errorf("%s references unknown collection %q", where, r.Name)
			}
		}
		return nil
	}

	if err := checkRefs("main group", t.Main.Tasks, t.Main.Collections); err != nil {
		return err
	}
	for i := range t.Main.Groups {
		g := &t.Main.Groups[i]
		if g.Name == "" {
			return fmt.Errorf("group declaration without a name")
		}
		if g.N <= 0 {
			g.N = 1
		}
		if err := checkRefs(fmt.Sprintf("group %q", g.Name), g.Tasks, g.Collections); err != nil {
			return err
		}
	}
	return nil
}

// task returns the task declaration by name.
func (t *Topology) task(name string) *Task {
	for i := range t.Tasks {
		if t.Tasks[i].Name == name {
			return &t.Tasks[i]
		}
	}
	return nil
}

// collection returns the collection declaration by name.
func (t *Topology) collection(name string) *Collection {
	for i := range t.Collections {
		if t.Collections[i].Name == name {
			return &t.Collections[i]
		}
	}
	return nil
}

// requirement returns the requirement declaration by name.
func (t *Topology) requirement(name string) *Requirement {
	for i := range t.Requirements {
		if t.Requirements[i].Name == name {
			return &t.Requirements[i]
		}
	}
	return nil
}

// SetGroupN lowers the multiplicity of the group containing the named
// collection. Used after a partial submission to regenerate a reduced
// topology that matches the actually available agents.
func (t *Topology) SetGroupN(collectionName string, n int32) error {
	for i := range t.Main.Groups {
		g := &t.Main.Groups[i]
		for _, c := range g.Collections {
			if c.Name == collectionName {
				g.N = n
				return nil
			}
		}
	}
	return fmt.Errorf("collection %q is not in a group", collectionName)
}

// customRequirement reports whether any of the given requirement names
// resolves to a custom requirement with the given name prefix, and returns
// its value.
func (t *Topology) customRequirement(reqNames []string, prefix string) (string, bool) {
	for _, rn := range reqNames {
		r := t.requirement(rn)
		if r == nil || r.Type != RequirementCustom {
			continue
		}
		if strings.HasPrefix(r.Name, prefix) {
			return r.Value, true
		}
	}
	return "", false
}

// groupNameRequirement returns the agent group name requirement value, if any.
func (t *Topology) groupNameRequirement(reqNames []string) (string, bool) {
	for _, rn := range reqNames {
		r := t.requirement(rn)
		if r != nil && r.Type == RequirementGroupName {
			return r.Value, true
		}
	}
	return "", false
}
