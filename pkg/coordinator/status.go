// Package coordinator implements the topology coordinator: the fan-out
// engine that drives state transitions and property requests across every
// task of an activated topology, aggregates per-task replies under strict
// timeouts and absorbs partial failures according to the expendable-task
// and nMin quorum rules.
package coordinator

import "github.com/marmos91/odc/pkg/device"

// DeviceStatus is the tracked status of one runtime task. Entries are
// created once at coordinator construction and mutated by three events:
// subscription confirmation, state-change notification and task-done
// notification. They are never removed until the topology is reset.
type DeviceStatus struct {
	TaskID       uint64
	CollectionID uint64 // 0 if the task is not in a collection
	LastState    device.State
	State        device.State
	Expendable   bool
	Ignored      bool
	Subscribed   bool
	ExitCode     int
	Signal       int
}

// TopoState is a snapshot of every tracked device status, in task
// iteration order.
type TopoState []DeviceStatus

// AggregateState reduces a topology state to a single value: Error if any
// non-ignored device is in Error, the common state if all non-ignored
// devices share one, Mixed otherwise.
func AggregateState(ts TopoState) device.AggregatedState {
	return aggregate(ts, false)
}

// AggregateStateWithIgnoredErrors is AggregateState but also counts
// ignored devices that sit in the Error state. Used for per-collection
// detail so a quorum-absorbed collection still reads as failed.
func AggregateStateWithIgnoredErrors(ts TopoState) device.AggregatedState {
	return aggregate(ts, true)
}

func aggregate(ts TopoState, includeIgnoredErrors bool) device.AggregatedState {
	state := device.AggregatedMixed
	first := true
	homogeneous := true
	for _, ds := range ts {
		if ds.Ignored && !(includeIgnoredErrors && ds.State == device.Error) {
			continue
		}
		if ds.State == device.Error {
			return device.AggregatedError
		}
		if first {
			state = device.AggregatedState(ds.State)
			first = false
		} else if device.AggregatedState(ds.State) != state {
			homogeneous = false
		}
	}
	if homogeneous {
		return state
	}
	return device.AggregatedMixed
}

// StateEquals reports whether the aggregate of ts is exactly st.
func StateEquals(ts TopoState, st device.State) bool {
	return AggregateState(ts).Equals(st)
}

// GroupByCollectionID splits a topology state by runtime collection,
// dropping tasks that are not in a collection.
func GroupByCollectionID(ts TopoState) map[uint64]TopoState {
	grouped := make(map[uint64]TopoState)
	for _, ds := range ts {
		if ds.CollectionID != 0 {
			grouped[ds.CollectionID] = append(grouped[ds.CollectionID], ds)
		}
	}
	return grouped
}
