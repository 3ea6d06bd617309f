package controller

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marmos91/odc/internal/logger"
	"github.com/marmos91/odc/pkg/coordinator"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/topology"
)

// TaskDetails is immutable per-task metadata recorded at activation, used
// in diagnostics and failure summaries.
type TaskDetails struct {
	AgentID      uint64
	SlotID       uint64
	TaskID       uint64
	CollectionID uint64
	Path         string
	Host         string
	WrkDir       string
	RMSJobID     string
}

// CollectionDetails is immutable per-collection metadata recorded at
// activation.
type CollectionDetails struct {
	AgentID      uint64
	CollectionID uint64
	Path         string
	Host         string
	WrkDir       string
	RMSJobID     string
}

// Session is the per-partition state. It exists while a client holds the
// partition open and is destroyed only by Shutdown or controller
// teardown. The session exclusively owns its topology model, registries
// and coordinator; the coordinator never outlives it.
type Session struct {
	PartitionID string
	DDS         dds.Session

	Topo         *topology.Topology
	Runtime      *topology.Runtime
	Reqs         *topology.Requirements
	Coordinator  *coordinator.Coordinator
	TopoFilePath string

	// LastRunNr is overwritten at Start and cleared at Stop.
	LastRunNr atomic.Uint64

	TaskDetails       map[uint64]*TaskDetails
	CollectionDetails map[uint64]*CollectionDetails

	// slotsMu guards the slot counters, which are also touched by the
	// detached agent-shutdown path.
	slotsMu    sync.Mutex
	TotalSlots int
	AgentSlots map[uint64]int32

	// RunAttempted blocks repeated Run requests on the same partition.
	RunAttempted bool

	log *slog.Logger
}

func newSession(partitionID string, ddsSession dds.Session) *Session {
	return &Session{
		PartitionID:       partitionID,
		DDS:               ddsSession,
		TaskDetails:       make(map[uint64]*TaskDetails),
		CollectionDetails: make(map[uint64]*CollectionDetails),
		AgentSlots:        make(map[uint64]int32),
		log:               logger.With(logger.KeyPartition, partitionID),
	}
}

// Log returns the partition-scoped logger with the current run number.
func (s *Session) Log() *slog.Logger {
	if run := s.LastRunNr.Load(); run != 0 {
		return s.log.With(logger.KeyRun, run)
	}
	return s.log
}

// clearTopology drops everything derived from the active topology. The
// coordinator is stopped first; it must never outlive the tables it reads.
func (s *Session) clearTopology() {
	if s.Coordinator != nil {
		s.Coordinator.Stop()
		s.Coordinator = nil
	}
	s.Topo = nil
	s.Runtime = nil
	s.Reqs = nil
	s.TopoFilePath = ""
	s.TaskDetails = make(map[uint64]*TaskDetails)
	s.CollectionDetails = make(map[uint64]*CollectionDetails)
}

// slotCount returns the tracked total slot count.
func (s *Session) slotCount() int {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return s.TotalSlots
}

// setSlotCount overwrites the tracked total slot count.
func (s *Session) setSlotCount(n int) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	s.TotalSlots = n
}

// recordAgentSlots remembers an agent's slot capacity.
func (s *Session) recordAgentSlots(agentID uint64, slots int32) {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	s.AgentSlots[agentID] = slots
}

// agentSlotCount returns an agent's slot capacity.
func (s *Session) agentSlotCount(agentID uint64) int32 {
	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()
	return s.AgentSlots[agentID]
}

// taskDetails returns the recorded details for a task, or a stub carrying
// only the ID when activation never reported it.
func (s *Session) taskDetails(taskID uint64) *TaskDetails {
	if td, ok := s.TaskDetails[taskID]; ok {
		return td
	}
	return &TaskDetails{TaskID: taskID}
}

// collectionDetails returns the recorded details for a runtime collection.
func (s *Session) collectionDetails(collectionID uint64) *CollectionDetails {
	if cd, ok := s.CollectionDetails[collectionID]; ok {
		return cd
	}
	return &CollectionDetails{CollectionID: collectionID}
}

// fillDetailedState converts a topology state snapshot into the detailed
// report shape, joining in the activation metadata.
func (s *Session) fillDetailedState(state coordinator.TopoState, detailed *DetailedState) {
	detailed.Tasks = make([]TaskStatus, 0, len(state))
	for _, ds := range state {
		td := s.taskDetails(ds.TaskID)
		detailed.Tasks = append(detailed.Tasks, TaskStatus{
			DeviceStatus: ds,
			Path:         td.Path,
			Host:         td.Host,
			RMSJobID:     td.RMSJobID,
		})
	}

	grouped := coordinator.GroupByCollectionID(state)
	detailed.Collections = make([]CollectionStatus, 0, len(grouped))
	for collectionID, states := range grouped {
		cd := s.collectionDetails(collectionID)
		detailed.Collections = append(detailed.Collections, CollectionStatus{
			CollectionID:    collectionID,
			AggregatedState: coordinator.AggregateStateWithIgnoredErrors(states),
			Path:            cd.Path,
			Host:            cd.Host,
		})
	}
}

// recordActivation stores the per-task metadata delivered by one topology
// activation event and indexes the collection's agent.
func (s *Session) recordActivation(ev dds.TopologyEvent) {
	if !ev.Activated {
		return
	}

	s.TaskDetails[ev.TaskID] = &TaskDetails{
		AgentID:      ev.AgentID,
		SlotID:       ev.SlotID,
		TaskID:       ev.TaskID,
		CollectionID: ev.CollectionID,
		Path:         ev.Path,
		Host:         ev.Host,
		WrkDir:       ev.WrkDir,
	}

	if ev.CollectionID == 0 {
		return
	}
	if _, ok := s.CollectionDetails[ev.CollectionID]; !ok {
		path := ev.Path
		if idx := lastSlash(path); idx >= 0 {
			path = path[:idx]
		}
		s.CollectionDetails[ev.CollectionID] = &CollectionDetails{
			AgentID:      ev.AgentID,
			CollectionID: ev.CollectionID,
			Path:         path,
			Host:         ev.Host,
			WrkDir:       ev.WrkDir,
		}
		if s.Reqs != nil {
			if info, ok := s.Reqs.RuntimeCollectionIndex[ev.CollectionID]; ok {
				info.RuntimeCollectionAgents[ev.CollectionID] = ev.AgentID
			}
		}
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
