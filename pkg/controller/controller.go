// Package controller implements the partition controller: the dispatch
// table for client requests, the set of live per-partition sessions and
// the orchestration sequences (initialize, submit, activate, configure,
// start, stop, reset, terminate) built on the topology coordinator.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/odc/internal/logger"
	"github.com/marmos91/odc/pkg/controller/history"
	"github.com/marmos91/odc/pkg/coordinator"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/metrics"
	"github.com/marmos91/odc/pkg/plugin"
)

// DefaultRequestTimeout applies when a request carries no timeout.
const DefaultRequestTimeout = 30 * time.Second

// SessionFactory creates a fresh deployment-layer session handle for a
// partition. The real factory is provided by the embedding binary; tests
// inject the in-process simulator.
type SessionFactory func(partitionID string) dds.Session

// Config configures a Controller.
type Config struct {
	// DefaultTimeout bounds requests that carry no explicit timeout.
	DefaultTimeout time.Duration
	// RMS is the resource-management system handed to topology-derived
	// submissions (e.g. "slurm", "localhost").
	RMS string
	// Zones maps zone names to their submission config files.
	Zones map[string]plugin.ZoneConfig
	// RestoreID enables session restoration under this identifier.
	RestoreID string
	// RestoreDir is the directory of the restore file. Empty selects the
	// odc directory under the user config directory.
	RestoreDir string
	// HistoryDir enables the append-only session history store in this
	// directory.
	HistoryDir string
}

// Controller owns all live sessions behind a mutex-protected map and
// serialises requests per partition.
type Controller struct {
	cfg     Config
	factory SessionFactory
	plugins *plugin.Registry
	history *history.Store

	// mu guards the two maps below and is held while locating, inserting
	// or removing entries, while Status scans them and while the restore
	// file is rewritten; partition mutexes are held for the full duration
	// of a request.
	mu          sync.Mutex
	sessions    map[string]*Session
	partitionMu map[string]*sync.Mutex
}

// New creates a Controller. The factory must not be nil.
func New(cfg Config, factory SessionFactory) (*Controller, error) {
	if factory == nil {
		return nil, fmt.Errorf("controller requires a session factory")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}

	c := &Controller{
		cfg:         cfg,
		factory:     factory,
		plugins:     plugin.NewRegistry(logger.With()),
		sessions:    make(map[string]*Session),
		partitionMu: make(map[string]*sync.Mutex),
	}

	if cfg.HistoryDir != "" {
		store, err := history.Open(cfg.HistoryDir)
		if err != nil {
			return nil, fmt.Errorf("opening session history store: %w", err)
		}
		c.history = store
	}
	return c, nil
}

// Close releases controller-owned resources. Live sessions are left
// untouched so a restarted controller can re-attach to them.
func (c *Controller) Close() error {
	if c.history != nil {
		return c.history.Close()
	}
	return nil
}

// RegisterResourcePlugins registers the given plugin executables.
func (c *Controller) RegisterResourcePlugins(plugins map[string]string) error {
	for name, path := range plugins {
		if err := c.plugins.Register(name, path); err != nil {
			return err
		}
	}
	return nil
}

// lockPartition returns the per-partition mutex, locked. The map-level
// mutex is held only for the lookup.
func (c *Controller) lockPartition(partitionID string) *sync.Mutex {
	c.mu.Lock()
	pmu, ok := c.partitionMu[partitionID]
	if !ok {
		pmu = &sync.Mutex{}
		c.partitionMu[partitionID] = pmu
	}
	c.mu.Unlock()

	pmu.Lock()
	return pmu
}

// acquireSession finds or creates the session for a partition.
// Precondition: the partition mutex is held.
func (c *Controller) acquireSession(common CommonParams) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if session, ok := c.sessions[common.PartitionID]; ok {
		return session
	}
	session := newSession(common.PartitionID, c.factory(common.PartitionID))
	c.sessions[common.PartitionID] = session
	return session
}

// removeSession drops a partition's session from the map.
func (c *Controller) removeSession(common CommonParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[common.PartitionID]; ok {
		delete(c.sessions, common.PartitionID)
		logger.Debug("removed session", logger.KeyPartition, common.PartitionID)
	} else {
		logger.Debug("found no session to remove", logger.KeyPartition, common.PartitionID)
	}
}

// fillAndLogError records the first failure of a request sequence.
func (c *Controller) fillAndLogError(session *Session, err *Error, code ErrorCode, msg string) {
	err.Code = code
	err.Details = msg
	session.Log().Error(msg, "code", code.String())
}

// fillAndLogFatalError is fillAndLogError at fatal severity, logged
// line-by-line so multi-line diagnostics stay grep-able.
func (c *Controller) fillAndLogFatalError(session *Session, err *Error, code ErrorCode, msg string) {
	err.Code = code
	err.Details = msg
	logger.FatalLines(msg, logger.KeyPartition, session.PartitionID, "code", code.String())
}

// createRequestResult assembles the reply shape shared by all requests.
func (c *Controller) createRequestResult(req *request, sessionID string, err *Error, verb string, aggregated device.AggregatedState, detailed *DetailedState, hosts []string) RequestResult {
	status := StatusOK
	if err.Set() {
		status = StatusError
	} else {
		err = nil
	}

	metrics.ObserveRequest(verb, req.common.PartitionID, req.start, status == StatusOK)

	return RequestResult{
		StatusCode:      status,
		Msg:             verb + " done",
		ExecTime:        req.elapsed(),
		Error:           err,
		PartitionID:     req.common.PartitionID,
		RunNr:           req.common.RunNr,
		DDSSessionID:    sessionID,
		AggregatedState: aggregated,
		Detailed:        detailed,
		Hosts:           hosts,
	}
}

// Status reports all partitions. It is read-only and takes only the
// map-level mutex.
func (c *Controller) Status(params StatusParams) StatusResult {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	result := StatusResult{StatusCode: StatusOK, Msg: "Status done"}
	for _, session := range c.sessions {
		status := PartitionStatus{
			PartitionID:  session.PartitionID,
			DDSSessionID: session.DDS.ID(),
		}
		if session.DDS.IsRunning() {
			status.DDSSessionStatus = DDSSessionRunning
		}

		if params.Running && status.DDSSessionStatus != DDSSessionRunning {
			continue
		}

		status.AggregatedState = device.AggregatedUndefined
		if session.Coordinator != nil {
			status.AggregatedState = session.Coordinator.AggregateCurrentState()
		}
		result.Partitions = append(result.Partitions, status)
	}
	result.ExecTime = time.Since(start)
	return result
}

// printStateStats logs per-state device counts and per-collection
// aggregate counts after a state operation.
func (c *Controller) printStateStats(session *Session, state coordinator.TopoState, debugLog bool) {
	taskCounts := make(map[device.State]int)
	for _, ds := range state {
		taskCounts[ds.State]++
	}

	collectionCounts := make(map[device.AggregatedState]int)
	grouped := coordinator.GroupByCollectionID(state)
	for _, states := range grouped {
		collectionCounts[coordinator.AggregateState(states)]++
	}

	log := session.Log().Info
	if debugLog {
		log = session.Log().Debug
	}
	for st, count := range taskCounts {
		log("device states", "state", st.String(), "count", count, "total", len(state))
	}
	for state, count := range collectionCounts {
		log("collection states", "state", state.String(), "count", count, "total", len(grouped))
	}
}

// stateSummaryOnFailure enumerates the non-ignored tasks that did not
// reach the expected state, the collections inferred from them, and
// totals.
func (c *Controller) stateSummaryOnFailure(session *Session, state coordinator.TopoState, expected device.State) {
	log := session.Log()
	numFailed := 0
	var failedCollections []*CollectionDetails
	seenCollections := make(map[uint64]struct{})

	for _, ds := range state {
		if ds.State == expected || ds.Ignored {
			continue
		}
		numFailed++

		td := session.taskDetails(ds.TaskID)
		log.Error("device failed to reach expected state",
			"expected", expected.String(),
			"task", ds.TaskID,
			"state", ds.State.String(),
			"previousState", ds.LastState.String(),
			"path", td.Path,
			"host", td.Host,
			"wrkDir", td.WrkDir,
			"subscribed", ds.Subscribed,
			"ignored", ds.Ignored,
			"expendable", ds.Expendable)

		if td.CollectionID != 0 {
			if _, seen := seenCollections[td.CollectionID]; !seen {
				seenCollections[td.CollectionID] = struct{}{}
				failedCollections = append(failedCollections, session.collectionDetails(td.CollectionID))
			}
		}
	}

	for _, cd := range failedCollections {
		log.Error("collection failed to reach expected state",
			"expected", expected.String(), "collection", cd.CollectionID, "path", cd.Path, "host", cd.Host)
	}

	log.Error("state transition summary",
		"expected", expected.String(),
		"tasksTotal", len(session.TaskDetails),
		"tasksFailed", numFailed,
		"collectionsTotal", len(session.CollectionDetails),
		"collectionsFailed", len(failedCollections))
}
