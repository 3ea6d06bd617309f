package coordinator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/topology"
)

// DefaultHeartbeatInterval is the subscription heartbeat period.
const DefaultHeartbeatInterval = 600 * time.Second

// DefaultSubscribeTimeout bounds the wait for subscription confirmations
// at construction and the drain at teardown.
const DefaultSubscribeTimeout = 30 * time.Second

// subscribePollInterval is the poll period of WaitForSubscribedCount.
const subscribePollInterval = 50 * time.Millisecond

// Options configures a Coordinator.
type Options struct {
	// Session is the deployment-layer session the topology runs in.
	Session dds.Session
	// Runtime is the expanded topology.
	Runtime *topology.Runtime
	// Requirements are the session tables extracted from the topology.
	// The coordinator mutates the collection quorum bookkeeping in place;
	// the tables must outlive the coordinator.
	Requirements *topology.Requirements
	// Log is the partition-scoped logger.
	Log *slog.Logger
	// HeartbeatInterval overrides DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// BlockUntilSubscribed makes New wait until every task confirmed its
	// state-change subscription, bounded by SubscribeTimeout.
	BlockUntilSubscribed bool
	// SubscribeTimeout overrides DefaultSubscribeTimeout.
	SubscribeTimeout time.Duration
	// ShutdownAgent is invoked when the quorum policy decides an agent
	// hosting a failed collection should be shut down. When nil the
	// request goes directly to the session.
	ShutdownAgent func(agentID uint64)
}

// Coordinator drives the devices of one activated topology. It is owned
// by the session and must not outlive it; on session teardown the
// coordinator is stopped first.
type Coordinator struct {
	session dds.Session
	rt      *topology.Runtime
	reqs    *topology.Requirements
	log     *slog.Logger

	heartbeatInterval time.Duration
	subscribeTimeout  time.Duration
	shutdownAgent     func(agentID uint64)

	mu            sync.Mutex
	state         []DeviceStatus
	index         map[uint64]int
	numSubscribed int

	changeStateOps   map[uint64]*changeStateOp
	waitForStateOps  map[uint64]*waitForStateOp
	setPropertiesOps map[uint64]*setPropertiesOp
	getPropertiesOps map[uint64]*getPropertiesOp

	unsubCommands func()
	unsubTaskDone func()
	heartbeatStop chan struct{}
	stopOnce      sync.Once
}

// New builds the device status array in task iteration order, subscribes
// to the command channel and task-done events, broadcasts the
// state-change subscription request and starts the heartbeat loop.
func New(opts Options) (*Coordinator, error) {
	if opts.Session == nil || opts.Runtime == nil || opts.Requirements == nil {
		return nil, fmt.Errorf("coordinator requires a session, a runtime topology and requirements")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		session:           opts.Session,
		rt:                opts.Runtime,
		reqs:              opts.Requirements,
		log:               log,
		heartbeatInterval: opts.HeartbeatInterval,
		subscribeTimeout:  opts.SubscribeTimeout,
		shutdownAgent:     opts.ShutdownAgent,
		index:             make(map[uint64]int, opts.Runtime.NumTasks()),
		changeStateOps:    make(map[uint64]*changeStateOp),
		waitForStateOps:   make(map[uint64]*waitForStateOp),
		setPropertiesOps:  make(map[uint64]*setPropertiesOp),
		getPropertiesOps:  make(map[uint64]*getPropertiesOp),
		heartbeatStop:     make(chan struct{}),
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = DefaultHeartbeatInterval
	}
	if c.subscribeTimeout <= 0 {
		c.subscribeTimeout = DefaultSubscribeTimeout
	}
	if c.shutdownAgent == nil {
		c.shutdownAgent = func(agentID uint64) {
			go func() {
				if err := c.session.ShutdownAgent(context.Background(), agentID); err != nil {
					c.log.Error("failed to request agent shutdown", "agent", agentID, "error", err)
				}
			}()
		}
	}

	c.state = make([]DeviceStatus, 0, c.rt.NumTasks())
	for i, task := range c.rt.Tasks {
		_, expendable := c.reqs.Expendable[task.ID]
		c.state = append(c.state, DeviceStatus{
			TaskID:       task.ID,
			CollectionID: task.CollectionID,
			Expendable:   expendable,
			ExitCode:     -1,
			Signal:       -1,
		})
		c.index[task.ID] = i
	}

	c.unsubCommands = c.session.SubscribeCommands(c.handleCommands)
	c.unsubTaskDone = c.session.SubscribeTaskDone(c.handleTaskDone)

	if err := c.sendCmds("", &cc.SubscribeToStateChange{IntervalMs: c.heartbeatInterval.Milliseconds()}); err != nil {
		c.unsubCommands()
		c.unsubTaskDone()
		return nil, fmt.Errorf("subscribing to state changes: %w", err)
	}
	go c.heartbeatLoop()

	if opts.BlockUntilSubscribed {
		c.WaitForSubscribedCount(len(c.state), c.subscribeTimeout)
	}
	return c, nil
}

// Stop cancels the heartbeat loop, unsubscribes every device, waits for
// the subscriber count to drain (bounded) and cancels all outstanding
// operations. It is idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.heartbeatStop)

		if err := c.sendCmds("", &cc.UnsubscribeFromStateChange{}); err != nil {
			c.log.Debug("unsubscribe broadcast failed", "error", err)
		}
		c.WaitForSubscribedCount(0, c.subscribeTimeout)

		c.unsubCommands()
		c.unsubTaskDone()

		c.mu.Lock()
		defer c.mu.Unlock()
		for _, op := range c.changeStateOps {
			op.cancel(c)
		}
		for _, op := range c.waitForStateOps {
			op.cancel(c)
		}
		for _, op := range c.setPropertiesOps {
			op.cancel(c)
		}
		for _, op := range c.getPropertiesOps {
			op.cancel(c)
		}
	})
}

// SubscribedCount returns the number of confirmed state-change publishers.
func (c *Coordinator) SubscribedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numSubscribed
}

// WaitForSubscribedCount polls until the publisher count equals n, the
// session stops running, or the timeout expires.
func (c *Coordinator) WaitForSubscribedCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.SubscribedCount() == n {
			return true
		}
		if !c.session.IsRunning() || time.Now().After(deadline) {
			return false
		}
		time.Sleep(subscribePollInterval)
	}
}

// CurrentState returns a snapshot of the device status array.
func (c *Coordinator) CurrentState() TopoState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentStateLocked()
}

func (c *Coordinator) currentStateLocked() TopoState {
	out := make(TopoState, len(c.state))
	copy(out, c.state)
	return out
}

// AggregateCurrentState reduces the current topology state.
func (c *Coordinator) AggregateCurrentState() device.AggregatedState {
	return AggregateState(c.CurrentState())
}

// AggregateStateForPath aggregates the state of the tasks selected by
// path: all tasks when empty, a single task's state for an exact runtime
// path, otherwise the aggregate over the matching set.
func (c *Coordinator) AggregateStateForPath(path string) (device.AggregatedState, error) {
	state := c.CurrentState()
	if path == "" {
		return AggregateState(state), nil
	}

	byID := make(map[uint64]DeviceStatus, len(state))
	for _, ds := range state {
		byID[ds.TaskID] = ds
	}

	if task, ok := c.rt.TaskByPath(path); ok {
		return device.AggregatedState(byID[task.ID].State), nil
	}

	ids, err := c.rt.TasksMatching(path)
	if err != nil {
		return device.AggregatedUndefined, err
	}
	if len(ids) == 0 {
		return device.AggregatedUndefined, fmt.Errorf("no tasks found matching the path %q", path)
	}
	subset := make(TopoState, 0, len(ids))
	for _, id := range ids {
		subset = append(subset, byID[id])
	}
	return AggregateState(subset), nil
}

// --- operations -----------------------------------------------------------

// opID allocates a random 64-bit operation ID.
func opID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

// tasksForPath snapshots the participating, non-ignored tasks for a path.
// Precondition: mutex held.
func (c *Coordinator) tasksForPath(path string) (map[uint64]struct{}, error) {
	ids, err := c.rt.TasksMatching(path)
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if c.state[c.index[id]].Ignored {
			continue
		}
		set[id] = struct{}{}
	}
	return set, nil
}

func (c *Coordinator) sendCmds(path string, cmds ...cc.Cmd) error {
	data, err := cc.Cmds(cmds).Marshal()
	if err != nil {
		return err
	}
	return c.session.SendCommands(data, path)
}

// AsyncChangeState initiates a state transition on the tasks selected by
// path. The handler is dispatched on its own goroutine once the operation
// reaches a terminal state.
func (c *Coordinator) AsyncChangeState(transition device.Transition, path string, timeout time.Duration, handler ChangeStateHandler) error {
	if device.ExpectedState(transition) == device.Undefined {
		return fmt.Errorf("transition %s has no expected state", transition)
	}

	c.mu.Lock()
	tasks, err := c.tasksForPath(path)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	for id, op := range c.changeStateOps {
		if op.done() {
			delete(c.changeStateOps, id)
		}
	}

	id := opID()
	op := newChangeStateOp(id, transition, tasks, handler)
	c.changeStateOps[id] = op

	// tasks already sitting in the target state need no event to count
	for taskID := range op.outstanding {
		if c.state[c.index[taskID]].State == op.target {
			delete(op.outstanding, taskID)
		}
	}

	op.start(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		op.timeout(c)
	})
	c.mu.Unlock()

	if err := c.sendCmds(path, &cc.ChangeState{Transition: transition}); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !op.done() {
			op.complete(c, fmt.Errorf("broadcasting %s: %w", transition, err))
		}
		return nil
	}

	c.mu.Lock()
	op.tryCompletion(c)
	c.mu.Unlock()
	return nil
}

// ChangeState performs a state transition synchronously.
func (c *Coordinator) ChangeState(transition device.Transition, path string, timeout time.Duration) (TopoState, error) {
	type result struct {
		err   error
		state TopoState
	}
	done := make(chan result, 1)
	err := c.AsyncChangeState(transition, path, timeout, func(err error, state TopoState) {
		done <- result{err, state}
	})
	if err != nil {
		return c.CurrentState(), err
	}
	r := <-done
	return r.state, r.err
}

// AsyncWaitForState initiates a wait for the tasks selected by path to
// reach the given last/current state pair.
func (c *Coordinator) AsyncWaitForState(targetLast, targetCurrent device.State, path string, timeout time.Duration, handler WaitForStateHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, err := c.tasksForPath(path)
	if err != nil {
		return err
	}

	for id, op := range c.waitForStateOps {
		if op.done() {
			delete(c.waitForStateOps, id)
		}
	}

	id := opID()
	op := newWaitForStateOp(id, targetLast, targetCurrent, tasks, handler)
	c.waitForStateOps[id] = op

	for taskID := range op.outstanding {
		ds := c.state[c.index[taskID]]
		if op.matches(ds.LastState, ds.State) {
			delete(op.outstanding, taskID)
		}
	}

	op.start(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		op.timeout(c)
	})
	op.tryCompletion(c)
	return nil
}

// WaitForState waits synchronously.
func (c *Coordinator) WaitForState(targetLast, targetCurrent device.State, path string, timeout time.Duration) ([]uint64, error) {
	type result struct {
		err    error
		failed []uint64
	}
	done := make(chan result, 1)
	err := c.AsyncWaitForState(targetLast, targetCurrent, path, timeout, func(err error, failed []uint64) {
		done <- result{err, failed}
	})
	if err != nil {
		return nil, err
	}
	r := <-done
	return r.failed, r.err
}

// AsyncSetProperties initiates a property push on the tasks selected by
// path.
func (c *Coordinator) AsyncSetProperties(props cc.Props, path string, timeout time.Duration, handler SetPropertiesHandler) error {
	c.mu.Lock()
	tasks, err := c.tasksForPath(path)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	for id, op := range c.setPropertiesOps {
		if op.done() {
			delete(c.setPropertiesOps, id)
		}
	}

	id := opID()
	op := newSetPropertiesOp(id, tasks, handler)
	c.setPropertiesOps[id] = op

	op.start(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		op.timeout(c)
	})
	c.mu.Unlock()

	if err := c.sendCmds(path, &cc.SetProperties{RequestID: id, Props: props}); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !op.done() {
			op.complete(c, fmt.Errorf("broadcasting property update: %w", err))
		}
		return nil
	}

	c.mu.Lock()
	op.tryCompletion(c)
	c.mu.Unlock()
	return nil
}

// SetProperties pushes properties synchronously. The returned list holds
// the tasks that rejected the update and are not expendable.
func (c *Coordinator) SetProperties(props cc.Props, path string, timeout time.Duration) ([]uint64, error) {
	type result struct {
		err    error
		failed []uint64
	}
	done := make(chan result, 1)
	err := c.AsyncSetProperties(props, path, timeout, func(err error, failed []uint64) {
		done <- result{err, failed}
	})
	if err != nil {
		return nil, err
	}
	r := <-done
	return r.failed, r.err
}

// AsyncGetProperties initiates a property query on the tasks selected by
// path. Query is a regular expression over property keys.
func (c *Coordinator) AsyncGetProperties(query, path string, timeout time.Duration, handler GetPropertiesHandler) error {
	c.mu.Lock()
	tasks, err := c.tasksForPath(path)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	for id, op := range c.getPropertiesOps {
		if op.done() {
			delete(c.getPropertiesOps, id)
		}
	}

	id := opID()
	op := newGetPropertiesOp(id, tasks, handler)
	c.getPropertiesOps[id] = op

	op.start(timeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		op.timeout(c)
	})
	c.mu.Unlock()

	if err := c.sendCmds(path, &cc.GetProperties{RequestID: id, Query: query}); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !op.done() {
			op.complete(c, fmt.Errorf("broadcasting property query: %w", err))
		}
		return nil
	}

	c.mu.Lock()
	op.tryCompletion(c)
	c.mu.Unlock()
	return nil
}

// GetProperties queries properties synchronously.
func (c *Coordinator) GetProperties(query, path string, timeout time.Duration) (GetPropertiesResult, error) {
	type result struct {
		err error
		res GetPropertiesResult
	}
	done := make(chan result, 1)
	err := c.AsyncGetProperties(query, path, timeout, func(err error, res GetPropertiesResult) {
		done <- result{err, res}
	})
	if err != nil {
		return GetPropertiesResult{}, err
	}
	r := <-done
	return r.res, r.err
}

// --- heartbeats -----------------------------------------------------------

func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.sendCmds("", &cc.SubscriptionHeartbeat{IntervalMs: c.heartbeatInterval.Milliseconds()}); err != nil {
				c.log.Error("heartbeat broadcast failed", "error", err)
			}
		case <-c.heartbeatStop:
			return
		}
	}
}
