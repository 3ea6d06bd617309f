// Package ddstest provides an in-process implementation of the dds.Session
// contract for tests: simulated agents, slots and devices that speak the
// pkg/cc vocabulary over the custom-command channel.
//
// All command traffic is serialised on a single dispatch goroutine, which
// mimics the transport's delivery discipline: SendCommands enqueues and
// returns immediately, device replies and task-done events are delivered
// to subscribers one at a time, never on the sender's goroutine.
package ddstest

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/dds"
	"github.com/marmos91/odc/pkg/device"
	"github.com/marmos91/odc/pkg/topology"
)

// validFrom maps each transition to the state it is legal from.
var validFrom = map[device.Transition]device.State{
	device.TransitionInitDevice:   device.Idle,
	device.TransitionCompleteInit: device.InitializingDevice,
	device.TransitionBind:         device.Initialized,
	device.TransitionConnect:      device.Bound,
	device.TransitionInitTask:     device.DeviceReady,
	device.TransitionRun:          device.Ready,
	device.TransitionStop:         device.Running,
	device.TransitionResetTask:    device.Ready,
	device.TransitionResetDevice:  device.DeviceReady,
	device.TransitionEnd:          device.Idle,
}

type simDevice struct {
	taskID       uint64
	collectionID uint64
	path         string
	agentID      uint64
	slotID       uint64
	alive        bool
	subscribed   bool
	lastState    device.State
	state        device.State
	props        cc.Props
}

type simAgent struct {
	id       uint64
	host     string
	group    string
	numSlots int32
	used     int32
}

type crashRule struct {
	transition device.Transition
	pathRe     *regexp.Regexp
	exit       bool // also emit a task-done event
	exitCode   int
}

// Sim is an in-process deployment session.
type Sim struct {
	mu sync.Mutex

	id       string
	running  bool
	topoPath string

	nextAgentID uint64
	agents      map[uint64]*simAgent
	devices     map[uint64]*simDevice
	deviceOrder []uint64

	nextSub     int
	cmdSubs     map[int]func(data []byte, senderTaskID uint64)
	taskDoneSub map[int]func(dds.TaskDoneEvent)

	// fault injection
	failAgents    map[string]int32
	propFailures  map[uint64]bool
	crashRules    []crashRule
	attachable    map[string]string // session id -> active topo path
	heartbeats    int
	agentsShut    []uint64
	subscribeDrop bool // swallow subscription requests (timeout tests)
	commandDrop   bool // swallow all outbound commands

	dispatch chan func()
	done     chan struct{}
}

// New creates a simulator. The dispatch loop runs until Close.
func New() *Sim {
	s := &Sim{
		agents:       make(map[uint64]*simAgent),
		devices:      make(map[uint64]*simDevice),
		cmdSubs:      make(map[int]func([]byte, uint64)),
		taskDoneSub:  make(map[int]func(dds.TaskDoneEvent)),
		failAgents:   make(map[string]int32),
		propFailures: make(map[uint64]bool),
		attachable:   make(map[string]string),
		dispatch:     make(chan func(), 4096),
		done:         make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Sim) loop() {
	for {
		select {
		case fn := <-s.dispatch:
			fn()
		case <-s.done:
			return
		}
	}
}

// Close stops the dispatch loop.
func (s *Sim) Close() { close(s.done) }

// enqueue schedules fn on the dispatch goroutine.
func (s *Sim) enqueue(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.done:
	}
}

// --- fault injection and inspection -------------------------------------

// FailAgents makes count agents of the given group fail to start on the
// next submission pass.
func (s *Sim) FailAgents(group string, count int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAgents[group] = count
}

// FailSetProperties makes the given task reply Failure to SetProperties.
func (s *Sim) FailSetProperties(taskID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propFailures[taskID] = true
}

// CrashOnTransition makes devices whose path matches pathExpr enter the
// Error state when asked to perform the given transition.
func (s *Sim) CrashOnTransition(t device.Transition, pathExpr string) error {
	re, err := regexp.Compile(pathExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashRules = append(s.crashRules, crashRule{transition: t, pathRe: re})
	return nil
}

// ExitOnTransition is CrashOnTransition plus a task-done event with the
// given exit code.
func (s *Sim) ExitOnTransition(t device.Transition, pathExpr string, exitCode int) error {
	re, err := regexp.Compile(pathExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crashRules = append(s.crashRules, crashRule{transition: t, pathRe: re, exit: true, exitCode: exitCode})
	return nil
}

// AddAttachable registers a pre-existing session that Attach will accept.
func (s *Sim) AddAttachable(sessionID, activeTopoPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachable[sessionID] = activeTopoPath
}

// DropSubscriptions makes devices ignore subscription requests, so that no
// confirmations or state updates ever arrive.
func (s *Sim) DropSubscriptions(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeDrop = drop
}

// DropCommands makes the transport swallow every outbound command, as if
// the devices stopped answering.
func (s *Sim) DropCommands(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandDrop = drop
}

// KillTask terminates a task, emitting a task-done event.
func (s *Sim) KillTask(taskID uint64, exitCode, signal int) {
	s.enqueue(func() {
		s.mu.Lock()
		d, ok := s.devices[taskID]
		if !ok || !d.alive {
			s.mu.Unlock()
			return
		}
		d.alive = false
		agent := s.agents[d.agentID]
		if agent != nil {
			agent.used--
		}
		ev := dds.TaskDoneEvent{
			TaskID:   taskID,
			TaskPath: d.path,
			ExitCode: exitCode,
			Signal:   signal,
			Host:     s.hostOf(d.agentID),
			WrkDir:   "/tmp/wrk",
		}
		handlers := s.taskDoneHandlers()
		s.mu.Unlock()
		for _, h := range handlers {
			h(ev)
		}
	})
}

// HeartbeatCount returns the number of heartbeat commands received.
func (s *Sim) HeartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

// ShutdownRequests returns the agent IDs that received a shutdown request.
func (s *Sim) ShutdownRequests() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.agentsShut))
	copy(out, s.agentsShut)
	return out
}

// SubscribedCount returns how many devices are currently subscribed.
func (s *Sim) SubscribedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.devices {
		if d.alive && d.subscribed {
			n++
		}
	}
	return n
}

// --- dds.Session: lifecycle ----------------------------------------------

// Create implements dds.Session.
func (s *Sim) Create() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return "", fmt.Errorf("session already running")
	}
	s.id = uuid.NewString()
	s.running = true
	return s.id, nil
}

// Attach implements dds.Session.
func (s *Sim) Attach(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	topoPath, ok := s.attachable[id]
	if !ok {
		return fmt.Errorf("no session with id %q", id)
	}
	s.id = id
	s.running = true
	s.topoPath = topoPath
	return nil
}

// ID implements dds.Session.
func (s *Sim) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsRunning implements dds.Session.
func (s *Sim) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown implements dds.Session.
func (s *Sim) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.id = ""
	s.topoPath = ""
	s.agents = make(map[uint64]*simAgent)
	s.devices = make(map[uint64]*simDevice)
	s.deviceOrder = nil
	return nil
}

// ActiveTopologyPath implements dds.Session.
func (s *Sim) ActiveTopologyPath(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", fmt.Errorf("session is not running")
	}
	return s.topoPath, nil
}

// --- dds.Session: agents -------------------------------------------------

// SubmitAgents implements dds.Session.
func (s *Sim) SubmitAgents(ctx context.Context, params dds.SubmitParams, onMessage func(dds.SubmitMessage)) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("session is not running")
	}
	failed := s.failAgents[params.AgentGroup]
	delete(s.failAgents, params.AgentGroup)

	started := params.NumAgents - failed
	if started < 0 {
		started = 0
	}
	for i := int32(0); i < started; i++ {
		s.nextAgentID++
		id := s.nextAgentID
		s.agents[id] = &simAgent{
			id:       id,
			host:     fmt.Sprintf("node%03d", id),
			group:    params.AgentGroup,
			numSlots: params.NumSlots,
		}
	}
	s.mu.Unlock()

	if onMessage != nil {
		onMessage(dds.SubmitMessage{Severity: dds.SeverityInfo,
			Message: fmt.Sprintf("submitted %d agent(s) for group %q", started, params.AgentGroup)})
		if failed > 0 {
			onMessage(dds.SubmitMessage{Severity: dds.SeverityWarning,
				Message: fmt.Sprintf("%d agent(s) for group %q did not start", failed, params.AgentGroup)})
		}
	}
	return nil
}

// WaitForActiveSlots implements dds.Session.
func (s *Sim) WaitForActiveSlots(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		count, err := s.ActiveSlotCount(ctx)
		if err != nil {
			return err
		}
		if count >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d active slots (have %d): %w", n, count, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ActiveSlotCount implements dds.Session.
func (s *Sim) ActiveSlotCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, fmt.Errorf("session is not running")
	}
	total := 0
	for _, a := range s.agents {
		total += int(a.numSlots)
	}
	return total, nil
}

// AgentInfo implements dds.Session.
func (s *Sim) AgentInfo(ctx context.Context) ([]dds.AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, fmt.Errorf("session is not running")
	}
	infos := make([]dds.AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		infos = append(infos, dds.AgentInfo{
			AgentID:     a.id,
			Host:        a.host,
			Path:        "/tmp/dds-agent",
			GroupName:   a.group,
			NumSlots:    a.numSlots,
			StartupTime: 10 * time.Millisecond,
		})
	}
	return infos, nil
}

// ShutdownAgent implements dds.Session.
func (s *Sim) ShutdownAgent(ctx context.Context, agentID uint64) error {
	s.enqueue(func() {
		s.mu.Lock()
		s.agentsShut = append(s.agentsShut, agentID)
		agent, ok := s.agents[agentID]
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(s.agents, agentID)

		var events []dds.TaskDoneEvent
		for _, d := range s.devices {
			if d.agentID == agentID && d.alive {
				d.alive = false
				d.subscribed = false
				events = append(events, dds.TaskDoneEvent{
					TaskID:   d.taskID,
					TaskPath: d.path,
					ExitCode: 0,
					Signal:   15,
					Host:     agent.host,
					WrkDir:   "/tmp/wrk",
				})
			}
		}
		handlers := s.taskDoneHandlers()
		s.mu.Unlock()
		for _, ev := range events {
			for _, h := range handlers {
				h(ev)
			}
		}
	})
	return nil
}

// --- dds.Session: topology -----------------------------------------------

// ActivateTopology implements dds.Session. Each runtime collection is
// placed on the lowest-numbered agent of the matching group that has
// enough free slots, so collections can share an agent. When the session
// has no agents, agents are fabricated: one per collection and one per
// standalone task.
func (s *Sim) ActivateTopology(ctx context.Context, topoFile string, update bool, onEvent func(dds.TopologyEvent)) error {
	topo, err := topology.Load(topoFile)
	if err != nil {
		return err
	}
	rt, err := topology.NewRuntime(topo)
	if err != nil {
		return err
	}
	reqs, err := topology.ExtractRequirements(rt, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("session is not running")
	}

	if update {
		for _, d := range s.devices {
			if a := s.agents[d.agentID]; a != nil && d.alive {
				a.used--
			}
		}
		s.devices = make(map[uint64]*simDevice)
		s.deviceOrder = nil
	}

	s.topoPath = topoFile

	fabricate := len(s.agents) == 0
	addAgent := func(group string, slots int32) *simAgent {
		s.nextAgentID++
		a := &simAgent{id: s.nextAgentID, host: fmt.Sprintf("node%03d", s.nextAgentID), group: group, numSlots: slots}
		s.agents[a.id] = a
		return a
	}

	pickAgent := func(group string, slots int32) (*simAgent, error) {
		var best *simAgent
		for _, a := range s.agents {
			if a.group != group {
				continue
			}
			if a.numSlots-a.used < slots {
				continue
			}
			if best == nil || a.id < best.id {
				best = a
			}
		}
		if best != nil {
			return best, nil
		}
		if fabricate {
			return addAgent(group, slots), nil
		}
		return nil, fmt.Errorf("no agent with %d free slot(s) in group %q", slots, group)
	}

	var events []dds.TopologyEvent

	place := func(d *simDevice, a *simAgent) {
		a.used++
		d.agentID = a.id
		d.slotID = uint64(a.used)
		s.devices[d.taskID] = d
		s.deviceOrder = append(s.deviceOrder, d.taskID)
		events = append(events, dds.TopologyEvent{
			AgentID:      a.id,
			SlotID:       d.slotID,
			TaskID:       d.taskID,
			CollectionID: d.collectionID,
			Path:         d.path,
			Host:         a.host,
			WrkDir:       "/tmp/wrk",
			Activated:    true,
		})
	}

	for _, col := range rt.Collections {
		group := ""
		if info := reqs.Collections[col.Name]; info != nil {
			group = info.AgentGroup
		}
		agent, err := pickAgent(group, int32(len(col.TaskIDs)))
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("activating collection %q: %w", col.Name, err)
		}
		for _, taskID := range col.TaskIDs {
			task, _ := rt.Task(taskID)
			place(&simDevice{
				taskID:       taskID,
				collectionID: col.ID,
				path:         task.Path,
				alive:        true,
				state:        device.Idle,
				props:        make(cc.Props),
			}, agent)
		}
	}
	for _, task := range rt.Tasks {
		if task.CollectionID != 0 {
			continue
		}
		agent, err := pickAgent("", 1)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("activating task %q: %w", task.Path, err)
		}
		place(&simDevice{
			taskID: task.ID,
			path:   task.Path,
			alive:  true,
			state:  device.Idle,
			props:  make(cc.Props),
		}, agent)
	}
	s.mu.Unlock()

	if onEvent != nil {
		for _, ev := range events {
			onEvent(ev)
		}
	}
	return nil
}

// --- dds.Session: subscriptions and commands ------------------------------

// SubscribeTaskDone implements dds.Session.
func (s *Sim) SubscribeTaskDone(handler func(dds.TaskDoneEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.taskDoneSub[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.taskDoneSub, id)
	}
}

// SubscribeCommands implements dds.Session.
func (s *Sim) SubscribeCommands(handler func(data []byte, senderTaskID uint64)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.cmdSubs[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.cmdSubs, id)
	}
}

// SendCommands implements dds.Session. The payload is delivered to every
// alive device whose path matches the filter; replies are dispatched back
// to command subscribers from the dispatch goroutine.
func (s *Sim) SendCommands(data []byte, path string) error {
	var re *regexp.Regexp
	if path != "" {
		var err error
		re, err = regexp.Compile(path)
		if err != nil {
			return fmt.Errorf("invalid path filter %q: %w", path, err)
		}
	}

	cmds, err := cc.Unmarshal(data)
	if err != nil {
		return err
	}

	s.enqueue(func() { s.deliver(cmds, re) })
	return nil
}

func (s *Sim) deliver(cmds cc.Cmds, re *regexp.Regexp) {
	s.mu.Lock()
	if s.commandDrop {
		s.mu.Unlock()
		return
	}
	targets := make([]*simDevice, 0, len(s.deviceOrder))
	for _, id := range s.deviceOrder {
		d := s.devices[id]
		if d == nil || !d.alive {
			continue
		}
		if re != nil && !re.MatchString(d.path) {
			continue
		}
		targets = append(targets, d)
	}
	s.mu.Unlock()

	for _, cmd := range cmds {
		for _, d := range targets {
			s.handleDeviceCmd(d, cmd)
		}
	}
}

// reply routes a device reply to all command subscribers.
func (s *Sim) reply(from *simDevice, cmds ...cc.Cmd) {
	data, err := cc.Cmds(cmds).Marshal()
	if err != nil {
		return
	}
	s.mu.Lock()
	handlers := make([]func([]byte, uint64), 0, len(s.cmdSubs))
	for _, h := range s.cmdSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(data, from.taskID)
	}
}

func (s *Sim) taskDoneHandlers() []func(dds.TaskDoneEvent) {
	handlers := make([]func(dds.TaskDoneEvent), 0, len(s.taskDoneSub))
	for _, h := range s.taskDoneSub {
		handlers = append(handlers, h)
	}
	return handlers
}

func (s *Sim) deviceID(d *simDevice) string {
	return fmt.Sprintf("device-%d", d.taskID)
}

func (s *Sim) hostOf(agentID uint64) string {
	if a, ok := s.agents[agentID]; ok {
		return a.host
	}
	return "unknown"
}

// handleDeviceCmd runs one command against one device. Called on the
// dispatch goroutine only.
func (s *Sim) handleDeviceCmd(d *simDevice, cmd cc.Cmd) {
	switch c := cmd.(type) {
	case *cc.SubscribeToStateChange:
		s.mu.Lock()
		drop := s.subscribeDrop
		if !drop {
			d.subscribed = true
		}
		last, state := d.lastState, d.state
		s.mu.Unlock()
		if drop {
			return
		}
		s.reply(d, &cc.StateChangeSubscription{TaskID: d.taskID, DeviceID: s.deviceID(d), Result: cc.ResultOk})
		// a fresh subscriber publishes its current state right away
		s.reply(d, &cc.StateChange{TaskID: d.taskID, DeviceID: s.deviceID(d), LastState: last, CurrentState: state})

	case *cc.UnsubscribeFromStateChange:
		s.mu.Lock()
		d.subscribed = false
		s.mu.Unlock()
		s.reply(d, &cc.StateChangeUnsubscription{TaskID: d.taskID, DeviceID: s.deviceID(d), Result: cc.ResultOk})

	case *cc.SubscriptionHeartbeat:
		s.mu.Lock()
		s.heartbeats++
		s.mu.Unlock()

	case *cc.ChangeState:
		s.changeDeviceState(d, c.Transition)

	case *cc.SetProperties:
		s.mu.Lock()
		fail := s.propFailures[d.taskID]
		if !fail {
			for k, v := range c.Props {
				d.props[k] = v
			}
		}
		s.mu.Unlock()
		result := cc.ResultOk
		if fail {
			result = cc.ResultFailure
		}
		s.reply(d, &cc.PropertiesSet{TaskID: d.taskID, DeviceID: s.deviceID(d), RequestID: c.RequestID, Result: result})

	case *cc.GetProperties:
		re, err := regexp.Compile(c.Query)
		if err != nil {
			s.reply(d, &cc.Properties{TaskID: d.taskID, DeviceID: s.deviceID(d), RequestID: c.RequestID, Result: cc.ResultFailure})
			return
		}
		s.mu.Lock()
		props := make(cc.Props)
		for k, v := range d.props {
			if re.MatchString(k) {
				props[k] = v
			}
		}
		s.mu.Unlock()
		s.reply(d, &cc.Properties{TaskID: d.taskID, DeviceID: s.deviceID(d), RequestID: c.RequestID, Result: cc.ResultOk, Props: props})

	case *cc.CheckState:
		s.mu.Lock()
		last, state := d.lastState, d.state
		s.mu.Unlock()
		s.reply(d, &cc.StateChange{TaskID: d.taskID, DeviceID: s.deviceID(d), LastState: last, CurrentState: state})
	}
}

func (s *Sim) changeDeviceState(d *simDevice, t device.Transition) {
	s.mu.Lock()
	var rule *crashRule
	for i := range s.crashRules {
		r := &s.crashRules[i]
		if r.transition == t && r.pathRe.MatchString(d.path) {
			rule = r
			break
		}
	}

	if rule != nil {
		d.lastState = d.state
		d.state = device.Error
		subscribed := d.subscribed
		last := d.lastState
		exit := rule.exit
		exitCode := rule.exitCode
		if exit {
			d.alive = false
			d.subscribed = false
		}
		var doneHandlers []func(dds.TaskDoneEvent)
		var doneEv dds.TaskDoneEvent
		if exit {
			doneHandlers = s.taskDoneHandlers()
			doneEv = dds.TaskDoneEvent{
				TaskID:   d.taskID,
				TaskPath: d.path,
				ExitCode: exitCode,
				Signal:   0,
				Host:     s.hostOf(d.agentID),
				WrkDir:   "/tmp/wrk",
			}
		}
		s.mu.Unlock()
		if subscribed {
			s.reply(d, &cc.StateChange{TaskID: d.taskID, DeviceID: s.deviceID(d), LastState: last, CurrentState: device.Error})
		}
		for _, h := range doneHandlers {
			h(doneEv)
		}
		return
	}

	from, known := validFrom[t]
	if !known || d.state != from {
		current := d.state
		s.mu.Unlock()
		s.reply(d, &cc.TransitionStatus{TaskID: d.taskID, DeviceID: s.deviceID(d), Result: cc.ResultFailure, Transition: t, CurrentState: current})
		return
	}

	d.lastState = d.state
	d.state = device.ExpectedState(t)
	last, state := d.lastState, d.state
	subscribed := d.subscribed
	s.mu.Unlock()

	s.reply(d, &cc.TransitionStatus{TaskID: d.taskID, DeviceID: s.deviceID(d), Result: cc.ResultOk, Transition: t, CurrentState: state})
	if subscribed {
		s.reply(d, &cc.StateChange{TaskID: d.taskID, DeviceID: s.deviceID(d), LastState: last, CurrentState: state})
	}
}

var _ dds.Session = (*Sim)(nil)
