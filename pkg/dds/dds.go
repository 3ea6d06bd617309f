// Package dds declares the deployment-layer contract consumed by the
// controller core: session lifecycle, agent submission, topology
// activation, task-done notifications and the custom-command transport.
//
// The real deployment runtime lives outside this repository; the core only
// depends on this interface. pkg/dds/ddstest ships an in-process
// implementation used by the test suites.
package dds

import (
	"context"
	"time"
)

// Severity classifies a submission message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// SubmitParams describes one agent-submission pass.
type SubmitParams struct {
	RMS        string
	NumAgents  int32
	MinAgents  int32
	NumSlots   int32
	NumCores   int32
	ConfigFile string
	EnvFile    string
	AgentGroup string
}

// SubmitMessage is a progress or error message emitted during submission.
type SubmitMessage struct {
	Severity Severity
	Message  string
}

// TopologyEvent is emitted once per task during topology activation.
type TopologyEvent struct {
	AgentID      uint64
	SlotID       uint64
	TaskID       uint64
	CollectionID uint64
	Path         string
	Host         string
	WrkDir       string
	Activated    bool
}

// TaskDoneEvent is emitted when a task process exits.
type TaskDoneEvent struct {
	TaskID   uint64
	TaskPath string
	ExitCode int
	Signal   int
	Host     string
	WrkDir   string
}

// AgentInfo describes one live agent.
type AgentInfo struct {
	AgentID     uint64
	Host        string
	Path        string
	GroupName   string
	NumSlots    int32
	StartupTime time.Duration
}

// Session is a handle to one deployment-layer session. A session maps 1:1
// to a controller partition.
//
// Command payloads are opaque to the deployment layer; the core speaks the
// pkg/cc vocabulary over SendCommands/SubscribeCommands. The optional path
// argument of SendCommands is a regular expression filtering receiving
// tasks by their runtime topology path; empty selects all.
type Session interface {
	// Create starts a new session and returns its UUID.
	Create() (string, error)
	// Attach connects to an existing session by UUID.
	Attach(id string) error
	// ID returns the session UUID, or the empty string when not running.
	ID() string
	// IsRunning reports whether the session is alive.
	IsRunning() bool
	// Shutdown tears the session down together with all its agents.
	Shutdown() error

	// ActiveTopologyPath returns the topology file currently activated in
	// the session, or the empty string when none is active.
	ActiveTopologyPath(ctx context.Context) (string, error)

	// SubmitAgents performs one submission pass and blocks until the
	// deployment layer signals completion. Messages are delivered to
	// onMessage as they arrive; a message with SeverityError marks the
	// pass as failed.
	SubmitAgents(ctx context.Context, params SubmitParams, onMessage func(SubmitMessage)) error
	// WaitForActiveSlots blocks until at least n slots are active.
	WaitForActiveSlots(ctx context.Context, n int) error
	// ActiveSlotCount returns the number of currently active slots.
	ActiveSlotCount(ctx context.Context) (int, error)
	// AgentInfo lists the live agents.
	AgentInfo(ctx context.Context) ([]AgentInfo, error)
	// ShutdownAgent asks a single agent to shut down.
	ShutdownAgent(ctx context.Context, agentID uint64) error

	// ActivateTopology activates (or, with update set, swaps) the given
	// topology file and blocks until done. Per-task results are delivered
	// to onEvent.
	ActivateTopology(ctx context.Context, topoFile string, update bool, onEvent func(TopologyEvent)) error

	// SubscribeTaskDone registers a task-exit handler and returns an
	// unsubscribe function.
	SubscribeTaskDone(handler func(TaskDoneEvent)) (unsubscribe func())

	// SendCommands broadcasts a command payload to tasks matching path.
	SendCommands(data []byte, path string) error
	// SubscribeCommands registers a handler for command payloads sent by
	// tasks and returns an unsubscribe function. Handlers are invoked on
	// the transport's dispatch goroutine, one payload at a time.
	SubscribeCommands(handler func(data []byte, senderTaskID uint64)) (unsubscribe func())
}
