package controller

import (
	"time"

	"github.com/marmos91/odc/pkg/cc"
	"github.com/marmos91/odc/pkg/coordinator"
	"github.com/marmos91/odc/pkg/device"
)

// CommonParams accompany every request.
type CommonParams struct {
	PartitionID string
	RunNr       uint64
	// Timeout bounds each blocking step of the request separately; zero
	// selects the controller's default.
	Timeout time.Duration
}

// InitializeParams configure an Initialize request. A non-empty session ID
// attaches to an existing deployment session instead of creating one.
type InitializeParams struct {
	DDSSessionID string
}

// SubmitRequestParams configure a Submit request.
type SubmitRequestParams struct {
	Plugin    string
	Resources string
}

// TopologyParams select a topology by exactly one of file path, literal
// content, or generator script.
type TopologyParams struct {
	TopoFile    string
	TopoContent string
	TopoScript  string
}

// RunParams configure a Run request: the atomic composition of
// Initialize, Submit and Activate.
type RunParams struct {
	Plugin    string
	Resources string
	TopologyParams
	// ExtractTopoResources derives submission parameters from the
	// topology itself instead of invoking the resource plugin.
	ExtractTopoResources bool
}

// DeviceParams select a subset of devices and optionally request
// per-device detail.
type DeviceParams struct {
	Path     string
	Detailed bool
}

// SetPropertiesParams configure a SetProperties request.
type SetPropertiesParams struct {
	Path  string
	Props cc.Props
}

// StatusParams configure a Status request.
type StatusParams struct {
	// Running filters the report to partitions with a live deployment
	// session.
	Running bool
}

// StatusCode is the overall outcome of a request.
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// TaskStatus is the per-task slice of a detailed state report.
type TaskStatus struct {
	coordinator.DeviceStatus
	Path     string
	Host     string
	RMSJobID string
}

// CollectionStatus is the per-collection slice of a detailed state report.
type CollectionStatus struct {
	CollectionID    uint64
	AggregatedState device.AggregatedState
	Path            string
	Host            string
}

// DetailedState carries per-device detail when a client requests it.
type DetailedState struct {
	Tasks       []TaskStatus
	Collections []CollectionStatus
}

// RequestResult is the reply shape shared by all requests.
type RequestResult struct {
	StatusCode      StatusCode
	Msg             string
	ExecTime        time.Duration
	Error           *Error
	PartitionID     string
	RunNr           uint64
	DDSSessionID    string
	AggregatedState device.AggregatedState
	Detailed        *DetailedState
	Hosts           []string
}

// DDSSessionStatus reflects whether a partition's deployment session is
// alive.
type DDSSessionStatus int

const (
	DDSSessionStopped DDSSessionStatus = iota
	DDSSessionRunning
)

func (s DDSSessionStatus) String() string {
	if s == DDSSessionRunning {
		return "running"
	}
	return "stopped"
}

// PartitionStatus is the per-partition slice of a Status reply.
type PartitionStatus struct {
	PartitionID      string
	DDSSessionID     string
	DDSSessionStatus DDSSessionStatus
	AggregatedState  device.AggregatedState
}

// StatusResult is the reply to a Status request.
type StatusResult struct {
	StatusCode StatusCode
	Msg        string
	ExecTime   time.Duration
	Partitions []PartitionStatus
}

// request tracks one in-flight request: its parameters, start time and
// the timeout applied to each blocking step.
type request struct {
	common  CommonParams
	start   time.Time
	timeout time.Duration
}

func newRequest(common CommonParams, defaultTimeout time.Duration) *request {
	timeout := common.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &request{common: common, start: time.Now(), timeout: timeout}
}

// stepTimeout returns the timeout applied to each blocking step of the
// request.
func (r *request) stepTimeout() time.Duration { return r.timeout }

func (r *request) elapsed() time.Duration { return time.Since(r.start) }
