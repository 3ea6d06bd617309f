// Package device defines the device state-machine vocabulary shared by the
// coordinator, the command codec and the controller: device states,
// transitions, the transition → expected-state table and the aggregated
// state that extends the device states with a synthetic Mixed value.
package device

import "fmt"

// State is the state of a single device as reported by its runtime.
type State int

const (
	Undefined State = iota
	Ok
	Error
	Idle
	InitializingDevice
	Initialized
	Binding
	Bound
	Connecting
	DeviceReady
	InitializingTask
	Ready
	Running
	ResettingTask
	ResettingDevice
	Exiting
)

var stateNames = map[State]string{
	Undefined:          "UNDEFINED",
	Ok:                 "OK",
	Error:              "ERROR",
	Idle:               "IDLE",
	InitializingDevice: "INITIALIZING DEVICE",
	Initialized:        "INITIALIZED",
	Binding:            "BINDING",
	Bound:              "BOUND",
	Connecting:         "CONNECTING",
	DeviceReady:        "DEVICE READY",
	InitializingTask:   "INITIALIZING TASK",
	Ready:              "READY",
	Running:            "RUNNING",
	ResettingTask:      "RESETTING TASK",
	ResettingDevice:    "RESETTING DEVICE",
	Exiting:            "EXITING",
}

var statesByName = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, n := range stateNames {
		m[n] = s
	}
	return m
}()

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState returns the State named by s.
func ParseState(s string) (State, error) {
	if st, ok := statesByName[s]; ok {
		return st, nil
	}
	return Undefined, fmt.Errorf("unknown device state %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Transition is a device state-machine transition.
type Transition int

const (
	TransitionAuto Transition = iota
	TransitionInitDevice
	TransitionCompleteInit
	TransitionBind
	TransitionConnect
	TransitionInitTask
	TransitionRun
	TransitionStop
	TransitionResetTask
	TransitionResetDevice
	TransitionEnd
	TransitionErrorFound
)

var transitionNames = map[Transition]string{
	TransitionAuto:         "Auto",
	TransitionInitDevice:   "INIT DEVICE",
	TransitionCompleteInit: "COMPLETE INIT",
	TransitionBind:         "BIND",
	TransitionConnect:      "CONNECT",
	TransitionInitTask:     "INIT TASK",
	TransitionRun:          "RUN",
	TransitionStop:         "STOP",
	TransitionResetTask:    "RESET TASK",
	TransitionResetDevice:  "RESET DEVICE",
	TransitionEnd:          "END",
	TransitionErrorFound:   "ERROR FOUND",
}

var transitionsByName = func() map[string]Transition {
	m := make(map[string]Transition, len(transitionNames))
	for t, n := range transitionNames {
		m[n] = t
	}
	return m
}()

func (t Transition) String() string {
	if n, ok := transitionNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Transition(%d)", int(t))
}

// ParseTransition returns the Transition named by s.
func ParseTransition(s string) (Transition, error) {
	if t, ok := transitionsByName[s]; ok {
		return t, nil
	}
	return TransitionAuto, fmt.Errorf("unknown device transition %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Transition) UnmarshalText(b []byte) error {
	tr, err := ParseTransition(string(b))
	if err != nil {
		return err
	}
	*t = tr
	return nil
}

// expectedState maps each transition to the state a device reaches when the
// transition succeeds.
var expectedState = map[Transition]State{
	TransitionInitDevice:   InitializingDevice,
	TransitionCompleteInit: Initialized,
	TransitionBind:         Bound,
	TransitionConnect:      DeviceReady,
	TransitionInitTask:     Ready,
	TransitionRun:          Running,
	TransitionStop:         Ready,
	TransitionResetTask:    DeviceReady,
	TransitionResetDevice:  Idle,
	TransitionEnd:          Exiting,
}

// ExpectedState returns the post-state of a successful transition, or
// Undefined when the transition has no fixed target (Auto, ErrorFound).
func ExpectedState(t Transition) State {
	return expectedState[t]
}

// AggregatedState mirrors State, adding a synthetic Mixed value for a set
// of devices that are currently not all in the same state.
type AggregatedState int

const (
	AggregatedUndefined          = AggregatedState(Undefined)
	AggregatedOk                 = AggregatedState(Ok)
	AggregatedError              = AggregatedState(Error)
	AggregatedIdle               = AggregatedState(Idle)
	AggregatedInitializingDevice = AggregatedState(InitializingDevice)
	AggregatedInitialized        = AggregatedState(Initialized)
	AggregatedBinding            = AggregatedState(Binding)
	AggregatedBound              = AggregatedState(Bound)
	AggregatedConnecting         = AggregatedState(Connecting)
	AggregatedDeviceReady        = AggregatedState(DeviceReady)
	AggregatedInitializingTask   = AggregatedState(InitializingTask)
	AggregatedReady              = AggregatedState(Ready)
	AggregatedRunning            = AggregatedState(Running)
	AggregatedResettingTask      = AggregatedState(ResettingTask)
	AggregatedResettingDevice    = AggregatedState(ResettingDevice)
	AggregatedExiting            = AggregatedState(Exiting)
	AggregatedMixed              = AggregatedState(Exiting) + 1
)

func (s AggregatedState) String() string {
	if s == AggregatedMixed {
		return "MIXED"
	}
	return State(s).String()
}

// ParseAggregatedState returns the AggregatedState named by s.
func ParseAggregatedState(s string) (AggregatedState, error) {
	if s == "MIXED" {
		return AggregatedMixed, nil
	}
	st, err := ParseState(s)
	return AggregatedState(st), err
}

// Equals reports whether the aggregate denotes exactly the device state st.
func (s AggregatedState) Equals(st State) bool {
	return s != AggregatedMixed && State(s) == st
}
