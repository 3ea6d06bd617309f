package coordinator

import "errors"

// Operation terminal errors. The controller maps these onto its error
// taxonomy at the request boundary.
var (
	// ErrOperationTimeout is returned when an operation's deadline expires
	// before every participating task reached the requested condition.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrOperationCanceled is returned when an operation is canceled, e.g.
	// during coordinator teardown.
	ErrOperationCanceled = errors.New("operation canceled")
	// ErrChangeStateFailed is returned when a non-ignorable device failure
	// interrupts a state transition.
	ErrChangeStateFailed = errors.New("change state failed")
	// ErrInvalidTransition is returned when a device rejects a transition
	// that it has not already performed.
	ErrInvalidTransition = errors.New("invalid transition for current device state")
	// ErrWaitForStateFailed is returned when a non-ignorable device failure
	// interrupts a state wait.
	ErrWaitForStateFailed = errors.New("wait for state failed")
	// ErrSetPropertiesFailed is returned when one or more non-expendable
	// devices reject a property update.
	ErrSetPropertiesFailed = errors.New("set properties failed")
	// ErrGetPropertiesFailed is returned when one or more devices fail to
	// report their properties.
	ErrGetPropertiesFailed = errors.New("get properties failed")
)
