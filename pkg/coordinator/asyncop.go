package coordinator

import "time"

// asyncOp is the one-shot completion primitive shared by all operation
// types. It has exactly three terminal outcomes: completed (ok or with a
// failure error), canceled, or timed out. Completing twice is a
// programming error and panics.
//
// State is guarded by the coordinator mutex. Completion handlers are never
// invoked under that mutex and never on the command-channel goroutine:
// the owning operation dispatches them on a fresh goroutine (the
// executor), so a handler may freely call back into the coordinator.
type asyncOp struct {
	completed bool
	timer     *time.Timer
}

// start arms the deadline timer. onTimeout runs on the timer goroutine and
// is responsible for taking the coordinator mutex and completing the
// operation if it is still outstanding. A zero timeout means no deadline.
func (op *asyncOp) start(timeout time.Duration, onTimeout func()) {
	if timeout > 0 {
		op.timer = time.AfterFunc(timeout, onTimeout)
	}
}

// finish marks the operation terminal. Precondition: coordinator mutex is
// held and the operation has not completed yet.
func (op *asyncOp) finish() {
	if op.completed {
		panic("coordinator: operation completed twice")
	}
	op.completed = true
	if op.timer != nil {
		op.timer.Stop()
	}
}

// done reports whether the operation reached a terminal state.
func (op *asyncOp) done() bool { return op.completed }
