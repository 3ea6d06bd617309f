package coordinator

import (
	"fmt"

	"github.com/marmos91/odc/pkg/device"
)

// ChangeStateHandler receives the terminal outcome of a ChangeState
// operation together with a snapshot of the topology state.
type ChangeStateHandler func(err error, state TopoState)

// changeStateOp tracks one in-flight state transition across a set of
// tasks. A task is done when its state reaches the transition's expected
// post-state; the operation completes when no task remains outstanding.
type changeStateOp struct {
	asyncOp
	id          uint64
	transition  device.Transition
	target      device.State
	outstanding map[uint64]struct{}
	failed      map[uint64]struct{}
	handler     ChangeStateHandler
}

func newChangeStateOp(id uint64, transition device.Transition, tasks map[uint64]struct{}, handler ChangeStateHandler) *changeStateOp {
	return &changeStateOp{
		id:          id,
		transition:  transition,
		target:      device.ExpectedState(transition),
		outstanding: tasks,
		failed:      make(map[uint64]struct{}),
		handler:     handler,
	}
}

// contains reports whether the task participates in this operation.
// Precondition for this and all methods below: coordinator mutex held.
func (op *changeStateOp) contains(taskID uint64) bool {
	_, ok := op.outstanding[taskID]
	return ok
}

// update processes a state event for one task.
func (op *changeStateOp) update(c *Coordinator, taskID uint64, state device.State, expendable bool) {
	if op.done() || !op.contains(taskID) {
		return
	}
	if state == op.target {
		delete(op.outstanding, taskID)
		op.tryCompletion(c)
		return
	}
	if state == device.Error && !expendable {
		op.failed[taskID] = struct{}{}
		delete(op.outstanding, taskID)
		op.complete(c, fmt.Errorf("device %d failed during %s: %w", taskID, op.transition, ErrChangeStateFailed))
	}
}

// ignore drops a task absorbed by the expendable policy.
func (op *changeStateOp) ignore(c *Coordinator, taskID uint64) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	op.tryCompletion(c)
}

// tryCompletion completes the operation if nothing remains outstanding.
func (op *changeStateOp) tryCompletion(c *Coordinator) {
	if !op.done() && len(op.outstanding) == 0 {
		op.complete(c, nil)
	}
}

// timeout completes the operation with the outstanding tasks as failures.
func (op *changeStateOp) timeout(c *Coordinator) {
	if op.done() {
		return
	}
	for taskID := range op.outstanding {
		op.failed[taskID] = struct{}{}
	}
	op.complete(c, fmt.Errorf("%w: %d task(s) did not reach %s", ErrOperationTimeout, len(op.failed), op.target))
}

func (op *changeStateOp) cancel(c *Coordinator) {
	if !op.done() {
		op.complete(c, ErrOperationCanceled)
	}
}

func (op *changeStateOp) complete(c *Coordinator, err error) {
	op.finish()
	state := c.currentStateLocked()
	handler := op.handler
	go handler(err, state)
}

// failedTasks returns the tasks recorded as failed, for diagnostics.
func (op *changeStateOp) failedTasks() []uint64 {
	out := make([]uint64, 0, len(op.failed))
	for id := range op.failed {
		out = append(out, id)
	}
	return out
}
