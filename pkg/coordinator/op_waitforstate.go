package coordinator

import (
	"fmt"

	"github.com/marmos91/odc/pkg/device"
)

// WaitForStateHandler receives the terminal outcome of a WaitForState
// operation together with the tasks that failed, if any.
type WaitForStateHandler func(err error, failed []uint64)

// waitForStateOp waits for a set of tasks to reach a last/current state
// pair. A target last state of Undefined matches any last state.
type waitForStateOp struct {
	asyncOp
	id            uint64
	targetLast    device.State
	targetCurrent device.State
	outstanding   map[uint64]struct{}
	failed        map[uint64]struct{}
	handler       WaitForStateHandler
}

func newWaitForStateOp(id uint64, targetLast, targetCurrent device.State, tasks map[uint64]struct{}, handler WaitForStateHandler) *waitForStateOp {
	return &waitForStateOp{
		id:            id,
		targetLast:    targetLast,
		targetCurrent: targetCurrent,
		outstanding:   tasks,
		failed:        make(map[uint64]struct{}),
		handler:       handler,
	}
}

func (op *waitForStateOp) contains(taskID uint64) bool {
	_, ok := op.outstanding[taskID]
	return ok
}

func (op *waitForStateOp) matches(last, current device.State) bool {
	return (op.targetLast == device.Undefined || last == op.targetLast) && current == op.targetCurrent
}

func (op *waitForStateOp) update(c *Coordinator, taskID uint64, last, current device.State, expendable bool) {
	if op.done() || !op.contains(taskID) {
		return
	}
	if op.matches(last, current) {
		delete(op.outstanding, taskID)
		op.tryCompletion(c)
		return
	}
	if current == device.Error && !expendable {
		op.failed[taskID] = struct{}{}
		delete(op.outstanding, taskID)
		op.complete(c, fmt.Errorf("device %d failed while waiting for %s: %w", taskID, op.targetCurrent, ErrWaitForStateFailed))
	}
}

func (op *waitForStateOp) ignore(c *Coordinator, taskID uint64) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	op.tryCompletion(c)
}

func (op *waitForStateOp) tryCompletion(c *Coordinator) {
	if !op.done() && len(op.outstanding) == 0 {
		op.complete(c, nil)
	}
}

func (op *waitForStateOp) timeout(c *Coordinator) {
	if op.done() {
		return
	}
	for taskID := range op.outstanding {
		op.failed[taskID] = struct{}{}
	}
	op.complete(c, fmt.Errorf("%w: %d task(s) did not reach %s", ErrOperationTimeout, len(op.failed), op.targetCurrent))
}

func (op *waitForStateOp) cancel(c *Coordinator) {
	if !op.done() {
		op.complete(c, ErrOperationCanceled)
	}
}

func (op *waitForStateOp) complete(_ *Coordinator, err error) {
	op.finish()
	failed := make([]uint64, 0, len(op.failed))
	for id := range op.failed {
		failed = append(failed, id)
	}
	handler := op.handler
	go handler(err, failed)
}
