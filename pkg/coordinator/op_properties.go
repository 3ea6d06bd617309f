package coordinator

import (
	"fmt"

	"github.com/marmos91/odc/pkg/cc"
)

// SetPropertiesHandler receives the terminal outcome of a SetProperties
// operation and the tasks that rejected the update.
type SetPropertiesHandler func(err error, failed []uint64)

// setPropertiesOp tracks one property push. Each participating task must
// acknowledge with a PropertiesSet reply; failures from non-expendable
// tasks fail the operation on completion.
type setPropertiesOp struct {
	asyncOp
	id          uint64
	outstanding map[uint64]struct{}
	failed      map[uint64]struct{}
	handler     SetPropertiesHandler
}

func newSetPropertiesOp(id uint64, tasks map[uint64]struct{}, handler SetPropertiesHandler) *setPropertiesOp {
	return &setPropertiesOp{
		id:          id,
		outstanding: tasks,
		failed:      make(map[uint64]struct{}),
		handler:     handler,
	}
}

func (op *setPropertiesOp) contains(taskID uint64) bool {
	_, ok := op.outstanding[taskID]
	return ok
}

func (op *setPropertiesOp) update(c *Coordinator, taskID uint64, result cc.Result, expendable bool) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	if result != cc.ResultOk && !expendable {
		op.failed[taskID] = struct{}{}
	}
	op.tryCompletion(c)
}

func (op *setPropertiesOp) ignore(c *Coordinator, taskID uint64) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	op.tryCompletion(c)
}

func (op *setPropertiesOp) tryCompletion(c *Coordinator) {
	if op.done() || len(op.outstanding) > 0 {
		return
	}
	if len(op.failed) > 0 {
		op.complete(c, fmt.Errorf("%d device(s) failed to set properties: %w", len(op.failed), ErrSetPropertiesFailed))
		return
	}
	op.complete(c, nil)
}

func (op *setPropertiesOp) timeout(c *Coordinator) {
	if op.done() {
		return
	}
	for taskID := range op.outstanding {
		op.failed[taskID] = struct{}{}
	}
	op.complete(c, fmt.Errorf("%w: %d device(s) did not confirm properties", ErrOperationTimeout, len(op.failed)))
}

func (op *setPropertiesOp) cancel(c *Coordinator) {
	if !op.done() {
		op.complete(c, ErrOperationCanceled)
	}
}

func (op *setPropertiesOp) complete(_ *Coordinator, err error) {
	op.finish()
	failed := make([]uint64, 0, len(op.failed))
	for id := range op.failed {
		failed = append(failed, id)
	}
	handler := op.handler
	go handler(err, failed)
}

// GetPropertiesResult aggregates per-device property replies.
type GetPropertiesResult struct {
	// Devices maps task ID to the properties that device reported.
	Devices map[uint64]cc.Props
	// Failed holds the tasks that returned a failure or never replied.
	Failed []uint64
}

// GetPropertiesHandler receives the terminal outcome of a GetProperties
// operation.
type GetPropertiesHandler func(err error, result GetPropertiesResult)

// getPropertiesOp tracks one property query.
type getPropertiesOp struct {
	asyncOp
	id          uint64
	outstanding map[uint64]struct{}
	devices     map[uint64]cc.Props
	failed      map[uint64]struct{}
	handler     GetPropertiesHandler
}

func newGetPropertiesOp(id uint64, tasks map[uint64]struct{}, handler GetPropertiesHandler) *getPropertiesOp {
	return &getPropertiesOp{
		id:          id,
		outstanding: tasks,
		devices:     make(map[uint64]cc.Props),
		failed:      make(map[uint64]struct{}),
		handler:     handler,
	}
}

func (op *getPropertiesOp) contains(taskID uint64) bool {
	_, ok := op.outstanding[taskID]
	return ok
}

func (op *getPropertiesOp) update(c *Coordinator, taskID uint64, result cc.Result, props cc.Props) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	if result == cc.ResultOk {
		op.devices[taskID] = props
	} else {
		op.failed[taskID] = struct{}{}
	}
	op.tryCompletion(c)
}

func (op *getPropertiesOp) ignore(c *Coordinator, taskID uint64) {
	if op.done() || !op.contains(taskID) {
		return
	}
	delete(op.outstanding, taskID)
	op.tryCompletion(c)
}

func (op *getPropertiesOp) tryCompletion(c *Coordinator) {
	if op.done() || len(op.outstanding) > 0 {
		return
	}
	if len(op.failed) > 0 {
		op.complete(c, fmt.Errorf("%d device(s) failed to report properties: %w", len(op.failed), ErrGetPropertiesFailed))
		return
	}
	op.complete(c, nil)
}

func (op *getPropertiesOp) timeout(c *Coordinator) {
	if op.done() {
		return
	}
	for taskID := range op.outstanding {
		op.failed[taskID] = struct{}{}
	}
	op.complete(c, fmt.Errorf("%w: %d device(s) did not report properties", ErrOperationTimeout, len(op.failed)))
}

func (op *getPropertiesOp) cancel(c *Coordinator) {
	if !op.done() {
		op.complete(c, ErrOperationCanceled)
	}
}

func (op *getPropertiesOp) complete(_ *Coordinator, err error) {
	op.finish()
	result := GetPropertiesResult{Devices: op.devices, Failed: make([]uint64, 0, len(op.failed))}
	for id := range op.failed {
		result.Failed = append(result.Failed, id)
	}
	handler := op.handler
	go handler(err, result)
}
