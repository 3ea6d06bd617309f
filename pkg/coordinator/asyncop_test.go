package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The asyncOp primitive is exercised through a minimal owner that mimics
// how the operation types drive it.

func TestAsyncOpCompletesOnce(t *testing.T) {
	op := &asyncOp{}
	op.finish()
	assert.True(t, op.done())

	assert.Panics(t, func() { op.finish() })
}

func TestAsyncOpTimerFires(t *testing.T) {
	op := &asyncOp{}
	fired := make(chan struct{})
	op.start(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deadline timer never fired")
	}
}

func TestAsyncOpFinishStopsTimer(t *testing.T) {
	op := &asyncOp{}
	fired := make(chan struct{}, 1)
	op.start(50*time.Millisecond, func() { fired <- struct{}{} })
	op.finish()

	select {
	case <-fired:
		t.Fatal("timer fired after completion")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestChangeStateOpCompletionHandler(t *testing.T) {
	c := &Coordinator{} // only currentStateLocked is touched by complete

	done := make(chan error, 1)
	op := newChangeStateOp(1, 0, map[uint64]struct{}{}, func(err error, _ TopoState) { done <- err })

	op.tryCompletion(c)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("empty operation did not complete immediately")
	}
	assert.True(t, op.done())
}

func TestChangeStateOpTimeoutReportsOutstanding(t *testing.T) {
	c := &Coordinator{}

	done := make(chan error, 1)
	op := newChangeStateOp(1, 0, map[uint64]struct{}{11: {}, 12: {}}, func(err error, _ TopoState) { done <- err })

	op.timeout(c)
	err := <-done
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.ElementsMatch(t, []uint64{11, 12}, op.failedTasks())
}

func TestChangeStateOpCancel(t *testing.T) {
	c := &Coordinator{}

	done := make(chan error, 1)
	op := newChangeStateOp(1, 0, map[uint64]struct{}{11: {}}, func(err error, _ TopoState) { done <- err })

	op.cancel(c)
	assert.ErrorIs(t, <-done, ErrOperationCanceled)

	// canceling again is a no-op
	op.cancel(c)
}
