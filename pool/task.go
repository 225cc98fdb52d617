package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/stream"
)

// TaskFunc is the unit of work run on a pooled worker. The lease is valid
// until the function returns; calls still running at that point are canceled.
type TaskFunc func(ctx context.Context, w *rpc.Lease) (any, error)

// TaskState is a task's position in its lifecycle.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	}
	return "unknown"
}

// QueuedTask is the handle returned by Pool.Queue.
type QueuedTask struct {
	id   uint64
	fn   TaskFunc
	pool *Pool

	state atomic.Int32

	outcome *stream.Stream[any]
	settle  stream.Emitter[any]

	// loop-owned
	queuedAt      time.Time
	startedAt     time.Time
	workerID      int
	cancelHandled bool
}

func newQueuedTask(p *Pool, id uint64, fn TaskFunc) *QueuedTask {
	t := &QueuedTask{id: id, fn: fn, pool: p, queuedAt: time.Now()}
	t.outcome, t.settle = stream.NewSubject[any]()
	return t
}

// ID returns the task id, unique and increasing within its pool.
func (t *QueuedTask) ID() uint64 { return t.id }

// State returns the current state.
func (t *QueuedTask) State() TaskState { return TaskState(t.state.Load()) }

func (t *QueuedTask) transition(from, to TaskState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// Outcome settles with the task's return value or error. A canceled task
// fails with *core.CancellationError.
func (t *QueuedTask) Outcome() *stream.Stream[any] { return t.outcome }

// Await blocks until the task finishes or ctx ends. It does not cancel the
// task when ctx ends.
func (t *QueuedTask) Await(ctx context.Context) (any, error) {
	return t.outcome.Await(ctx)
}

// Cancel removes the task from the queue if it has not started yet and
// reports whether it did. A canceled task never starts.
func (t *QueuedTask) Cancel() bool {
	if !t.transition(TaskQueued, TaskCanceled) {
		return false
	}
	t.pool.queuedCount.Add(-1)
	if !t.pool.loop.PostTask(func(context.Context) { t.pool.onCanceled(t) }) {
		t.settle.Fail(&core.CancellationError{TaskID: t.id})
	}
	return true
}
