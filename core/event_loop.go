package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// EventLoop binds a dedicated goroutine that executes posted tasks one at a time,
// in posting order. State owned by a loop is only touched from tasks running on it,
// so it needs no further locking.
//
// Posting never blocks: the task queue is unbounded and the loop goroutine is woken
// through a one-slot signal channel. Tasks running on the loop may therefore post
// more tasks to the same loop.
type EventLoop struct {
	name  string
	queue *FIFOQueue[Task]

	// signal wakes the loop; one pending wake-up is enough
	signal chan struct{}

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	postMu   sync.Mutex
	closed   atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once

	executed atomic.Int64
	panics   atomic.Int64

	panicHandler PanicHandler
}

// LoopOption configures an EventLoop.
type LoopOption func(*EventLoop)

// WithPanicHandler sets the handler invoked when a task panics.
func WithPanicHandler(h PanicHandler) LoopOption {
	return func(l *EventLoop) {
		if h != nil {
			l.panicHandler = h
		}
	}
}

// NewEventLoop creates and starts a new EventLoop.
// It immediately spawns a dedicated goroutine for task execution.
func NewEventLoop(name string, opts ...LoopOption) *EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLoop{
		name:         name,
		queue:        NewFIFOQueue[Task](),
		signal:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		panicHandler: &DefaultPanicHandler{},
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.runLoop()

	return l
}

// Name returns the name of the loop
func (l *EventLoop) Name() string {
	return l.name
}

// PostTask submits a task for execution. It reports false when the loop is
// closed and the task was dropped.
func (l *EventLoop) PostTask(task Task) bool {
	if task == nil {
		return false
	}

	l.postMu.Lock()
	if l.closed.Load() {
		l.postMu.Unlock()
		return false
	}
	l.queue.Push(task)
	l.postMu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Shutdown marks the loop as closed without waiting for it to exit.
// Tasks accepted before Shutdown still run; later posts are dropped.
// Unlike Stop, it may be called from a task running on the loop.
func (l *EventLoop) Shutdown() {
	l.postMu.Lock()
	l.closed.Store(true)
	l.postMu.Unlock()
	l.cancel()
}

// IsClosed returns true once Shutdown or Stop has been called
func (l *EventLoop) IsClosed() bool {
	return l.closed.Load()
}

// Stop closes the loop and waits for already accepted tasks to finish.
// Must not be called from a task running on this loop.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		l.Shutdown()
		<-l.stopped
	})
}

// Done is closed when the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.stopped
}

// runLoop is the core of this loop, it occupies a dedicated goroutine
func (l *EventLoop) runLoop() {
	defer close(l.stopped)

	runCtx := context.WithValue(l.ctx, eventLoopKey, l)

	for {
		l.runPending(runCtx)

		select {
		case <-l.signal:
		case <-l.ctx.Done():
			// Everything accepted before Shutdown is already in the queue
			l.runPending(runCtx)
			return
		}
	}
}

func (l *EventLoop) runPending(ctx context.Context) {
	for {
		task, ok := l.queue.Pop()
		if !ok {
			return
		}
		l.runTask(ctx, task)
	}
}

func (l *EventLoop) runTask(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			l.panics.Add(1)
			l.panicHandler.HandlePanic(ctx, l.name, -1, rec, debug.Stack())
		}
	}()
	task(ctx)
	l.executed.Add(1)
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (l *EventLoop) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})

	if !l.PostTask(func(context.Context) { close(done) }) {
		return fmt.Errorf("event loop %q is closed: %w", l.name, ErrLoopClosed)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the loop state.
func (l *EventLoop) Stats() LoopStats {
	return LoopStats{
		Name:     l.name,
		Pending:  l.queue.Len(),
		Executed: l.executed.Load(),
		Panics:   l.panics.Load(),
		Closed:   l.closed.Load(),
	}
}
