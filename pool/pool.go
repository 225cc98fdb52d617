// Package pool runs queued task functions on a fixed set of workers, one
// task per worker at a time, in queue order.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// SpawnFunc starts the worker with the given 1-based id.
type SpawnFunc func(ctx context.Context, workerID int) (*rpc.Proxy, error)

type workerRecord struct {
	id    int
	proxy *rpc.Proxy

	// loop-owned
	busy bool
}

// waiter is a pending Completed or Settled call.
type waiter struct {
	failFast bool
	errs     []error
	err      error
	done     chan struct{}
}

func (w *waiter) resolve(err error) {
	w.err = err
	close(w.done)
}

type taskResult struct {
	value      any
	err        error
	panicked   bool
	finishedAt time.Time
}

// Pool schedules tasks onto workers.
//
// Scheduling state is owned by the pool's event loop. Event subscribers run
// on that loop: they may call Queue and Cancel but must not block, and must
// not call Completed, Settled or Terminate.
type Pool struct {
	id           string
	name         string
	maxQueued    int
	logger       core.Logger
	metrics      core.Metrics
	panicHandler core.PanicHandler
	history      *core.ExecutionHistory
	subscribers  []func(Event)

	workers []*workerRecord
	loop    *core.EventLoop

	events  *stream.Stream[Event]
	emitter stream.Emitter[Event]

	// ctx is the parent of every task context
	ctx    context.Context
	cancel context.CancelCauseFunc

	submitMu   sync.Mutex
	nextTaskID uint64
	closed     atomic.Bool

	queuedCount    atomic.Int64
	activeCount    atomic.Int64
	completedCount atomic.Int64
	failedCount    atomic.Int64
	canceledCount  atomic.Int64

	// loop-owned
	queue         *core.FIFOQueue[*QueuedTask]
	running       map[uint64]*QueuedTask
	cycleOpen     bool
	cycleErrs     []error
	drainedCycles int
	waiters       []*waiter
	terminating   bool
	terminated    bool
	remaining     []uint64
	onIdle        func()

	terminateOnce sync.Once
	terminateErr  error
}

// New spawns size workers concurrently (runtime.NumCPU() when size <= 0) and
// returns a pool once all of them initialized. If any spawn fails, the
// workers already started are terminated and a *core.SpawnError is returned.
func New(ctx context.Context, spawn SpawnFunc, size int, opts ...Option) (*Pool, error) {
	if spawn == nil {
		return nil, errors.New("pool: nil spawn function")
	}
	if size <= 0 {
		size = runtime.NumCPU()
	}

	p := &Pool{
		id:      uuid.NewString(),
		name:    "pool",
		logger:  core.NewNoOpLogger(),
		metrics: &core.NilMetrics{},
		history: core.NewExecutionHistory(0),
		queue:   core.NewFIFOQueue[*QueuedTask](),
		running: make(map[uint64]*QueuedTask),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.panicHandler == nil {
		p.panicHandler = &core.DefaultPanicHandler{Logger: p.logger}
	}

	p.ctx, p.cancel = context.WithCancelCause(context.Background())
	p.loop = core.NewEventLoop(p.name+"/scheduler", core.WithPanicHandler(p.panicHandler))
	p.events, p.emitter = stream.NewSubject[Event]()
	for _, fn := range p.subscribers {
		p.events.Subscribe(fn, nil, nil)
	}

	proxies, err := spawnAll(ctx, spawn, size, p.logger)
	if err != nil {
		p.logger.Error("pool initialization failed", core.F("pool", p.name), core.F("error", err))
		p.cancel(err)
		p.loop.PostTask(func(context.Context) { p.emitter.Fail(err) })
		p.loop.Stop()
		return nil, err
	}
	for i, proxy := range proxies {
		w := &workerRecord{id: i + 1, proxy: proxy}
		p.workers = append(p.workers, w)
		proxy.Errors().Subscribe(func(err error) {
			p.logger.Warn("pool worker failed", core.F("pool", p.name), core.F("worker_id", w.id), core.F("error", err))
		}, nil, nil)
	}

	p.loop.PostTask(func(context.Context) { p.emit(Event{Type: EventInitialized, Size: size}) })
	if err := p.loop.WaitIdle(ctx); err != nil {
		p.logger.Debug("initialized event still pending", core.F("pool", p.name), core.F("error", err))
	}
	p.logger.Debug("pool initialized", core.F("pool", p.name), core.F("id", p.id), core.F("size", size))
	return p, nil
}

func spawnAll(ctx context.Context, spawn SpawnFunc, size int, logger core.Logger) ([]*rpc.Proxy, error) {
	proxies := make([]*rpc.Proxy, size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range size {
		workerID := i + 1
		g.Go(func() error {
			proxy, err := spawn(gctx, workerID)
			if err != nil {
				return asSpawnError(workerID, err)
			}
			proxies[i] = proxy
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if cleanupErr := terminateProxies(cleanupCtx, proxies); cleanupErr != nil {
			logger.Warn("terminating spawned workers failed", core.F("error", cleanupErr))
		}
		return nil, err
	}
	return proxies, nil
}

func asSpawnError(workerID int, err error) error {
	var se *core.SpawnError
	if errors.As(err, &se) {
		if se.WorkerID == 0 {
			se.WorkerID = workerID
		}
		return se
	}
	return &core.SpawnError{WorkerID: workerID, Err: err}
}

func terminateProxies(ctx context.Context, proxies []*rpc.Proxy) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, proxy := range proxies {
		if proxy == nil {
			continue
		}
		g.Go(func() error {
			if err := proxy.Terminate(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("terminate worker %s: %w", proxy.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the pool's unique id.
func (p *Pool) ID() string { return p.id }

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Events is the multicast stream of pool events, in transition order. It
// completes after the terminated event.
func (p *Pool) Events() *stream.Stream[Event] { return p.events }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() core.PoolStats {
	active := int(p.activeCount.Load())
	return core.PoolStats{
		ID:        p.id,
		Name:      p.name,
		Workers:   len(p.workers),
		Idle:      max(len(p.workers)-active, 0),
		Queued:    int(p.queuedCount.Load()),
		Active:    active,
		Completed: p.completedCount.Load(),
		Failed:    p.failedCount.Load(),
		Canceled:  p.canceledCount.Load(),
		Running:   !p.closed.Load(),
	}
}

// LoopStats returns the scheduler loop's stats.
func (p *Pool) LoopStats() core.LoopStats { return p.loop.Stats() }

// RecentTasks returns up to limit finished tasks, newest first.
func (p *Pool) RecentTasks(limit int) []core.TaskExecutionRecord {
	return p.history.Recent(limit)
}

func (p *Pool) emit(ev Event) {
	p.logger.Debug("pool event", core.F("pool", p.name), core.F("type", string(ev.Type)), core.F("task_id", ev.TaskID))
	p.emitter.Emit(ev)
}

// =============================================================================
// Queueing and dispatch
// =============================================================================

// Queue appends fn to the task queue. It fails with core.ErrPoolTerminated
// once Terminate has begun and with core.ErrQueueFull when the queue limit is
// reached.
func (p *Pool) Queue(fn TaskFunc) (*QueuedTask, error) {
	if fn == nil {
		return nil, errors.New("pool: nil task function")
	}

	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	if p.closed.Load() {
		p.metrics.RecordTaskRejected(p.name, "terminated")
		return nil, core.ErrPoolTerminated
	}
	if p.maxQueued > 0 && p.queuedCount.Load() >= int64(p.maxQueued) {
		p.metrics.RecordTaskRejected(p.name, "queue_full")
		return nil, fmt.Errorf("pool %s: %w (limit %d)", p.name, core.ErrQueueFull, p.maxQueued)
	}

	p.nextTaskID++
	t := newQueuedTask(p, p.nextTaskID, fn)
	p.queuedCount.Add(1)
	p.loop.PostTask(func(context.Context) { p.enqueue(t) })
	return t, nil
}

func (p *Pool) enqueue(t *QueuedTask) {
	if !p.cycleOpen {
		p.cycleOpen = true
		p.cycleErrs = nil
	}
	p.queue.Push(t)
	p.emit(Event{Type: EventTaskQueued, TaskID: t.id})
	p.dispatch()
}

// dispatch starts queued tasks while idle workers remain.
func (p *Pool) dispatch() {
	if p.terminating {
		return
	}
	for !p.queue.IsEmpty() {
		w := p.idleWorker()
		if w == nil {
			break
		}
		t, _ := p.queue.Pop()
		if !t.transition(TaskQueued, TaskRunning) {
			// canceled off the loop; report it before any drain
			p.handleCanceled(t)
			continue
		}
		p.queuedCount.Add(-1)
		p.start(t, w)
	}
	p.metrics.RecordQueueDepth(p.name, p.queue.Len())
}

func (p *Pool) idleWorker() *workerRecord {
	for _, w := range p.workers {
		if !w.busy {
			return w
		}
	}
	return nil
}

func (p *Pool) start(t *QueuedTask, w *workerRecord) {
	w.busy = true
	t.workerID = w.id
	t.startedAt = time.Now()
	p.running[t.id] = t
	p.activeCount.Add(1)

	p.emit(Event{Type: EventTaskStart, TaskID: t.id, WorkerID: w.id})
	go p.execute(t, w)
}

func (p *Pool) execute(t *QueuedTask, w *workerRecord) {
	ctx, span := tracing.StartSpan(p.ctx, "pool.task", trace.SpanKindInternal,
		attribute.String("pool", p.name),
		attribute.Int64("task_id", int64(t.id)),
		attribute.Int("worker_id", w.id),
	)

	lease := w.proxy.Lease()
	res := p.runTask(ctx, t, w, lease)
	if n := lease.Release(); n > 0 {
		p.logger.Warn("task returned with calls still running",
			core.F("pool", p.name), core.F("task_id", t.id), core.F("calls", n))
	}
	tracing.EndSpan(span, res.err)

	p.loop.PostTask(func(context.Context) { p.finish(t, w, res) })
}

func (p *Pool) runTask(ctx context.Context, t *QueuedTask, w *workerRecord, lease *rpc.Lease) (res taskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.panicHandler.HandlePanic(ctx, p.name, w.id, rec, debug.Stack())
			p.metrics.RecordTaskPanic(p.name, rec)
			res = taskResult{err: fmt.Errorf("task %d panicked: %v", t.id, rec), panicked: true}
		}
		res.finishedAt = time.Now()
	}()

	v, err := t.fn(ctx, lease)
	return taskResult{value: v, err: err}
}

func (p *Pool) finish(t *QueuedTask, w *workerRecord, res taskResult) {
	to := TaskCompleted
	if res.err != nil {
		to = TaskFailed
	}
	if !t.transition(TaskRunning, to) {
		// already failed by a forced termination
		return
	}
	w.busy = false
	delete(p.running, t.id)
	p.activeCount.Add(-1)
	p.record(t, to, res)

	if res.err != nil {
		p.failedCount.Add(1)
		p.logger.Warn("task failed", core.F("pool", p.name), core.F("task_id", t.id),
			core.F("worker_id", w.id), core.F("error", res.err))
		p.emit(Event{Type: EventTaskFailed, TaskID: t.id, WorkerID: w.id, Error: res.err})
		t.settle.Fail(res.err)
		p.notifyFailure(res.err)
	} else {
		p.completedCount.Add(1)
		p.emit(Event{Type: EventTaskCompleted, TaskID: t.id, WorkerID: w.id, ReturnValue: res.value})
		t.settle.Emit(res.value)
		t.settle.Complete()
	}

	p.dispatch()
	p.checkDrained()
	p.checkIdle()
}

func (p *Pool) record(t *QueuedTask, state TaskState, res taskResult) {
	outcome := core.OutcomeCompleted
	switch state {
	case TaskFailed:
		outcome = core.OutcomeFailed
	case TaskCanceled:
		outcome = core.OutcomeCanceled
	}

	rec := core.TaskExecutionRecord{
		TaskID:     t.id,
		PoolName:   p.name,
		WorkerID:   t.workerID,
		Outcome:    outcome,
		QueuedAt:   t.queuedAt,
		StartedAt:  t.startedAt,
		FinishedAt: res.finishedAt,
		Panicked:   res.panicked,
	}
	if !t.startedAt.IsZero() {
		rec.Duration = res.finishedAt.Sub(t.startedAt)
		p.metrics.RecordTaskDuration(p.name, outcome, rec.Duration)
	}
	if res.err != nil {
		rec.Error = res.err.Error()
	}
	p.history.Add(rec)
}

func (p *Pool) onCanceled(t *QueuedTask) {
	p.handleCanceled(t)
	p.checkDrained()
}

// handleCanceled emits taskCanceled for t once, whichever of the posted
// cancel handler, dispatch or termination reaches it first.
func (p *Pool) handleCanceled(t *QueuedTask) {
	if t.cancelHandled {
		return
	}
	t.cancelHandled = true
	p.queue.Remove(func(q *QueuedTask) bool { return q == t })
	p.canceledCount.Add(1)
	p.metrics.RecordTaskCanceled(p.name)
	p.record(t, TaskCanceled, taskResult{finishedAt: time.Now()})

	p.emit(Event{Type: EventTaskCanceled, TaskID: t.id})
	t.settle.Fail(&core.CancellationError{TaskID: t.id})
}

// checkDrained emits taskQueueDrained once per cycle, when nothing is queued
// or running, and resolves the waiters of that cycle.
func (p *Pool) checkDrained() {
	if !p.cycleOpen || !p.queue.IsEmpty() || len(p.running) > 0 {
		return
	}
	p.cycleOpen = false
	p.drainedCycles++
	p.emit(Event{Type: EventTaskQueueDrained})

	waiters := p.waiters
	p.waiters = nil
	for _, w := range waiters {
		w.resolve(nil)
	}
}

func (p *Pool) notifyFailure(err error) {
	p.cycleErrs = append(p.cycleErrs, err)

	kept := p.waiters[:0]
	for _, w := range p.waiters {
		w.errs = append(w.errs, err)
		if w.failFast {
			w.resolve(err)
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
}

// =============================================================================
// Waiting
// =============================================================================

// Completed waits until the queue is empty and no task is running, failing
// with the first task error of the current cycle. With allowImmediate an idle
// pool returns nil at once. Otherwise an idle pool that already drained
// reports that cycle's outcome, and a pool that never ran a task waits for
// its first drain.
func (p *Pool) Completed(ctx context.Context, allowImmediate bool) error {
	w, err := p.wait(ctx, true, allowImmediate)
	if err != nil {
		return err
	}
	return w.err
}

// Settled is Completed without failing on task errors: it returns the task
// errors of the cycle in the order they occurred.
func (p *Pool) Settled(ctx context.Context, allowImmediate bool) ([]error, error) {
	w, err := p.wait(ctx, false, allowImmediate)
	if err != nil {
		return nil, err
	}
	return w.errs, w.err
}

func (p *Pool) wait(ctx context.Context, failFast, allowImmediate bool) (*waiter, error) {
	w := &waiter{failFast: failFast, done: make(chan struct{})}
	if !p.loop.PostTask(func(context.Context) { p.addWaiter(w, allowImmediate) }) {
		return nil, core.ErrPoolTerminated
	}

	select {
	case <-w.done:
		return w, nil
	case <-ctx.Done():
		p.loop.PostTask(func(context.Context) { p.removeWaiter(w) })
		return nil, ctx.Err()
	}
}

func (p *Pool) addWaiter(w *waiter, allowImmediate bool) {
	if p.terminated {
		w.resolve(core.ErrPoolTerminated)
		return
	}

	idle := p.queue.IsEmpty() && len(p.running) == 0
	if idle && allowImmediate {
		w.resolve(nil)
		return
	}
	if p.cycleOpen || (idle && p.drainedCycles > 0) {
		w.errs = append([]error(nil), p.cycleErrs...)
		if w.failFast && len(w.errs) > 0 {
			w.resolve(w.errs[0])
			return
		}
	}
	if idle && p.drainedCycles > 0 {
		w.resolve(nil)
		return
	}
	p.waiters = append(p.waiters, w)
}

func (p *Pool) removeWaiter(w *waiter) {
	for i, other := range p.waiters {
		if other == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// =============================================================================
// Termination
// =============================================================================

// Terminate stops the pool: queued tasks are canceled, running tasks are
// awaited (or failed with core.ErrPoolTerminated when force is set or ctx
// ends first), every worker is terminated and the terminated event closes
// the event stream. Only the first call has an effect.
func (p *Pool) Terminate(ctx context.Context, force bool) error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate(ctx, force)
	})
	return p.terminateErr
}

func (p *Pool) terminate(ctx context.Context, force bool) error {
	p.submitMu.Lock()
	p.closed.Store(true)
	p.submitMu.Unlock()
	p.logger.Debug("terminating pool", core.F("pool", p.name), core.F("force", force))

	idle := make(chan struct{})
	p.loop.PostTask(func(context.Context) {
		p.beginTerminate(force, func() { close(idle) })
	})

	var errs error
	select {
	case <-idle:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("pool %s: waiting for running tasks: %w", p.name, ctx.Err()))
		p.loop.PostTask(func(context.Context) { p.failRunning(core.ErrPoolTerminated) })
		<-idle
	}

	workers := make([]*rpc.Proxy, len(p.workers))
	for i, w := range p.workers {
		workers[i] = w.proxy
	}
	errs = multierr.Append(errs, terminateProxies(ctx, workers))

	p.loop.PostTask(func(context.Context) {
		p.terminated = true
		p.emit(Event{Type: EventTerminated, RemainingQueue: p.remaining})
		p.emitter.Complete()
		for _, w := range p.waiters {
			w.resolve(core.ErrPoolTerminated)
		}
		p.waiters = nil
	})
	p.loop.Stop()
	p.cancel(core.ErrPoolTerminated)

	if errs != nil {
		p.logger.Warn("pool terminated with errors", core.F("pool", p.name), core.F("error", errs))
	}
	return errs
}

func (p *Pool) beginTerminate(force bool, onIdle func()) {
	p.terminating = true
	p.remaining = make([]uint64, 0, p.queue.Len())
	for _, t := range p.queue.Drain() {
		if !t.transition(TaskQueued, TaskCanceled) {
			if t.State() == TaskCanceled {
				p.handleCanceled(t)
			}
			continue
		}
		p.queuedCount.Add(-1)
		p.remaining = append(p.remaining, t.id)
		p.handleCanceled(t)
	}
	p.checkDrained()

	p.onIdle = onIdle
	if force {
		p.failRunning(core.ErrPoolTerminated)
	}
	p.checkIdle()
}

// failRunning fails every running task with err, in task order.
func (p *Pool) failRunning(err error) {
	p.cancel(err)

	ids := make([]uint64, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := p.running[id]
		if !t.transition(TaskRunning, TaskFailed) {
			continue
		}
		delete(p.running, id)
		p.activeCount.Add(-1)
		p.failedCount.Add(1)
		p.record(t, TaskFailed, taskResult{err: err, finishedAt: time.Now()})

		p.emit(Event{Type: EventTaskFailed, TaskID: t.id, WorkerID: t.workerID, Error: err})
		t.settle.Fail(err)
		p.notifyFailure(err)
	}
	p.checkDrained()
	p.checkIdle()
}

func (p *Pool) checkIdle() {
	if p.onIdle == nil || len(p.running) > 0 {
		return
	}
	onIdle := p.onIdle
	p.onIdle = nil
	onIdle()
}
