package pool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/pool"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func helloWorker(ctx context.Context, ep worker.Endpoint) error {
	return rpc.Expose(ep, rpc.Func(func(ctx context.Context, args ...any) (any, error) {
		return "Hello World", nil
	}))
}

func callHello(ctx context.Context, w *rpc.Lease) (any, error) {
	return w.Invoke(ctx, "")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []pool.Event
}

func (r *eventRecorder) record(ev pool.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []pool.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pool.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) ofType(t pool.EventType) []pool.Event {
	var out []pool.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// stubbornWorker initializes at once but fails to terminate.
type stubbornWorker struct{}

func (stubbornWorker) ID() string { return "stubborn" }
func (stubbornWorker) Send(protocol.Message) error { return nil }
func (stubbornWorker) OnError(func(error)) func() { return func() {} }
func (stubbornWorker) Terminate(context.Context) error { return errors.New("refused to stop") }

func (stubbornWorker) OnMessage(fn func(protocol.Message)) func() {
	go fn(protocol.Message{Kind: protocol.KindInit, Exposed: &protocol.Exposed{Type: protocol.ExposedFunction}})
	return func() {}
}

var _ = Describe("Pool", func() {
	var (
		p   *pool.Pool
		ctx context.Context
		rec *eventRecorder
	)

	newPool := func(size int, opts ...pool.Option) *pool.Pool {
		opts = append([]pool.Option{pool.WithEventSubscriber(rec.record)}, opts...)
		created, err := pool.New(ctx, pool.SpawnLocal(helloWorker), size, opts...)
		Expect(err).NotTo(HaveOccurred())
		return created
	}

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(cancel)
		rec = &eventRecorder{}
		p = nil
	})

	AfterEach(func() {
		if p != nil {
			_ = p.Terminate(context.Background(), true)
		}
	})

	Describe("Events", func() {
		It("should emit the full lifecycle of a single task", func() {
			p = newPool(3)

			task, err := p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Await(ctx)).To(Equal("Hello World"))
			Expect(p.Terminate(ctx, false)).To(Succeed())

			Expect(rec.all()).To(Equal([]pool.Event{
				{Type: pool.EventInitialized, Size: 3},
				{Type: pool.EventTaskQueued, TaskID: 1},
				{Type: pool.EventTaskStart, TaskID: 1, WorkerID: 1},
				{Type: pool.EventTaskCompleted, TaskID: 1, WorkerID: 1, ReturnValue: "Hello World"},
				{Type: pool.EventTaskQueueDrained},
				{Type: pool.EventTerminated, RemainingQueue: []uint64{}},
			}))
			Eventually(p.Events().Done()).Should(BeClosed())
		})

		It("should assign increasing task ids", func() {
			p = newPool(2)

			var ids []uint64
			for range 5 {
				task, err := p.Queue(callHello)
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, task.ID())
			}
			Expect(ids).To(Equal([]uint64{1, 2, 3, 4, 5}))
			Expect(p.Completed(ctx, false)).To(Succeed())

			var started []uint64
			for _, ev := range rec.ofType(pool.EventTaskStart) {
				started = append(started, ev.TaskID)
			}
			Expect(started).To(Equal([]uint64{1, 2, 3, 4, 5}))
		})
	})

	Describe("Completed", func() {
		It("should wait for every queued task", func() {
			p = newPool(2)

			var mu sync.Mutex
			var returned []any
			for range 3 {
				_, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
					v, err := w.Invoke(ctx, "")
					mu.Lock()
					returned = append(returned, v)
					mu.Unlock()
					return v, err
				})
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(p.Completed(ctx, false)).To(Succeed())
			mu.Lock()
			defer mu.Unlock()
			Expect(returned).To(Equal([]any{"Hello World", "Hello World", "Hello World"}))
		})

		It("should fail with the task error", func() {
			p = newPool(2)

			_, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				return nil, errors.New("Ooopsie")
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(p.Completed(ctx, false)).To(MatchError("Ooopsie"))
		})

		It("should fail with the first failure in time order", func() {
			p = newPool(3)

			gateA := make(chan struct{})
			gateB := make(chan struct{})
			failAfter := func(gate chan struct{}, msg string) pool.TaskFunc {
				return func(ctx context.Context, w *rpc.Lease) (any, error) {
					<-gate
					return nil, errors.New(msg)
				}
			}
			_, err := p.Queue(failAfter(gateA, "first queued"))
			Expect(err).NotTo(HaveOccurred())
			taskB, err := p.Queue(failAfter(gateB, "second queued"))
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())

			completed := make(chan error, 1)
			go func() { completed <- p.Completed(ctx, false) }()

			close(gateB)
			Eventually(taskB.State).Should(Equal(pool.TaskFailed))
			close(gateA)

			Eventually(completed).Should(Receive(MatchError("second queued")))
			errs, err := p.Settled(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(errs).To(HaveLen(2))
			Expect(errs[0]).To(MatchError("second queued"))
			Expect(errs[1]).To(MatchError("first queued"))
		})

		It("should resolve at once on an idle pool when allowed", func() {
			p = newPool(2)

			Expect(p.Completed(ctx, true)).To(Succeed())
			errs, err := p.Settled(ctx, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(errs).To(BeEmpty())
		})

		It("should keep waiting on a pool that never ran a task", func() {
			p = newPool(1)

			waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			Expect(p.Completed(waitCtx, false)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Settled", func() {
		It("should collect every failure without rejecting", func() {
			p = newPool(2)

			_, _ = p.Queue(callHello)
			_, _ = p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				return nil, errors.New("Test error one")
			})
			_, _ = p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				return nil, errors.New("Test error two")
			})

			errs, err := p.Settled(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(errs).To(HaveLen(2))

			var messages []string
			for _, e := range errs {
				messages = append(messages, e.Error())
			}
			Expect(messages).To(ConsistOf("Test error one", "Test error two"))
		})
	})

	Describe("Cancel", func() {
		It("should keep canceled tasks from starting", func() {
			p = newPool(1)

			var executions atomic.Int32
			gate := make(chan struct{})
			var tasks []*pool.QueuedTask
			for range 4 {
				task, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
					executions.Add(1)
					<-gate
					return w.Invoke(ctx, "")
				})
				Expect(err).NotTo(HaveOccurred())
				tasks = append(tasks, task)
			}

			Expect(tasks[2].Cancel()).To(BeTrue())
			Expect(tasks[3].Cancel()).To(BeTrue())
			close(gate)

			Expect(p.Completed(ctx, false)).To(Succeed())
			Expect(executions.Load()).To(Equal(int32(2)))

			Expect(rec.ofType(pool.EventTaskCanceled)).To(Equal([]pool.Event{
				{Type: pool.EventTaskCanceled, TaskID: 3},
				{Type: pool.EventTaskCanceled, TaskID: 4},
			}))
			for _, ev := range rec.ofType(pool.EventTaskStart) {
				Expect(ev.TaskID).To(BeNumerically("<=", 2))
			}

			_, err := tasks[2].Await(ctx)
			var cancelErr *core.CancellationError
			Expect(errors.As(err, &cancelErr)).To(BeTrue())
			Expect(err).To(MatchError(core.ErrCanceled))
			Expect(tasks[2].State()).To(Equal(pool.TaskCanceled))
		})

		It("should report a cancel that raced a finishing task before the drain", func() {
			p = newPool(1)

			release := make(chan struct{})
			first, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				<-release
				return "done", nil
			})
			Expect(err).NotTo(HaveOccurred())
			second, err := p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())
			Eventually(first.State).Should(Equal(pool.TaskRunning))

			// the cancel handler has not reached the loop when the first task finishes
			Expect(pool.MarkCanceled(second)).To(BeTrue())
			close(release)

			_, err = second.Await(ctx)
			Expect(err).To(MatchError(core.ErrCanceled))
			Expect(p.Completed(ctx, false)).To(Succeed())

			Expect(rec.all()).To(Equal([]pool.Event{
				{Type: pool.EventInitialized, Size: 1},
				{Type: pool.EventTaskQueued, TaskID: 1},
				{Type: pool.EventTaskStart, TaskID: 1, WorkerID: 1},
				{Type: pool.EventTaskQueued, TaskID: 2},
				{Type: pool.EventTaskCompleted, TaskID: 1, WorkerID: 1, ReturnValue: "done"},
				{Type: pool.EventTaskCanceled, TaskID: 2},
				{Type: pool.EventTaskQueueDrained},
			}))
		})

		It("should be a no-op on finished tasks", func() {
			p = newPool(1)

			task, err := p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.Await(ctx)).To(Equal("Hello World"))

			Expect(task.Cancel()).To(BeFalse())
			Expect(task.State()).To(Equal(pool.TaskCompleted))
			Expect(rec.ofType(pool.EventTaskCanceled)).To(BeEmpty())
		})
	})

	Describe("Concurrency", func() {
		It("should never run more tasks than workers", func() {
			p = newPool(2)

			var current, peak atomic.Int32
			for range 8 {
				_, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
					n := current.Add(1)
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					current.Add(-1)
					return w.Invoke(ctx, "")
				})
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(p.Completed(ctx, false)).To(Succeed())
			Expect(peak.Load()).To(BeNumerically("<=", 2))
			Expect(p.Stats().Completed).To(Equal(int64(8)))
			Expect(p.RecentTasks(3)).To(HaveLen(3))
		})

		It("should reject tasks beyond the queue limit", func() {
			p = newPool(1, pool.WithMaxQueuedTasks(1))

			release := make(chan struct{})
			defer close(release)
			blocker, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				<-release
				return nil, nil
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(blocker.State).Should(Equal(pool.TaskRunning))

			_, err = p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Queue(callHello)
			Expect(err).To(MatchError(core.ErrQueueFull))
		})
	})

	Describe("Failures", func() {
		It("should turn a panicking task into a failure", func() {
			p = newPool(1)

			task, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				panic("task exploded")
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = task.Await(ctx)
			Expect(err).To(MatchError(ContainSubstring("task exploded")))
			Eventually(func() bool {
				last := p.RecentTasks(1)
				return len(last) == 1 && last[0].Panicked
			}).Should(BeTrue())
			Expect(rec.ofType(pool.EventTaskFailed)).To(HaveLen(1))
		})

		It("should keep running after a worker crashes", func() {
			crashing := func(ctx context.Context, ep worker.Endpoint) error {
				return rpc.Expose(ep, rpc.Module{
					"crash": func(ctx context.Context, args ...any) (any, error) {
						_ = rpc.ReportUncaught(ep, errors.New("boom"))
						<-ctx.Done()
						return nil, ctx.Err()
					},
					"hello": func(ctx context.Context, args ...any) (any, error) {
						return "Hello World", nil
					},
				})
			}
			var err error
			p, err = pool.New(ctx, pool.SpawnLocal(crashing), 1, pool.WithEventSubscriber(rec.record))
			Expect(err).NotTo(HaveOccurred())

			crashed, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				return w.Invoke(ctx, "crash")
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = crashed.Await(ctx)
			var remote *core.RemoteError
			Expect(errors.As(err, &remote)).To(BeTrue())
			Expect(remote.Message).To(Equal("boom"))

			later, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				return w.Invoke(ctx, "hello")
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = later.Await(ctx)
			Expect(err).To(MatchError(core.ErrChannelClosed))

			Expect(p.Stats().Running).To(BeTrue())
			Expect(rec.ofType(pool.EventTaskFailed)).To(HaveLen(2))
		})

		It("should log workers that cannot be cleaned up after a failed spawn", func() {
			logs, observed := observer.New(zapcore.WarnLevel)
			logger := core.NewZapLogger(zap.New(logs))

			firstReady := make(chan struct{})
			spawn := func(ctx context.Context, workerID int) (*rpc.Proxy, error) {
				if workerID == 2 {
					<-firstReady
					return nil, errors.New("no more threads")
				}
				defer close(firstReady)
				return rpc.Spawn(ctx, stubbornWorker{})
			}

			_, err := pool.New(ctx, spawn, 2, pool.WithLogger(logger))
			Expect(err).To(MatchError(ContainSubstring("no more threads")))

			entries := observed.FilterMessage("terminating spawned workers failed").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ContextMap()["error"]).To(ContainSubstring("refused to stop"))
		})

		It("should report which worker failed to spawn", func() {
			var spawned atomic.Int32
			spawn := func(ctx context.Context, workerID int) (*rpc.Proxy, error) {
				if workerID == 2 {
					return nil, errors.New("no more threads")
				}
				spawned.Add(1)
				return pool.SpawnLocal(helloWorker)(ctx, workerID)
			}

			_, err := pool.New(ctx, spawn, 3)
			var spawnErr *core.SpawnError
			Expect(errors.As(err, &spawnErr)).To(BeTrue())
			Expect(spawnErr.WorkerID).To(Equal(2))
			Expect(err).To(MatchError(ContainSubstring("no more threads")))
		})
	})

	Describe("Terminate", func() {
		It("should cancel queued tasks and wait for running ones", func() {
			p = newPool(1)

			release := make(chan struct{})
			running, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				<-release
				return "finished", nil
			})
			Expect(err).NotTo(HaveOccurred())
			queued, err := p.Queue(callHello)
			Expect(err).NotTo(HaveOccurred())
			Eventually(running.State).Should(Equal(pool.TaskRunning))

			done := make(chan error, 1)
			go func() { done <- p.Terminate(ctx, false) }()
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
			close(release)
			Eventually(done).Should(Receive(BeNil()))

			Expect(running.Await(ctx)).To(Equal("finished"))
			_, err = queued.Await(ctx)
			Expect(err).To(MatchError(core.ErrCanceled))

			terminated := rec.ofType(pool.EventTerminated)
			Expect(terminated).To(HaveLen(1))
			Expect(terminated[0].RemainingQueue).To(Equal([]uint64{2}))

			_, err = p.Queue(callHello)
			Expect(err).To(MatchError(core.ErrPoolTerminated))
		})

		It("should fail running tasks when forced", func() {
			p = newPool(1)

			running, err := p.Queue(func(ctx context.Context, w *rpc.Lease) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(running.State).Should(Equal(pool.TaskRunning))

			Expect(p.Terminate(ctx, true)).To(Succeed())
			_, err = running.Await(ctx)
			Expect(err).To(MatchError(core.ErrPoolTerminated))
			Expect(running.State()).To(Equal(pool.TaskFailed))
			Expect(p.Stats().Running).To(BeFalse())
		})
	})

	Describe("Retry", func() {
		It("should queue the task again until it succeeds", func() {
			p = newPool(1)

			var attempts atomic.Int32
			v, err := pool.Retry(ctx, p, func(ctx context.Context, w *rpc.Lease) (any, error) {
				if attempts.Add(1) < 3 {
					return nil, errors.New("transient")
				}
				return w.Invoke(ctx, "")
			}, core.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffRatio: 2})

			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("Hello World"))
			Expect(attempts.Load()).To(Equal(int32(3)))
		})

		It("should give up after the last retry", func() {
			p = newPool(1)

			var attempts atomic.Int32
			_, err := pool.Retry(ctx, p, func(ctx context.Context, w *rpc.Lease) (any, error) {
				attempts.Add(1)
				return nil, errors.New("permanent trouble")
			}, core.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond})

			Expect(err).To(MatchError("permanent trouble"))
			Expect(attempts.Load()).To(Equal(int32(2)))
		})
	})
})
