package rpc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/tracing"
	"github.com/Swind/go-worker-threads/worker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// spawnCleanupTimeout bounds terminating a worker that failed to initialize.
const spawnCleanupTimeout = 5 * time.Second

// Proxy is the controller side of a channel to one worker.
//
// Every piece of mutable channel state is owned by the channel's event loop,
// which also runs message handling. Stream callbacks attached with Subscribe
// run on that loop: they may issue new calls but must not block on it, and
// must not call Terminate.
type Proxy struct {
	w       worker.Worker
	opts    options
	loop    *core.EventLoop
	exposed protocol.Exposed

	// ready receives the init outcome once
	ready chan error

	events     *stream.Stream[WorkerEvent]
	emitEvent  stream.Emitter[WorkerEvent]
	errs       *stream.Stream[error]
	emitFatal  stream.Emitter[error]
	unsubWorks []func()

	// loop-owned
	initialized bool
	nextCallID  uint64
	pending     map[uint64]*pendingCall
	dead        error

	closed        atomic.Bool
	terminateOnce sync.Once
	terminateErr  error
}

type pendingCall struct {
	id      uint64
	method  string
	emitter stream.Emitter[any]
	started time.Time
	span    *tracing.Span
	stop    func() bool
}

// Spawn attaches a channel to w and waits for the worker's init message.
// A worker error, an uncaught error before init, a timeout or the end of ctx
// terminates w and returns a *core.SpawnError.
func Spawn(ctx context.Context, w worker.Worker, opts ...Option) (*Proxy, error) {
	o := newOptions(opts)
	p := &Proxy{
		w:       w,
		opts:    o,
		loop:    core.NewEventLoop("rpc/"+w.ID(), core.WithPanicHandler(&core.DefaultPanicHandler{Logger: o.logger})),
		ready:   make(chan error, 1),
		pending: make(map[uint64]*pendingCall),
	}
	p.events, p.emitEvent = stream.NewSubject[WorkerEvent]()
	p.errs, p.emitFatal = stream.NewSubject[error]()

	p.unsubWorks = append(p.unsubWorks,
		w.OnMessage(func(msg protocol.Message) {
			p.loop.PostTask(func(context.Context) { p.handleMessage(msg) })
		}),
		w.OnError(func(err error) {
			p.loop.PostTask(func(context.Context) { p.fatal(err) })
		}),
	)

	timer := time.NewTimer(o.initTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-p.ready:
	case <-timer.C:
		err = fmt.Errorf("worker %s not initialized after %s", w.ID(), o.initTimeout)
	case <-ctx.Done():
		err = context.Cause(ctx)
	}
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), spawnCleanupTimeout)
		defer cancel()
		if terr := p.Terminate(cleanupCtx); terr != nil {
			o.logger.Warn("failed to terminate worker after spawn error", core.F("worker", w.ID()), core.F("error", terr))
		}
		return nil, &core.SpawnError{Err: err}
	}

	o.logger.Debug("worker initialized", core.F("worker", w.ID()), core.F("exposed", p.exposed.Type))
	return p, nil
}

// ID returns the worker id.
func (p *Proxy) ID() string { return p.w.ID() }

// Exposed describes what the worker offers.
func (p *Proxy) Exposed() protocol.Exposed { return p.exposed }

// Events publishes every message received, fatal errors and termination.
func (p *Proxy) Events() *stream.Stream[WorkerEvent] { return p.events }

// Errors publishes fatal worker errors.
func (p *Proxy) Errors() *stream.Stream[error] { return p.errs }

// Call invokes the function exposed by a single-function worker.
func (p *Proxy) Call(ctx context.Context, args ...any) *stream.Stream[any] {
	return p.CallMethod(ctx, "", args...)
}

// CallMethod invokes method on a module worker. The returned stream settles
// with the first result value; streaming results keep emitting to
// subscribers until the worker completes the call.
func (p *Proxy) CallMethod(ctx context.Context, method string, args ...any) *stream.Stream[any] {
	return p.Observe(ctx, method, stream.Observer[any]{}, args...)
}

// Observe is CallMethod with obs subscribed before the call is sent, so no
// streamed value can be missed.
func (p *Proxy) Observe(ctx context.Context, method string, obs stream.Observer[any], args ...any) *stream.Stream[any] {
	s, emit := stream.NewSubject[any]()
	if obs.OnValue != nil || obs.OnError != nil || obs.OnComplete != nil {
		s.SubscribeObserver(obs)
	}
	p.dispatch(ctx, method, args, emit)
	return s
}

// Invoke calls method and waits for its first result.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return p.CallMethod(ctx, method, args...).Await(ctx)
}

func (p *Proxy) validate(method string) error {
	switch p.exposed.Type {
	case protocol.ExposedFunction:
		if method != "" {
			return core.NewProtocolError("worker %s exposes a single function, not method %q", p.w.ID(), method)
		}
	case protocol.ExposedModule:
		if method == "" {
			return core.NewProtocolError("worker %s exposes a module, a method name is required", p.w.ID())
		}
		if !p.exposed.HasMethod(method) {
			return core.NewProtocolError("worker %s exposes no method %q", p.w.ID(), method)
		}
	}
	return nil
}

func (p *Proxy) dispatch(ctx context.Context, method string, args []any, emit stream.Emitter[any]) {
	if err := p.validate(method); err != nil {
		emit.Fail(err)
		return
	}
	if ctx.Err() != nil {
		emit.Fail(context.Cause(ctx))
		return
	}
	payloads, err := p.opts.registry.EncodeAll(args)
	if err != nil {
		emit.Fail(err)
		return
	}
	if p.closed.Load() {
		emit.Fail(core.ErrChannelClosed)
		return
	}
	if !p.loop.PostTask(func(context.Context) { p.start(ctx, method, payloads, emit) }) {
		emit.Fail(core.ErrChannelClosed)
	}
}

// start registers the call and sends it. Runs on the loop.
func (p *Proxy) start(ctx context.Context, method string, payloads []protocol.Payload, emit stream.Emitter[any]) {
	if p.dead != nil {
		emit.Fail(p.dead)
		return
	}
	if ctx.Err() != nil {
		emit.Fail(context.Cause(ctx))
		return
	}

	p.nextCallID++
	id := p.nextCallID
	call := &pendingCall{id: id, method: method, emitter: emit, started: time.Now()}
	_, call.span = tracing.StartSpan(ctx, "rpc.call", trace.SpanKindClient,
		attribute.Int64("call_id", int64(id)),
		attribute.String("method", methodLabel(method)),
		attribute.String("worker", p.w.ID()),
	)
	p.pending[id] = call

	if err := p.w.Send(protocol.Message{Kind: protocol.KindRun, CallID: id, Method: method, Args: payloads}); err != nil {
		p.settle(call, fmt.Errorf("send call %d: %w", id, err))
		return
	}
	call.stop = context.AfterFunc(ctx, func() {
		p.loop.PostTask(func(context.Context) { p.cancelCall(id, context.Cause(ctx)) })
	})
}

func (p *Proxy) cancelCall(id uint64, cause error) {
	call, ok := p.pending[id]
	if !ok {
		return
	}
	if err := p.w.Send(protocol.Message{Kind: protocol.KindCancel, CallID: id}); err != nil {
		p.opts.logger.Debug("cancel not sent", core.F("call_id", id), core.F("error", err))
	}
	p.settle(call, cause)
}

// settle removes call and delivers its terminal outcome. Runs on the loop.
func (p *Proxy) settle(call *pendingCall, err error) {
	delete(p.pending, call.id)
	if call.stop != nil {
		call.stop()
	}

	outcome := core.OutcomeCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrLeaseReleased):
		outcome = core.OutcomeCanceled
	default:
		outcome = core.OutcomeFailed
	}
	p.opts.metrics.RecordCallDuration(methodLabel(call.method), outcome, time.Since(call.started))
	tracing.EndSpan(call.span, err)

	if err != nil {
		call.emitter.Fail(err)
		return
	}
	call.emitter.Complete()
}

func (p *Proxy) handleMessage(msg protocol.Message) {
	p.emitEvent.Emit(WorkerEvent{Type: EventMessage, Message: msg})

	if err := msg.Validate(); err != nil {
		p.rejectMessage(msg, err)
		return
	}

	switch msg.Kind {
	case protocol.KindInit:
		if p.initialized {
			p.opts.logger.Debug("duplicate init ignored", core.F("worker", p.w.ID()))
			return
		}
		p.initialized = true
		p.exposed = *msg.Exposed
		p.signalReady(nil)
	case protocol.KindUncaughtError:
		p.fatal(msg.Error.ToError())
	case protocol.KindResult:
		call, ok := p.pending[msg.CallID]
		if !ok {
			p.opts.logger.Debug("dropping reply for unknown call", core.F("call_id", msg.CallID))
			return
		}
		if msg.Value != nil {
			v, err := p.opts.registry.Decode(*msg.Value)
			if err != nil {
				_ = p.w.Send(protocol.Message{Kind: protocol.KindCancel, CallID: call.id})
				p.settle(call, err)
				return
			}
			call.emitter.Emit(v)
		}
		if msg.Complete {
			p.settle(call, nil)
		}
	case protocol.KindError:
		call, ok := p.pending[msg.CallID]
		if !ok {
			p.opts.logger.Debug("dropping error for unknown call", core.F("call_id", msg.CallID))
			return
		}
		p.settle(call, msg.Error.ToError())
	default:
		p.opts.logger.Debug("unexpected message from worker", core.F("message", msg.String()))
	}
}

// rejectMessage handles a malformed message: it fails the call it names, or
// the whole channel when the worker never initialized or reported a crash.
func (p *Proxy) rejectMessage(msg protocol.Message, err error) {
	var perr *core.ProtocolError
	if !errors.As(err, &perr) {
		perr = core.NewProtocolError("%v", err)
	}
	if call, ok := p.pending[msg.CallID]; ok {
		_ = p.w.Send(protocol.Message{Kind: protocol.KindCancel, CallID: call.id})
		p.settle(call, perr)
		return
	}
	if !p.initialized || msg.Kind == protocol.KindUncaughtError {
		p.fatal(perr)
		return
	}
	p.opts.logger.Warn("dropping malformed message", core.F("worker", p.w.ID()),
		core.F("message", msg.String()), core.F("error", perr))
}

func (p *Proxy) signalReady(err error) {
	select {
	case p.ready <- err:
	default:
	}
}

// fatal kills the channel: every pending call is rejected in call order and
// later calls fail with core.ErrChannelClosed.
func (p *Proxy) fatal(err error) {
	if p.dead != nil {
		return
	}
	p.dead = core.ErrChannelClosed
	p.signalReady(err)
	p.opts.logger.Error("worker failed", core.F("worker", p.w.ID()), core.F("error", err))

	var remote *core.RemoteError
	if !errors.As(err, &remote) {
		remote = &core.RemoteError{Name: "WorkerError", Message: err.Error()}
	}
	for _, call := range p.pendingInOrder() {
		p.settle(call, remote)
	}

	p.emitEvent.Emit(WorkerEvent{Type: EventInternalError, Error: err})
	p.emitFatal.Emit(err)
}

func (p *Proxy) pendingInOrder() []*pendingCall {
	calls := make([]*pendingCall, 0, len(p.pending))
	for _, call := range p.pending {
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	return calls
}

// Terminate rejects pending calls with core.ErrChannelClosed, terminates the
// worker and stops the channel. Only the first call has an effect.
func (p *Proxy) Terminate(ctx context.Context) error {
	p.terminateOnce.Do(func() {
		p.closed.Store(true)
		p.loop.PostTask(func(context.Context) { p.teardown() })

		err := p.w.Terminate(ctx)
		for _, unsubscribe := range p.unsubWorks {
			unsubscribe()
		}

		p.loop.Shutdown()
		select {
		case <-p.loop.Done():
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("stop channel %s: %w", p.w.ID(), ctx.Err()))
		}
		p.terminateErr = err
	})
	return p.terminateErr
}

func (p *Proxy) teardown() {
	if p.dead == nil {
		p.dead = core.ErrChannelClosed
	}
	for _, call := range p.pendingInOrder() {
		p.settle(call, core.ErrChannelClosed)
	}
	p.signalReady(core.ErrChannelClosed)
	p.emitEvent.Emit(WorkerEvent{Type: EventTermination})
	p.emitEvent.Complete()
	p.emitFatal.Complete()
}

func methodLabel(method string) string {
	if method == "" {
		return "default"
	}
	return method
}
