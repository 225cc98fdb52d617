package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/google/uuid"
)

// Local is an in-process worker. Its main function runs on its own goroutine
// and is reachable only through two message pipes, each served by its own
// event loop.
type Local struct {
	id     string
	logger core.Logger
	codec  protocol.Codec

	ctx    context.Context
	cancel context.CancelFunc

	toWorker     *pipe[protocol.Message]
	toController *pipe[protocol.Message]
	errs         *pipe[error]

	closed        atomic.Bool
	done          chan struct{}
	terminateOnce sync.Once
	terminateErr  error
}

var _ Worker = (*Local)(nil)

// LocalOption configures a Local worker.
type LocalOption func(*Local)

// WithID overrides the generated worker id.
func WithID(id string) LocalOption {
	return func(l *Local) {
		if id != "" {
			l.id = id
		}
	}
}

// WithCodec makes every message cross the pipes encoded and decoded with c,
// so neither side can retain references into the other's values.
func WithCodec(c protocol.Codec) LocalOption {
	return func(l *Local) { l.codec = c }
}

// WithLogger sets the logger used for panics in message handlers.
func WithLogger(logger core.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal starts main on a new goroutine and returns the controller handle.
// An error returned by main, or a panic inside it, is reported through OnError.
// Returning nil keeps the worker alive until Terminate, serving whatever
// handlers main registered.
func NewLocal(main MainFunc, opts ...LocalOption) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		id:     "local-" + uuid.NewString(),
		logger: core.NewNoOpLogger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	panics := core.WithPanicHandler(&core.DefaultPanicHandler{Logger: l.logger})
	l.toWorker = newPipe[protocol.Message](l.id+"/in", panics)
	l.toController = newPipe[protocol.Message](l.id+"/out", panics)
	l.errs = newPipe[error](l.id+"/err", panics)

	go l.run(main)
	return l
}

func (l *Local) run(main MainFunc) {
	defer close(l.done)
	defer func() {
		if rec := recover(); rec != nil {
			l.errs.send(fmt.Errorf("worker %s panicked: %v\n%s", l.id, rec, debug.Stack()))
		}
	}()

	if main == nil {
		return
	}
	if err := main(l.ctx, &localEndpoint{l: l}); err != nil && l.ctx.Err() == nil {
		l.errs.send(fmt.Errorf("worker %s: %w", l.id, err))
	}
}

func (l *Local) ID() string { return l.id }

func (l *Local) Send(msg protocol.Message) error {
	return l.deliver(l.toWorker, msg)
}

func (l *Local) OnMessage(fn func(protocol.Message)) func() {
	return l.toController.subscribe(fn)
}

func (l *Local) OnError(fn func(error)) func() {
	return l.errs.subscribe(fn)
}

// Terminate cancels the worker context, closes both pipes and waits for main
// to return or ctx to end.
func (l *Local) Terminate(ctx context.Context) error {
	l.terminateOnce.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.toWorker.close()
		l.toController.close()
		l.errs.close()

		select {
		case <-l.done:
		case <-ctx.Done():
			l.terminateErr = fmt.Errorf("terminate worker %s: %w", l.id, ctx.Err())
		}
	})
	return l.terminateErr
}

func (l *Local) deliver(p *pipe[protocol.Message], msg protocol.Message) error {
	if l.closed.Load() {
		return core.ErrChannelClosed
	}
	if l.codec != nil {
		copied, err := protocol.RoundTrip(l.codec, msg)
		if err != nil {
			return fmt.Errorf("worker %s: %w", l.id, err)
		}
		msg = copied
	}
	if !p.send(msg) {
		return core.ErrChannelClosed
	}
	return nil
}

type localEndpoint struct {
	l *Local
}

func (e *localEndpoint) Send(msg protocol.Message) error {
	return e.l.deliver(e.l.toController, msg)
}

func (e *localEndpoint) OnMessage(fn func(protocol.Message)) func() {
	return e.l.toWorker.subscribe(fn)
}

func (e *localEndpoint) Context() context.Context {
	return e.l.ctx
}
