package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/serial"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/worker"
)

// Func is a function callable from the controller. Returning a
// stream.Subscribable[any] streams its emissions back to the caller; any
// other value is sent as the single result.
//
// A returned stream is forwarded from the moment the function returns, plus
// whatever stream.New's init emitted synchronously. Values a stream emitted
// otherwise before it was returned cannot be forwarded and fail the call; use
// a cold source (stream.Defer or Streaming) for producers that run on their
// own goroutine.
type Func func(ctx context.Context, args ...any) (any, error)

// StreamFunc produces a streamed result through emit. Returning an error
// fails the stream; returning nil completes it.
type StreamFunc func(ctx context.Context, emit stream.Emitter[any], args ...any) error

// Streaming adapts fn to a Func whose result starts producing only after
// the server subscribed to it, so no emission is lost.
func Streaming(fn StreamFunc) Func {
	return func(ctx context.Context, args ...any) (any, error) {
		return stream.Defer(func(emit stream.Emitter[any]) error {
			if err := fn(ctx, emit, args...); err != nil {
				return err
			}
			emit.Complete()
			return nil
		}), nil
	}
}

// Module is a set of named functions.
type Module map[string]Func

// ErrAlreadyExposed is returned when Expose is called twice on one endpoint.
var ErrAlreadyExposed = errors.New("endpoint already exposes functions")

// exposedEndpoints guards against exposing twice on one endpoint.
var exposedEndpoints sync.Map

// Expose serves a Func or a Module on ep and announces it with an init
// message. Each run message invokes the target on its own goroutine with a
// context that ends on cancel or when the endpoint shuts down.
func Expose(ep worker.Endpoint, exposed any, opts ...Option) error {
	o := newOptions(opts)

	s := &server{
		ep:       ep,
		registry: o.registry,
		logger:   o.logger,
		calls:    make(map[uint64]context.CancelFunc),
	}
	switch v := exposed.(type) {
	case Func:
		s.fn = v
	case func(context.Context, ...any) (any, error):
		s.fn = v
	case Module:
		s.module = v
	case map[string]Func:
		s.module = v
	default:
		return fmt.Errorf("cannot expose %T: want rpc.Func or rpc.Module", exposed)
	}
	if s.fn == nil && s.module == nil {
		return errors.New("cannot expose nil")
	}

	if _, loaded := exposedEndpoints.LoadOrStore(ep, struct{}{}); loaded {
		return ErrAlreadyExposed
	}
	go func() {
		<-ep.Context().Done()
		exposedEndpoints.Delete(ep)
	}()

	ep.OnMessage(s.handle)
	return ep.Send(protocol.Message{Kind: protocol.KindInit, Exposed: s.describe()})
}

// ReportUncaught tells the controller that the worker failed outside of any
// call. The controller rejects all pending calls and marks the channel dead.
func ReportUncaught(ep worker.Endpoint, err error) error {
	se := protocol.NewSerializedError(err)
	return ep.Send(protocol.Message{Kind: protocol.KindUncaughtError, Error: &se})
}

type server struct {
	ep       worker.Endpoint
	fn       Func
	module   Module
	registry *serial.Registry
	logger   core.Logger

	mu    sync.Mutex
	calls map[uint64]context.CancelFunc
}

func (s *server) describe() *protocol.Exposed {
	if s.fn != nil {
		return &protocol.Exposed{Type: protocol.ExposedFunction}
	}
	methods := make([]string, 0, len(s.module))
	for name := range s.module {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return &protocol.Exposed{Type: protocol.ExposedModule, Methods: methods}
}

func (s *server) handle(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindRun:
		s.run(msg)
	case protocol.KindCancel:
		s.mu.Lock()
		cancel, ok := s.calls[msg.CallID]
		s.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		s.logger.Debug("ignoring message", core.F("message", msg.String()))
	}
}

func (s *server) resolve(method string) (Func, error) {
	if s.fn != nil {
		if method != "" {
			return nil, core.NewProtocolError("worker exposes a single function, not method %q", method)
		}
		return s.fn, nil
	}
	fn, ok := s.module[method]
	if !ok || fn == nil {
		return nil, core.NewProtocolError("worker exposes no method %q", method)
	}
	return fn, nil
}

func (s *server) run(msg protocol.Message) {
	id := msg.CallID
	fn, err := s.resolve(msg.Method)
	if err != nil {
		s.replyError(id, err)
		return
	}
	args, err := s.registry.DecodeAll(msg.Args)
	if err != nil {
		s.replyError(id, err)
		return
	}

	ctx, cancel := context.WithCancel(s.ep.Context())
	s.mu.Lock()
	s.calls[id] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.calls, id)
			s.mu.Unlock()
			cancel()
		}()
		s.invoke(ctx, id, fn, args)
	}()
}

func (s *server) invoke(ctx context.Context, id uint64, fn Func, args []any) {
	result, err := callSafely(ctx, fn, args)
	if err != nil {
		s.replyError(id, err)
		return
	}
	switch src := result.(type) {
	case *stream.Stream[any]:
		s.forward(ctx, id, src.SubscribeReplay)
	case stream.Subscribable[any]:
		s.forward(ctx, id, func(obs stream.Observer[any]) (func(), int) {
			return src.Subscribe(obs.OnValue, obs.OnError, obs.OnComplete), 0
		})
	default:
		if isStreamLike(result) {
			s.replyError(id, fmt.Errorf("exposed function returned %T: streamed results must be stream.Subscribable[any]", result))
			return
		}
		s.replyValue(id, result, true)
	}
}

// isStreamLike reports values with a Subscribe method of the wrong shape,
// such as *stream.Stream[int].
func isStreamLike(v any) bool {
	if v == nil {
		return false
	}
	return reflect.ValueOf(v).MethodByName("Subscribe").IsValid()
}

func callSafely(ctx context.Context, fn Func, args []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &core.RemoteError{Name: "Panic", Message: fmt.Sprint(rec), Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, args...)
}

// forward relays every emission of a stream until it terminates or the call
// ends. subscribe reports how many values the server could not observe; any
// such value fails the call rather than being dropped silently.
func (s *server) forward(ctx context.Context, id uint64, subscribe func(stream.Observer[any]) (func(), int)) {
	const (
		gatePending = iota
		gateOpen
		gateClosed
	)
	var (
		mu   sync.Mutex
		gate = gatePending
		held []any
	)
	end := make(chan error, 1)
	unsubscribe, missed := subscribe(stream.Observer[any]{
		OnValue: func(v any) {
			mu.Lock()
			defer mu.Unlock()
			switch gate {
			case gatePending:
				held = append(held, v)
			case gateOpen:
				s.replyValue(id, v, false)
			}
		},
		OnError: func(err error) {
			select {
			case end <- err:
			default:
			}
		},
		OnComplete: func() {
			select {
			case end <- nil:
			default:
			}
		},
	})
	defer unsubscribe()

	mu.Lock()
	if missed > 0 {
		gate = gateClosed
		mu.Unlock()
		s.replyError(id, fmt.Errorf("stream emitted %d values before it was returned; produce it with stream.Defer or rpc.Streaming", missed))
		return
	}
	for _, v := range held {
		s.replyValue(id, v, false)
	}
	held = nil
	gate = gateOpen
	mu.Unlock()

	select {
	case err := <-end:
		if err != nil {
			s.replyError(id, err)
			return
		}
		s.send(protocol.Message{Kind: protocol.KindResult, CallID: id, Complete: true})
	case <-ctx.Done():
	}
}

func (s *server) replyValue(id uint64, v any, complete bool) {
	payload, err := s.registry.Encode(v)
	if err != nil {
		s.replyError(id, err)
		return
	}
	s.send(protocol.Message{Kind: protocol.KindResult, CallID: id, Value: &payload, Complete: complete})
}

func (s *server) replyError(id uint64, err error) {
	se := protocol.NewSerializedError(err)
	s.send(protocol.Message{Kind: protocol.KindError, CallID: id, Error: &se})
}

func (s *server) send(msg protocol.Message) {
	if err := s.ep.Send(msg); err != nil {
		s.logger.Debug("reply not sent", core.F("message", msg.String()), core.F("error", err))
	}
}
