package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/stream"
)

// ErrLeaseReleased fails calls made through, or still running on, a released lease.
var ErrLeaseReleased = errors.New("worker lease released")

// Lease is a task-scoped view of a Proxy. Releasing it cancels the calls that
// are still outstanding and makes further calls through it fail.
type Lease struct {
	proxy *Proxy

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	released bool
	calls    map[*stream.Stream[any]]struct{}
}

// Lease returns a new lease on p.
func (p *Proxy) Lease() *Lease {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Lease{
		proxy:  p,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[*stream.Stream[any]]struct{}),
	}
}

// ID returns the worker id.
func (l *Lease) ID() string { return l.proxy.ID() }

// Exposed describes what the worker offers.
func (l *Lease) Exposed() protocol.Exposed { return l.proxy.Exposed() }

// Call is Proxy.Call bound to the lease.
func (l *Lease) Call(ctx context.Context, args ...any) *stream.Stream[any] {
	return l.Observe(ctx, "", stream.Observer[any]{}, args...)
}

// CallMethod is Proxy.CallMethod bound to the lease.
func (l *Lease) CallMethod(ctx context.Context, method string, args ...any) *stream.Stream[any] {
	return l.Observe(ctx, method, stream.Observer[any]{}, args...)
}

// Invoke is Proxy.Invoke bound to the lease.
func (l *Lease) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	return l.CallMethod(ctx, method, args...).Await(ctx)
}

// Observe is Proxy.Observe bound to the lease.
func (l *Lease) Observe(ctx context.Context, method string, obs stream.Observer[any], args ...any) *stream.Stream[any] {
	s, emit := stream.NewSubject[any]()
	if obs.OnValue != nil || obs.OnError != nil || obs.OnComplete != nil {
		s.SubscribeObserver(obs)
	}

	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		emit.Fail(ErrLeaseReleased)
		return s
	}
	callCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(l.ctx, func() { cancel(context.Cause(l.ctx)) })
	l.calls[s] = struct{}{}
	l.mu.Unlock()

	finish := func() {
		stop()
		cancel(nil)
		l.mu.Lock()
		delete(l.calls, s)
		l.mu.Unlock()
	}
	s.Subscribe(nil, func(error) { finish() }, finish)

	l.proxy.dispatch(callCtx, method, args, emit)
	return s
}

// Outstanding reports how many calls made through the lease have not finished.
func (l *Lease) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Release cancels outstanding calls with ErrLeaseReleased and returns how
// many there were. Later calls through the lease fail immediately.
func (l *Lease) Release() int {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return 0
	}
	l.released = true
	n := len(l.calls)
	l.mu.Unlock()

	l.cancel(ErrLeaseReleased)
	return n
}
