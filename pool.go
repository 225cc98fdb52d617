package threads

import (
	"context"
	"errors"
	"sync"

	"github.com/Swind/go-worker-threads/pool"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/worker"
)

// Spawn starts an in-process worker running main and waits until it has
// exposed its functions.
func Spawn(ctx context.Context, main MainFunc, opts ...rpc.Option) (*Proxy, error) {
	w := worker.NewLocal(main, worker.WithCodec(protocol.NewJSONCodec()))
	return rpc.Spawn(ctx, w, opts...)
}

// Expose publishes a Func or a Module on the worker side of ep.
func Expose(ep Endpoint, exposed any, opts ...rpc.Option) error {
	return rpc.Expose(ep, exposed, opts...)
}

// Streaming adapts fn to a Func whose stream starts only once the caller is
// listening.
func Streaming(fn StreamFunc) Func {
	return rpc.Streaming(fn)
}

// NewPool starts size in-process workers running main.
func NewPool(ctx context.Context, main MainFunc, size int, opts ...pool.Option) (*Pool, error) {
	return pool.New(ctx, pool.SpawnLocal(main), size, opts...)
}

// =============================================================================
// Global Pool Helper (Singleton)
// =============================================================================

var (
	globalPool *Pool
	globalMu   sync.Mutex
)

// ErrGlobalPoolNotInitialized is returned by the global helpers before InitGlobalPool.
var ErrGlobalPoolNotInitialized = errors.New("global pool not initialized")

// InitGlobalPool starts the process-wide pool. Later calls are no-ops until
// ShutdownGlobalPool.
func InitGlobalPool(ctx context.Context, main MainFunc, size int, opts ...pool.Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return nil
	}

	p, err := NewPool(ctx, main, size, append([]pool.Option{pool.WithName("global-pool")}, opts...)...)
	if err != nil {
		return err
	}
	globalPool = p
	return nil
}

// GetGlobalPool returns the global pool.
// It panics if InitGlobalPool has not been called.
func GetGlobalPool() *Pool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("GlobalPool not initialized. Call InitGlobalPool() first.")
	}
	return globalPool
}

// Queue adds fn to the global pool.
func Queue(fn TaskFunc) (*QueuedTask, error) {
	globalMu.Lock()
	p := globalPool
	globalMu.Unlock()

	if p == nil {
		return nil, ErrGlobalPoolNotInitialized
	}
	return p.Queue(fn)
}

// ShutdownGlobalPool terminates the global pool, letting running tasks finish
// unless ctx ends first.
func ShutdownGlobalPool(ctx context.Context) error {
	globalMu.Lock()
	p := globalPool
	globalPool = nil
	globalMu.Unlock()

	if p == nil {
		return nil
	}
	return p.Terminate(ctx, false)
}
