package threads_test

import (
	"context"
	"testing"
	"time"

	threads "github.com/Swind/go-worker-threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGlobalPool_Lifecycle tests the global pool helpers
// Main test items:
// 1. Queue fails before InitGlobalPool
// 2. Queued tasks run on the global pool
// 3. A second InitGlobalPool is a no-op
// 4. After shutdown GetGlobalPool panics
func TestGlobalPool_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := threads.Queue(func(ctx context.Context, w *threads.Lease) (any, error) { return nil, nil })
	require.ErrorIs(t, err, threads.ErrGlobalPoolNotInitialized)

	require.NoError(t, threads.InitGlobalPool(ctx, greeter, 2))
	first := threads.GetGlobalPool()
	require.NoError(t, threads.InitGlobalPool(ctx, greeter, 4))
	assert.Same(t, first, threads.GetGlobalPool())
	assert.Equal(t, "global-pool", first.Name())
	assert.Equal(t, 2, first.Size())

	task, err := threads.Queue(func(ctx context.Context, w *threads.Lease) (any, error) {
		return w.Invoke(ctx, "", "global")
	})
	require.NoError(t, err)
	v, err := task.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello global", v)

	require.NoError(t, threads.ShutdownGlobalPool(ctx))
	require.NoError(t, threads.ShutdownGlobalPool(ctx))
	assert.Panics(t, func() { threads.GetGlobalPool() })

	_, err = first.Queue(func(ctx context.Context, w *threads.Lease) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, threads.ErrPoolTerminated)
}

// TestSpawn_RemoteErrorCrossesBoundary tests that worker errors keep their message
func TestSpawn_RemoteErrorCrossesBoundary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxy, err := threads.Spawn(ctx, greeter)
	require.NoError(t, err)
	defer proxy.Terminate(context.Background())

	// greeter expects a string
	_, err = proxy.Call(ctx, map[string]int{"x": 1}).Await(ctx)
	require.Error(t, err)
	var remote *threads.RemoteError
	assert.ErrorAs(t, err, &remote)
}
