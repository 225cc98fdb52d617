package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingPanicHandler struct {
	mu     sync.Mutex
	values []any
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, ownerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, panicInfo)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

// TestEventLoop_ExecutionOrder tests execution order
// Main test items:
// 1. Submit multiple tasks to EventLoop
// 2. Verify tasks execute in submission order (FIFO)
func TestEventLoop_ExecutionOrder(t *testing.T) {
	loop := NewEventLoop("order")
	defer loop.Stop()

	var order []int
	for i := 0; i < 100; i++ {
		id := i
		loop.PostTask(func(ctx context.Context) {
			order = append(order, id)
		})
	}

	if err := loop.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	if len(order) != 100 {
		t.Fatalf("executed = %d, want 100", len(order))
	}
	for i := range order {
		if order[i] != i {
			t.Fatalf("order[%d] = %d, want %d", i, order[i], i)
		}
	}
}

// TestEventLoop_PostFromTask verifies posting from inside a running task
// Given: A task running on the loop
// When: It posts a follow-up task to the same loop
// Then: The follow-up runs after it without deadlocking
func TestEventLoop_PostFromTask(t *testing.T) {
	loop := NewEventLoop("reentrant")
	defer loop.Stop()

	done := make(chan string, 2)
	loop.PostTask(func(ctx context.Context) {
		CurrentEventLoop(ctx).PostTask(func(ctx context.Context) {
			done <- "second"
		})
		done <- "first"
	})

	for _, want := range []string{"first", "second"} {
		select {
		case got := <-done:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task")
		}
	}
}

// TestEventLoop_PanicRecovery verifies a panicking task does not kill the loop
// Given: A loop with a recording panic handler
// When: One task panics and another is posted afterward
// Then: The handler sees the panic and the later task still runs
func TestEventLoop_PanicRecovery(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	loop := NewEventLoop("panic", WithPanicHandler(handler))
	defer loop.Stop()

	var ran atomic.Bool

	// Act
	loop.PostTask(func(ctx context.Context) { panic("boom") })
	loop.PostTask(func(ctx context.Context) { ran.Store(true) })
	if err := loop.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	// Assert
	if handler.count() != 1 {
		t.Fatalf("panics = %d, want 1", handler.count())
	}
	if !ran.Load() {
		t.Fatal("task after panic did not run")
	}
	if got := loop.Stats().Panics; got != 1 {
		t.Fatalf("Stats().Panics = %d, want 1", got)
	}
}

// TestEventLoop_StopDrainsAcceptedTasks verifies Stop semantics
// Given: Tasks accepted before Stop
// When: Stop is called
// Then: Accepted tasks run, later posts are rejected
func TestEventLoop_StopDrainsAcceptedTasks(t *testing.T) {
	loop := NewEventLoop("drain")

	var count atomic.Int32
	block := make(chan struct{})
	loop.PostTask(func(ctx context.Context) { <-block })
	for i := 0; i < 10; i++ {
		loop.PostTask(func(ctx context.Context) { count.Add(1) })
	}

	stopped := make(chan struct{})
	go func() {
		loop.Stop()
		close(stopped)
	}()
	close(block)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	if got := count.Load(); got != 10 {
		t.Fatalf("executed = %d, want 10", got)
	}
	if loop.PostTask(func(ctx context.Context) {}) {
		t.Fatal("PostTask after Stop = true, want false")
	}
	if !loop.IsClosed() {
		t.Fatal("IsClosed = false, want true")
	}
}

// TestEventLoop_ShutdownFromTask verifies Shutdown may be called on the loop itself
func TestEventLoop_ShutdownFromTask(t *testing.T) {
	loop := NewEventLoop("self-shutdown")

	loop.PostTask(func(ctx context.Context) {
		CurrentEventLoop(ctx).Shutdown()
	})

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after Shutdown")
	}
}

// TestEventLoop_WaitIdleClosed verifies WaitIdle on a closed loop
func TestEventLoop_WaitIdleClosed(t *testing.T) {
	loop := NewEventLoop("closed")
	loop.Stop()

	err := loop.WaitIdle(context.Background())
	if !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("WaitIdle error = %v, want ErrLoopClosed", err)
	}
}

// TestEventLoop_WaitIdleContext verifies WaitIdle honours the context
func TestEventLoop_WaitIdleContext(t *testing.T) {
	loop := NewEventLoop("busy")
	block := make(chan struct{})
	defer func() {
		close(block)
		loop.Stop()
	}()
	loop.PostTask(func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := loop.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle error = %v, want DeadlineExceeded", err)
	}
}
