package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// echoMain answers every run message with a result carrying the same args.
func echoMain(ctx context.Context, ep Endpoint) error {
	ep.OnMessage(func(msg protocol.Message) {
		if msg.Kind != protocol.KindRun {
			return
		}
		_ = ep.Send(protocol.Message{
			Kind:     protocol.KindResult,
			CallID:   msg.CallID,
			Value:    &protocol.Payload{Data: msg.Args[0].Data},
			Complete: true,
		})
	})
	return ep.Send(protocol.Message{Kind: protocol.KindInit, Exposed: &protocol.Exposed{Type: protocol.ExposedFunction}})
}

type collector struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) add(msg protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []protocol.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// TestLocal_BacklogUntilSubscribe verifies messages sent before subscription are kept
// Given: A local worker that sends init as soon as it starts
// When: The controller subscribes afterwards and issues runs
// Then: It receives init first and the results in send order
func TestLocal_BacklogUntilSubscribe(t *testing.T) {
	w := NewLocal(echoMain)
	defer w.Terminate(testCtx(t))

	// Let main run and send init before anyone listens
	time.Sleep(20 * time.Millisecond)

	c := newCollector()
	w.OnMessage(c.add)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Send(protocol.Message{
			Kind: protocol.KindRun, CallID: uint64(i), Args: []protocol.Payload{{Data: i}},
		}))
	}

	msgs := c.wait(t, 4)
	assert.Equal(t, protocol.KindInit, msgs[0].Kind)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, uint64(i), msgs[i].CallID)
		assert.Equal(t, i, msgs[i].Value.Data)
	}
}

func TestLocal_MainErrorReported(t *testing.T) {
	boom := errors.New("top-level failure")
	w := NewLocal(func(ctx context.Context, ep Endpoint) error { return boom })
	defer w.Terminate(testCtx(t))

	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
}

func TestLocal_MainPanicReported(t *testing.T) {
	w := NewLocal(func(ctx context.Context, ep Endpoint) error { panic("worker crashed") })
	defer w.Terminate(testCtx(t))

	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "worker crashed")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not reported")
	}
}

func TestLocal_TerminateOnce(t *testing.T) {
	stopped := make(chan struct{})
	w := NewLocal(func(ctx context.Context, ep Endpoint) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	require.NoError(t, w.Terminate(testCtx(t)))
	require.NoError(t, w.Terminate(testCtx(t)))
	<-stopped

	err := w.Send(protocol.Message{Kind: protocol.KindRun, CallID: 1})
	assert.ErrorIs(t, err, core.ErrChannelClosed)
}

func TestLocal_TerminateTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	w := NewLocal(func(ctx context.Context, ep Endpoint) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Terminate(ctx), context.DeadlineExceeded)
}

func TestLocal_CodecIsolation(t *testing.T) {
	got := make(chan protocol.Message, 1)
	w := NewLocal(func(ctx context.Context, ep Endpoint) error {
		ep.OnMessage(func(msg protocol.Message) { got <- msg })
		return nil
	}, WithCodec(protocol.NewJSONCodec()))
	defer w.Terminate(testCtx(t))

	args := []any{"a"}
	require.NoError(t, w.Send(protocol.Message{Kind: protocol.KindRun, CallID: 1, Args: []protocol.Payload{{Data: args}}}))
	args[0] = "mutated"

	select {
	case msg := <-got:
		assert.Equal(t, []any{"a"}, msg.Args[0].Data)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

// TestConn_RoundTrip verifies the framed transport end to end
// Given: A Conn and a ConnEndpoint joined by an in-memory pipe
// When: The endpoint runs the echo main and the Conn sends a run
// Then: The Conn receives init and a matching result
func TestConn_RoundTrip(t *testing.T) {
	controllerSide, workerSide := net.Pipe()

	// net.Pipe is unbuffered, so the controller must be reading before init is sent
	w := NewConn(controllerSide)
	c := newCollector()
	w.OnMessage(c.add)

	ep := ServeConn(context.Background(), workerSide, nil)
	require.NoError(t, echoMain(ep.Context(), ep))

	require.NoError(t, w.Send(protocol.Message{
		Kind: protocol.KindRun, CallID: 7, Args: []protocol.Payload{{Data: "ping"}},
	}))

	msgs := c.wait(t, 2)
	assert.Equal(t, protocol.KindInit, msgs[0].Kind)
	assert.Equal(t, uint64(7), msgs[1].CallID)
	assert.Equal(t, "ping", msgs[1].Value.Data)

	require.NoError(t, w.Terminate(testCtx(t)))
	assert.ErrorIs(t, ep.Wait(), ErrConnectionLost)
}

func TestConn_ConnectionLost(t *testing.T) {
	controllerSide, workerSide := net.Pipe()
	w := NewConn(controllerSide)
	defer w.Terminate(testCtx(t))

	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })
	require.NoError(t, workerSide.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}
}
