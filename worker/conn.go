package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/protocol"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrConnectionLost is reported when a worker connection ends unexpectedly.
var ErrConnectionLost = errors.New("worker connection lost")

// Conn is a worker reached over a byte stream carrying length-prefixed frames.
type Conn struct {
	id     string
	rwc    io.ReadWriteCloser
	codec  protocol.Codec
	logger core.Logger

	// onClose runs after the stream is closed, e.g. to reap a child process.
	onClose func(ctx context.Context) error

	writeMu sync.Mutex

	inbound *pipe[protocol.Message]
	errs    *pipe[error]

	closed        atomic.Bool
	readDone      chan struct{}
	terminateOnce sync.Once
	terminateErr  error
}

var _ Worker = (*Conn)(nil)

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithConnID overrides the generated worker id.
func WithConnID(id string) ConnOption {
	return func(c *Conn) {
		if id != "" {
			c.id = id
		}
	}
}

// WithConnCodec replaces the default JSON codec.
func WithConnCodec(codec protocol.Codec) ConnOption {
	return func(c *Conn) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithConnLogger sets the connection logger.
func WithConnLogger(logger core.Logger) ConnOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withCloseHook(fn func(ctx context.Context) error) ConnOption {
	return func(c *Conn) { c.onClose = fn }
}

// NewConn wraps rwc and starts reading frames from it.
func NewConn(rwc io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		id:       "conn-" + uuid.NewString(),
		rwc:      rwc,
		codec:    protocol.NewJSONCodec(),
		logger:   core.NewNoOpLogger(),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	panics := core.WithPanicHandler(&core.DefaultPanicHandler{Logger: c.logger})
	c.inbound = newPipe[protocol.Message](c.id+"/in", panics)
	c.errs = newPipe[error](c.id+"/err", panics)

	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		msg, err := protocol.ReadMessage(c.rwc, c.codec)
		if err != nil {
			if c.closed.Load() {
				return
			}
			var perr *core.ProtocolError
			if errors.As(err, &perr) {
				c.errs.send(fmt.Errorf("worker %s: %w", c.id, err))
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrConnectionLost
			}
			c.errs.send(fmt.Errorf("worker %s: %w", c.id, err))
			return
		}
		c.inbound.send(msg)
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return core.ErrChannelClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteMessage(c.rwc, c.codec, msg); err != nil {
		return fmt.Errorf("worker %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) OnMessage(fn func(protocol.Message)) func() {
	return c.inbound.subscribe(fn)
}

func (c *Conn) OnError(fn func(error)) func() {
	return c.errs.subscribe(fn)
}

// Terminate closes the stream, waits for the reader to stop and runs the
// close hook.
func (c *Conn) Terminate(ctx context.Context) error {
	c.terminateOnce.Do(func() {
		c.closed.Store(true)
		var err error
		if cerr := c.rwc.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close worker %s: %w", c.id, cerr))
		}

		if c.onClose != nil {
			err = multierr.Append(err, c.onClose(ctx))
		}

		select {
		case <-c.readDone:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("terminate worker %s: %w", c.id, ctx.Err()))
		}

		c.inbound.close()
		c.errs.close()
		c.terminateErr = err
	})
	return c.terminateErr
}

// =============================================================================
// Worker side
// =============================================================================

// ConnEndpoint is the worker side of a framed byte stream.
type ConnEndpoint struct {
	rw      io.ReadWriter
	codec   protocol.Codec
	writeMu sync.Mutex
	inbound *pipe[protocol.Message]

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Endpoint = (*ConnEndpoint)(nil)

// ServeConn starts reading frames from rw. The endpoint context is canceled
// when the stream ends or parent is canceled.
func ServeConn(parent context.Context, rw io.ReadWriter, codec protocol.Codec) *ConnEndpoint {
	if codec == nil {
		codec = protocol.NewJSONCodec()
	}
	ctx, cancel := context.WithCancelCause(parent)
	e := &ConnEndpoint{
		rw:      rw,
		codec:   codec,
		inbound: newPipe[protocol.Message]("endpoint/in"),
		ctx:     ctx,
		cancel:  cancel,
	}
	go e.readLoop()
	return e
}

func (e *ConnEndpoint) readLoop() {
	for {
		msg, err := protocol.ReadMessage(e.rw, e.codec)
		if err != nil {
			var perr *core.ProtocolError
			if errors.As(err, &perr) {
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrConnectionLost
			}
			e.inbound.close()
			e.cancel(err)
			return
		}
		e.inbound.send(msg)
	}
}

func (e *ConnEndpoint) Send(msg protocol.Message) error {
	if e.ctx.Err() != nil {
		return core.ErrChannelClosed
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return protocol.WriteMessage(e.rw, e.codec, msg)
}

func (e *ConnEndpoint) OnMessage(fn func(protocol.Message)) func() {
	return e.inbound.subscribe(fn)
}

func (e *ConnEndpoint) Context() context.Context {
	return e.ctx
}

// Wait blocks until the stream ends and returns the cause.
func (e *ConnEndpoint) Wait() error {
	<-e.ctx.Done()
	return context.Cause(e.ctx)
}
