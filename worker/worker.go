// Package worker provides the execution contexts a controller talks to. A
// worker shares no state with its controller; everything crosses as
// protocol.Message values.
package worker

import (
	"context"

	"github.com/Swind/go-worker-threads/protocol"
)

// Worker is the controller's handle on one execution context.
type Worker interface {
	// ID identifies the worker in logs.
	ID() string

	// Send posts a message to the worker. It fails once the worker is terminated.
	Send(msg protocol.Message) error

	// OnMessage registers a handler for messages coming from the worker.
	// Handlers run one at a time, in arrival order.
	OnMessage(fn func(protocol.Message)) (unsubscribe func())

	// OnError registers a handler for top-level worker failures.
	OnError(fn func(error)) (unsubscribe func())

	// Terminate stops the worker. Only the first call does anything.
	Terminate(ctx context.Context) error
}

// Endpoint is the worker-side view of the same channel.
type Endpoint interface {
	// Send posts a message to the controller.
	Send(msg protocol.Message) error

	// OnMessage registers a handler for messages coming from the controller.
	OnMessage(fn func(protocol.Message)) (unsubscribe func())

	// Context is canceled when the worker is shutting down.
	Context() context.Context
}

// MainFunc is the body of an in-process worker.
type MainFunc func(ctx context.Context, ep Endpoint) error
