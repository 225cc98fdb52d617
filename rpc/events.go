package rpc

import "github.com/Swind/go-worker-threads/protocol"

// WorkerEventType discriminates WorkerEvent.
type WorkerEventType string

const (
	// EventMessage carries every message received from the worker.
	EventMessage WorkerEventType = "message"
	// EventInternalError reports a fatal worker failure.
	EventInternalError WorkerEventType = "internalError"
	// EventTermination is the last event of a channel.
	EventTermination WorkerEventType = "termination"
)

// WorkerEvent is published on Proxy.Events.
type WorkerEvent struct {
	Type    WorkerEventType
	Message protocol.Message
	Error   error
}
