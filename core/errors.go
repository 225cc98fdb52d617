package core

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned for calls on a channel whose worker is dead or terminated.
	ErrChannelClosed = errors.New("worker channel closed")

	// ErrPoolTerminated is returned by Queue after Terminate has begun.
	ErrPoolTerminated = errors.New("pool terminated")

	// ErrQueueFull is returned by Queue when the pending limit is reached.
	ErrQueueFull = errors.New("task queue full")

	// ErrCanceled is matched by every CancellationError.
	ErrCanceled = errors.New("task canceled")

	// ErrLoopClosed is returned when posting to a stopped EventLoop.
	ErrLoopClosed = errors.New("event loop closed")
)

// SpawnError reports a worker that failed to start or initialize.
type SpawnError struct {
	WorkerID int
	Err      error
}

func (e *SpawnError) Error() string {
	if e.WorkerID > 0 {
		return fmt.Sprintf("spawn worker %d: %v", e.WorkerID, e.Err)
	}
	return fmt.Sprintf("spawn worker: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed message or a call that does not match the
// worker's exposed shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// RemoteError is an error raised inside a worker and reconstructed on the
// controller side. Stack is best-effort.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// CancellationError rejects the outcome of a task canceled while queued.
type CancellationError struct {
	TaskID uint64
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("task %d canceled", e.TaskID)
}

// Is makes errors.Is(err, ErrCanceled) hold.
func (e *CancellationError) Is(target error) bool {
	return target == ErrCanceled
}
