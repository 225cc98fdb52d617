package threads

import (
	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/pool"
	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/worker"
)

// Re-export commonly used types so that most programs need only this package.

// Stream is a multi-value observable that settles like a promise
type Stream[T any] = stream.Stream[T]

// Observer groups the callbacks of a stream subscription
type Observer[T any] = stream.Observer[T]

// Func is a function a worker can expose
type Func = rpc.Func

// StreamFunc produces a streamed result through an emitter
type StreamFunc = rpc.StreamFunc

// Emitter feeds a stream
type Emitter[T any] = stream.Emitter[T]

// Module is a set of named functions a worker can expose
type Module = rpc.Module

// Proxy is the controller's handle on one spawned worker
type Proxy = rpc.Proxy

// Lease is the view of a worker a pool task receives
type Lease = rpc.Lease

// Endpoint is the worker side of a channel
type Endpoint = worker.Endpoint

// MainFunc is the body of an in-process worker
type MainFunc = worker.MainFunc

// Pool schedules tasks on a fixed set of workers
type Pool = pool.Pool

// TaskFunc is a unit of work run against one worker
type TaskFunc = pool.TaskFunc

// QueuedTask is the handle returned by Pool.Queue
type QueuedTask = pool.QueuedTask

// Event is one pool transition
type Event = pool.Event

// EventType discriminates pool events
type EventType = pool.EventType

// Pool event types
const (
	EventInitialized      = pool.EventInitialized
	EventTaskQueued       = pool.EventTaskQueued
	EventTaskStart        = pool.EventTaskStart
	EventTaskCompleted    = pool.EventTaskCompleted
	EventTaskFailed       = pool.EventTaskFailed
	EventTaskCanceled     = pool.EventTaskCanceled
	EventTaskQueueDrained = pool.EventTaskQueueDrained
	EventTerminated       = pool.EventTerminated
)

// Errors
var (
	ErrChannelClosed  = core.ErrChannelClosed
	ErrPoolTerminated = core.ErrPoolTerminated
	ErrQueueFull      = core.ErrQueueFull
	ErrCanceled       = core.ErrCanceled
)

// RemoteError is an error raised inside a worker
type RemoteError = core.RemoteError

// SpawnError reports a worker that failed to start
type SpawnError = core.SpawnError
