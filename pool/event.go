package pool

// EventType discriminates pool events.
type EventType string

const (
	EventInitialized      EventType = "initialized"
	EventTaskQueued       EventType = "taskQueued"
	EventTaskStart        EventType = "taskStart"
	EventTaskCompleted    EventType = "taskCompleted"
	EventTaskFailed       EventType = "taskFailed"
	EventTaskCanceled     EventType = "taskCanceled"
	EventTaskQueueDrained EventType = "taskQueueDrained"
	EventTerminated       EventType = "terminated"
)

// Event is one pool transition. Only the fields meaningful for Type are set.
type Event struct {
	Type EventType

	// Size is set on initialized
	Size int

	TaskID   uint64
	WorkerID int

	// ReturnValue is set on taskCompleted
	ReturnValue any
	// Error is set on taskFailed
	Error error

	// RemainingQueue lists, on terminated, the tasks that were still queued
	// when termination began
	RemainingQueue []uint64
}
