package core

import "time"

// TaskExecutionRecord captures a finished pool task.
type TaskExecutionRecord struct {
	TaskID     uint64
	PoolName   string
	WorkerID   int
	Outcome    string
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
	Error      string
}

// LoopStats represents runtime observability state for an event loop.
type LoopStats struct {
	Name     string
	Pending  int
	Executed int64
	Panics   int64
	Closed   bool
}

// PoolStats represents runtime observability state for a worker pool.
type PoolStats struct {
	ID        string
	Name      string
	Workers   int
	Idle      int
	Queued    int
	Active    int
	Completed int64
	Failed    int64
	Canceled  int64
	Running   bool
}
