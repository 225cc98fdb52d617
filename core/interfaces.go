package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task
	// - ownerName: The name of the loop or pool where the panic occurred
	// - workerID: The ID of the pool worker (-1 for event loops)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, ownerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through Logger, falling back to a
// production zap logger. It never writes to stdout, which may carry frames.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic with its stack.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, ownerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("owner", ownerName),
		F("worker_id", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Task outcomes reported to Metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Metrics defines the interface for collecting pool and call metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast; they are called from event loops.
type Metrics interface {
	// RecordTaskDuration records how long a task ran and how it ended
	// (OutcomeCompleted or OutcomeFailed).
	RecordTaskDuration(poolName string, outcome string, duration time.Duration)

	// RecordTaskPanic records that a task function panicked.
	RecordTaskPanic(poolName string, panicInfo any)

	// RecordTaskCanceled records a task canceled before it started.
	RecordTaskCanceled(poolName string)

	// RecordQueueDepth records the current number of queued tasks.
	RecordQueueDepth(poolName string, depth int)

	// RecordTaskRejected records that Queue refused a task (e.g. "terminated", "queue_full").
	RecordTaskRejected(poolName string, reason string)

	// RecordCallDuration records a settled remote call.
	RecordCallDuration(method string, outcome string, duration time.Duration)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(poolName string, outcome string, duration time.Duration) {
}

func (m *NilMetrics) RecordTaskPanic(poolName string, panicInfo any) {}

func (m *NilMetrics) RecordTaskCanceled(poolName string) {}

func (m *NilMetrics) RecordQueueDepth(poolName string, depth int) {}

func (m *NilMetrics) RecordTaskRejected(poolName string, reason string) {}

func (m *NilMetrics) RecordCallDuration(method string, outcome string, duration time.Duration) {
}
