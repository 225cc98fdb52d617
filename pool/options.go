package pool

import (
	"github.com/Swind/go-worker-threads/core"
)

// Option configures a Pool.
type Option func(*Pool)

// WithName sets the pool name used in logs, metrics and stats.
func WithName(name string) Option {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

// WithMaxQueuedTasks limits how many tasks may wait in the queue. Zero means
// unlimited.
func WithMaxQueuedTasks(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxQueued = n
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m core.Metrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPanicHandler sets the handler called when a task function panics.
func WithPanicHandler(h core.PanicHandler) Option {
	return func(p *Pool) {
		if h != nil {
			p.panicHandler = h
		}
	}
}

// WithHistoryCapacity sets how many finished tasks RecentTasks keeps.
func WithHistoryCapacity(n int) Option {
	return func(p *Pool) {
		p.history = core.NewExecutionHistory(n)
	}
}

// WithEventSubscriber attaches fn to the event stream before any worker is
// spawned, so it observes the initialized event. fn runs on the pool's event
// loop and must not block.
func WithEventSubscriber(fn func(Event)) Option {
	return func(p *Pool) {
		if fn != nil {
			p.subscribers = append(p.subscribers, fn)
		}
	}
}
