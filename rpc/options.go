// Package rpc lets a controller call functions exposed inside a worker. One
// Proxy wraps one worker; calls are multiplexed over it by call id and each
// call yields a *stream.Stream[any].
package rpc

import (
	"time"

	"github.com/Swind/go-worker-threads/core"
	"github.com/Swind/go-worker-threads/serial"
)

// DefaultInitTimeout bounds how long Spawn waits for a worker's init message.
const DefaultInitTimeout = 10 * time.Second

// Option configures Spawn and Expose.
type Option func(*options)

type options struct {
	registry    *serial.Registry
	logger      core.Logger
	metrics     core.Metrics
	initTimeout time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		registry:    serial.Default,
		logger:      core.NewNoOpLogger(),
		metrics:     &core.NilMetrics{},
		initTimeout: DefaultInitTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRegistry sets the serialization registry used for arguments and results.
// Both ends of a channel must use registries with the same tags.
func WithRegistry(r *serial.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger core.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for call durations.
func WithMetrics(m core.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithInitTimeout overrides DefaultInitTimeout. Non-positive values are ignored.
func WithInitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.initTimeout = d
		}
	}
}
