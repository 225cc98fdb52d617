package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Swind/go-worker-threads/rpc"
	"github.com/Swind/go-worker-threads/serial"
	"github.com/Swind/go-worker-threads/stream"
	"github.com/Swind/go-worker-threads/worker"
)

// demoModule is what every worker of the demo pool exposes.
func demoModule() rpc.Module {
	return rpc.Module{
		"hello":   hello,
		"fib":     fib,
		"countTo": countTo,
		"fail":    fail,
	}
}

// serveDemo is the body of an in-process demo worker.
func serveDemo(ctx context.Context, ep worker.Endpoint) error {
	return rpc.Expose(ep, demoModule())
}

func hello(ctx context.Context, args ...any) (any, error) {
	name := "World"
	if len(args) > 0 {
		s, err := serial.As[string](args[0])
		if err != nil {
			return nil, err
		}
		name = s
	}
	return "Hello " + name, nil
}

func fib(ctx context.Context, args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("fib: want 1 argument, got %d", len(args))
	}
	n, err := serial.As[int](args[0])
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("fib: negative input %d", n)
	}

	var a, b uint64 = 0, 1
	for i := 0; i < n; i++ {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a, b = b, a+b
	}
	return a, nil
}

// countTo streams 1..n.
var countTo = rpc.Streaming(func(ctx context.Context, emit stream.Emitter[any], args ...any) error {
	if len(args) != 1 {
		return fmt.Errorf("countTo: want 1 argument, got %d", len(args))
	}
	n, err := serial.As[int](args[0])
	if err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		emit.Emit(i)
	}
	return nil
})

func fail(ctx context.Context, args ...any) (any, error) {
	msg := "requested failure"
	if len(args) > 0 {
		if s, err := serial.As[string](args[0]); err == nil {
			msg = s
		}
	}
	return nil, errors.New(msg)
}
