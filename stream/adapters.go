package stream

import (
	"context"
	"runtime/debug"
)

// From wraps any Subscribable as a Stream. A *Stream is returned unchanged.
func From[T any](src Subscribable[T]) *Stream[T] {
	if s, ok := src.(*Stream[T]); ok {
		return s
	}
	return New(func(e Emitter[T]) error {
		src.Subscribe(e.Emit, e.Fail, e.Complete)
		return nil
	})
}

// FromFunc runs fn on its own goroutine and settles with its result, the
// promise-like counterpart of From.
func FromFunc[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Stream[T] {
	s, e := NewSubject[T]()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.Fail(&PanicError{Value: rec, Stack: debug.Stack()})
			}
		}()
		v, err := fn(ctx)
		if err != nil {
			e.Fail(err)
			return
		}
		e.Emit(v)
		e.Complete()
	}()
	return s
}

// FromChan emits every value received from ch and completes when ch is closed.
func FromChan[T any](ch <-chan T) *Stream[T] {
	s, e := NewSubject[T]()
	go func() {
		for v := range ch {
			e.Emit(v)
		}
		e.Complete()
	}()
	return s
}

// Filter derives a live stream carrying only the values for which keep is true.
// Terminal outcomes are forwarded.
func Filter[T any](src *Stream[T], keep func(T) bool) *Stream[T] {
	return New(func(e Emitter[T]) error {
		src.Subscribe(func(v T) {
			if keep(v) {
				e.Emit(v)
			}
		}, e.Fail, e.Complete)
		return nil
	})
}

// Map derives a live stream by applying fn to every value. An fn error fails
// the derived stream.
func Map[T, U any](src *Stream[T], fn func(T) (U, error)) *Stream[U] {
	return New(func(e Emitter[U]) error {
		src.Subscribe(func(v T) {
			out, err := fn(v)
			if err != nil {
				e.Fail(err)
				return
			}
			e.Emit(out)
		}, e.Fail, e.Complete)
		return nil
	})
}

// Collect subscribes to src and returns a function that blocks until src
// terminates, yielding every value seen after the subscription.
func Collect[T any](src *Stream[T]) func(ctx context.Context) ([]T, error) {
	var (
		values []T
		err    error
	)
	done := make(chan struct{})
	src.Subscribe(func(v T) {
		values = append(values, v)
	}, func(e error) {
		err = e
		close(done)
	}, func() {
		close(done)
	})

	return func(ctx context.Context) ([]T, error) {
		select {
		case <-done:
			return values, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
