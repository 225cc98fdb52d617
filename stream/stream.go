package stream

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Emitter feeds a Stream. All methods are goroutine-safe; calls after the
// stream reached its terminal state are no-ops.
type Emitter[T any] interface {
	Emit(value T)
	Fail(err error)
	Complete()
}

// Subscribable is anything that can be observed like a Stream.
type Subscribable[T any] interface {
	Subscribe(onValue func(T), onError func(error), onComplete func()) (unsubscribe func())
}

// Observer bundles the three subscription callbacks. Nil fields are skipped.
type Observer[T any] struct {
	OnValue    func(T)
	OnError    func(error)
	OnComplete func()
}

type state int

const (
	stateActive state = iota
	stateFailed
	stateCompleted
)

type subscription[T any] struct {
	obs    Observer[T]
	active bool
}

// Stream is a multicast source of zero or more values followed by at most one
// terminal outcome. It is observable through Subscribe and, at the same time,
// a promise that settles once: with the first emitted value, with the first
// error, or with the zero value when it completes without emitting.
//
// Subscriptions are live: they see emissions made after they attach and never
// a replay of earlier values. Subscribing after the terminal state immediately
// reports the terminal outcome. Callbacks run on the emitting goroutine and
// must not emit into the stream they observe.
type Stream[T any] struct {
	// emitMu serializes delivery so every observer sees one order
	emitMu sync.Mutex

	mu    sync.Mutex
	state state
	err   error
	subs  []*subscription[T]

	settled   bool
	value     T
	settleErr error
	done      chan struct{}

	// emitted counts values, for subscribers that must not miss any
	emitted int
	// recording is set while New runs init; initValues holds what it emitted
	recording  bool
	initValues []T

	// start runs a deferred init, once
	start   func()
	started atomic.Bool
}

// New creates a Stream and runs init synchronously, exactly once, with the
// stream's emitter. An error returned by init, or a panic inside it, fails the
// stream.
func New[T any](init func(Emitter[T]) error) *Stream[T] {
	s := newStream[T]()
	if init != nil {
		s.mu.Lock()
		s.recording = true
		s.mu.Unlock()

		s.run(init)

		s.mu.Lock()
		s.recording = false
		s.mu.Unlock()
	}
	return s
}

// Defer creates a cold Stream: init runs exactly once, on its own goroutine,
// when the first observer subscribes or the promise facade is first waited
// on. An observer that subscribes before anything else therefore sees every
// value init emits. Later subscribers are live as with New.
func Defer[T any](init func(Emitter[T]) error) *Stream[T] {
	s := newStream[T]()
	if init != nil {
		s.start = func() { s.run(init) }
	}
	return s
}

func (s *Stream[T]) run(init func(Emitter[T]) error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Fail(&PanicError{Value: rec, Stack: debug.Stack()})
		}
	}()
	if err := init(s); err != nil {
		s.Fail(err)
	}
}

// connect starts a deferred init.
func (s *Stream[T]) connect() {
	if s.start != nil && s.started.CompareAndSwap(false, true) {
		go s.start()
	}
}

// NewSubject returns a Stream together with its emitter, for producers that
// want to attach observers before anything is emitted.
func NewSubject[T any]() (*Stream[T], Emitter[T]) {
	s := newStream[T]()
	return s, s
}

func newStream[T any]() *Stream[T] {
	return &Stream[T]{
		done: make(chan struct{}),
	}
}

// PanicError wraps a value recovered from a panicking producer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// =============================================================================
// Emitter side
// =============================================================================

// Emit delivers value to every live subscriber. The first value settles the
// promise facade.
func (s *Stream[T]) Emit(value T) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.emitted++
	if s.recording {
		s.initValues = append(s.initValues, value)
	}
	s.settleLocked(value, nil)
	subs := s.snapshotLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		if !s.isActive(sub) || sub.obs.OnValue == nil {
			continue
		}
		sub.obs.OnValue(value)
	}
}

// Fail moves the stream to its failed state and notifies subscribers.
func (s *Stream[T]) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("stream failed with nil error")
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.state = stateFailed
	s.err = err
	var zero T
	s.settleLocked(zero, err)
	subs := s.snapshotLocked()
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.obs.OnError != nil {
			sub.obs.OnError(err)
		}
	}
}

// Complete moves the stream to its completed state and notifies subscribers.
func (s *Stream[T]) Complete() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return
	}
	s.state = stateCompleted
	var zero T
	s.settleLocked(zero, nil)
	subs := s.snapshotLocked()
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.obs.OnComplete != nil {
			sub.obs.OnComplete()
		}
	}
}

func (s *Stream[T]) settleLocked(value T, err error) {
	if s.settled {
		return
	}
	s.settled = true
	s.value = value
	s.settleErr = err
	close(s.done)
}

// snapshotLocked returns subscribers in attach order.
func (s *Stream[T]) snapshotLocked() []*subscription[T] {
	out := make([]*subscription[T], len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *Stream[T]) isActive(sub *subscription[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sub.active
}

// =============================================================================
// Observable side
// =============================================================================

// Subscribe attaches a live observer. Any callback may be nil.
func (s *Stream[T]) Subscribe(onValue func(T), onError func(error), onComplete func()) (unsubscribe func()) {
	return s.SubscribeObserver(Observer[T]{OnValue: onValue, OnError: onError, OnComplete: onComplete})
}

// SubscribeObserver is Subscribe taking an Observer.
func (s *Stream[T]) SubscribeObserver(obs Observer[T]) (unsubscribe func()) {
	defer s.connect()

	s.mu.Lock()
	switch s.state {
	case stateCompleted:
		s.mu.Unlock()
		if obs.OnComplete != nil {
			obs.OnComplete()
		}
		return func() {}
	case stateFailed:
		err := s.err
		s.mu.Unlock()
		if obs.OnError != nil {
			obs.OnError(err)
		}
		return func() {}
	}

	sub := &subscription[T]{obs: obs, active: true}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return s.unsubscriber(sub)
}

// SubscribeReplay attaches obs after first delivering the values init
// emitted synchronously inside New, which no observer could have seen. It
// reports how many other values were emitted before obs attached; those are
// not delivered. Unlike Subscribe, it is meant for the single consumer that
// forwards a freshly created stream.
func (s *Stream[T]) SubscribeReplay(obs Observer[T]) (unsubscribe func(), missed int) {
	defer s.connect()

	// holding emitMu keeps live values behind the replayed ones
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	replay := append([]T(nil), s.initValues...)
	missed = s.emitted - len(replay)
	st, err := s.state, s.err
	var sub *subscription[T]
	if st == stateActive {
		sub = &subscription[T]{obs: obs, active: true}
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()

	if obs.OnValue != nil {
		for _, v := range replay {
			obs.OnValue(v)
		}
	}
	switch st {
	case stateCompleted:
		if obs.OnComplete != nil {
			obs.OnComplete()
		}
		return func() {}, missed
	case stateFailed:
		if obs.OnError != nil {
			obs.OnError(err)
		}
		return func() {}, missed
	}
	return s.unsubscriber(sub), missed
}

func (s *Stream[T]) unsubscriber(sub *subscription[T]) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			sub.active = false
			for i, other := range s.subs {
				if other == sub {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// =============================================================================
// Promise side
// =============================================================================

// Done is closed once the stream has settled.
func (s *Stream[T]) Done() <-chan struct{} {
	s.connect()
	return s.done
}

// Result reports the settlement without blocking. ok is false while unsettled.
func (s *Stream[T]) Result() (value T, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.settled {
		var zero T
		return zero, nil, false
	}
	return s.value, s.settleErr, true
}

// Await blocks until the stream settles or ctx ends.
func (s *Stream[T]) Await(ctx context.Context) (T, error) {
	s.connect()
	select {
	case <-s.done:
		v, err, _ := s.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Stream[T]) wait() (T, error) {
	s.connect()
	<-s.done
	v, err, _ := s.Result()
	return v, err
}

// Then runs onFulfilled or onRejected once the stream settles, on a separate
// goroutine. The returned stream settles with the same outcome after the
// callback returns; a panicking callback fails it instead.
func (s *Stream[T]) Then(onFulfilled func(T), onRejected func(error)) *Stream[T] {
	out, emitter := NewSubject[T]()
	go func() {
		v, err := s.wait()
		defer func() {
			if rec := recover(); rec != nil {
				emitter.Fail(&PanicError{Value: rec, Stack: debug.Stack()})
			}
		}()
		if err != nil {
			if onRejected != nil {
				onRejected(err)
			}
			emitter.Fail(err)
			return
		}
		if onFulfilled != nil {
			onFulfilled(v)
		}
		emitter.Emit(v)
		emitter.Complete()
	}()
	return out
}

// Catch is Then with only a rejection handler.
func (s *Stream[T]) Catch(onRejected func(error)) *Stream[T] {
	return s.Then(nil, onRejected)
}

// Finally runs fn after settlement regardless of the outcome.
func (s *Stream[T]) Finally(fn func()) *Stream[T] {
	return s.Then(func(T) {
		if fn != nil {
			fn()
		}
	}, func(error) {
		if fn != nil {
			fn()
		}
	})
}
