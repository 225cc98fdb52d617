package core

import "context"

// Task is the unit of work posted to an EventLoop (Closure)
type Task func(ctx context.Context)

// =============================================================================
// Context Helper
// =============================================================================
type eventLoopKeyType struct{}

var eventLoopKey eventLoopKeyType

// CurrentEventLoop returns the loop executing the task that owns ctx, or nil
// when ctx does not come from an EventLoop.
func CurrentEventLoop(ctx context.Context) *EventLoop {
	if v := ctx.Value(eventLoopKey); v != nil {
		return v.(*EventLoop)
	}
	return nil
}
