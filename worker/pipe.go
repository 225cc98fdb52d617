package worker

import (
	"context"
	"sync/atomic"

	"github.com/Swind/go-worker-threads/core"
)

// pipe delivers values to its handlers in send order on a dedicated loop.
// Values sent before the first handler attaches are held back and handed to
// it, so nothing is lost between spawning and subscribing.
type pipe[T any] struct {
	loop   *core.EventLoop
	nextID atomic.Uint64

	// loop-owned
	handlers []pipeHandler[T]
	backlog  []T
}

type pipeHandler[T any] struct {
	id uint64
	fn func(T)
}

func newPipe[T any](name string, opts ...core.LoopOption) *pipe[T] {
	return &pipe[T]{loop: core.NewEventLoop(name, opts...)}
}

func (p *pipe[T]) send(v T) bool {
	return p.loop.PostTask(func(context.Context) {
		if len(p.handlers) == 0 {
			p.backlog = append(p.backlog, v)
			return
		}
		for _, h := range p.handlers {
			h.fn(v)
		}
	})
}

func (p *pipe[T]) subscribe(fn func(T)) (unsubscribe func()) {
	id := p.nextID.Add(1)
	p.loop.PostTask(func(context.Context) {
		p.handlers = append(p.handlers, pipeHandler[T]{id: id, fn: fn})
		backlog := p.backlog
		p.backlog = nil
		for _, v := range backlog {
			fn(v)
		}
	})
	return func() {
		p.loop.PostTask(func(context.Context) {
			for i, h := range p.handlers {
				if h.id == id {
					p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (p *pipe[T]) close() {
	p.loop.Shutdown()
}
