package main

import (
	"fmt"
	"io"

	"github.com/Swind/go-worker-threads/pool"
	"github.com/fatih/color"
)

type eventPrinter struct {
	out io.Writer

	lifecycle *color.Color
	started   *color.Color
	ok        *color.Color
	failed    *color.Color
	canceled  *color.Color
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{
		out:       out,
		lifecycle: color.New(color.FgCyan, color.Bold),
		started:   color.New(color.FgBlue),
		ok:        color.New(color.FgGreen),
		failed:    color.New(color.FgRed, color.Bold),
		canceled:  color.New(color.FgYellow),
	}
}

// Print runs on the pool's event loop and must not block.
func (p *eventPrinter) Print(ev pool.Event) {
	switch ev.Type {
	case pool.EventInitialized:
		p.lifecycle.Fprintf(p.out, "%-17s size=%d\n", ev.Type, ev.Size)
	case pool.EventTaskQueued:
		fmt.Fprintf(p.out, "%-17s task=%d\n", ev.Type, ev.TaskID)
	case pool.EventTaskStart:
		p.started.Fprintf(p.out, "%-17s task=%d worker=%d\n", ev.Type, ev.TaskID, ev.WorkerID)
	case pool.EventTaskCompleted:
		p.ok.Fprintf(p.out, "%-17s task=%d worker=%d result=%v\n", ev.Type, ev.TaskID, ev.WorkerID, ev.ReturnValue)
	case pool.EventTaskFailed:
		p.failed.Fprintf(p.out, "%-17s task=%d worker=%d error=%v\n", ev.Type, ev.TaskID, ev.WorkerID, ev.Error)
	case pool.EventTaskCanceled:
		p.canceled.Fprintf(p.out, "%-17s task=%d\n", ev.Type, ev.TaskID)
	case pool.EventTaskQueueDrained:
		p.lifecycle.Fprintf(p.out, "%-17s\n", ev.Type)
	case pool.EventTerminated:
		p.lifecycle.Fprintf(p.out, "%-17s remaining=%v\n", ev.Type, ev.RemainingQueue)
	default:
		fmt.Fprintf(p.out, "%v\n", ev.Type)
	}
}
