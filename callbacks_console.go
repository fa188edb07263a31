package stepflow

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsoleCallbacks prints colorized run progress to a writer. Color is
// disabled automatically when the writer is not a terminal.
type ConsoleCallbacks struct {
	BaseExecutionCallbacks

	mu      sync.Mutex
	out     io.Writer
	run     *color.Color
	step    *color.Color
	ok      *color.Color
	failed  *color.Color
	pending *color.Color
}

// NewConsoleCallbacks returns callbacks that print to w, or stdout when w
// is nil
func NewConsoleCallbacks(w io.Writer) *ConsoleCallbacks {
	if w == nil {
		w = os.Stdout
	}
	c := &ConsoleCallbacks{
		out:     w,
		run:     color.New(color.FgCyan, color.Bold),
		step:    color.New(color.FgBlue),
		ok:      color.New(color.FgGreen),
		failed:  color.New(color.FgRed),
		pending: color.New(color.FgYellow),
	}
	f, isFile := w.(*os.File)
	if !isFile || !isatty.IsTerminal(f.Fd()) {
		for _, col := range []*color.Color{c.run, c.step, c.ok, c.failed, c.pending} {
			col.DisableColor()
		}
	}
	return c
}

func (c *ConsoleCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	verb := "Starting"
	if event.Resumed {
		verb = "Resuming"
	}
	c.run.Fprintf(c.out, "%s %s (run %s)\n", verb, event.Workflow, event.RunID)
}

func (c *ConsoleCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Status {
	case RunStatusCompleted:
		c.ok.Fprintf(c.out, "Run %s completed in %v after %d supersteps\n", event.RunID, event.Duration, event.Superstep)
	case RunStatusCancelled:
		c.pending.Fprintf(c.out, "Run %s cancelled at superstep %d\n", event.RunID, event.Superstep)
	default:
		c.failed.Fprintf(c.out, "Run %s %s: %v\n", event.RunID, event.Status, event.Error)
	}
}

func (c *ConsoleCallbacks) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event.Error != nil {
		c.failed.Fprintf(c.out, "  superstep %d failed: %v\n", event.Superstep, event.Error)
		return
	}
	c.step.Fprintf(c.out, "  superstep %d checkpointed (%d executors, %v)\n",
		event.Superstep, len(event.Executors), event.Duration)
}

func (c *ConsoleCallbacks) AfterExecutor(ctx context.Context, event *ExecutorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch event.Status {
	case ExecutorStatusFailed:
		c.failed.Fprintf(c.out, "    %s failed: %v\n", event.ExecutorID, event.Error)
	case ExecutorStatusSuspended:
		c.pending.Fprintf(c.out, "    %s waiting for input\n", event.ExecutorID)
	case ExecutorStatusCancelled:
		c.pending.Fprintf(c.out, "    %s cancelled\n", event.ExecutorID)
	default:
		c.ok.Fprintf(c.out, "    %s done in %v\n", event.ExecutorID, event.Duration)
	}
}
