package stepflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/stepflow/state"
)

// ExecutionCallbacks defines the callback interface for run execution events
type ExecutionCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Superstep-level callbacks
	BeforeSuperstep(ctx context.Context, event *SuperstepEvent)
	AfterSuperstep(ctx context.Context, event *SuperstepEvent)

	// Executor-level callbacks
	BeforeExecutor(ctx context.Context, event *ExecutorEvent)
	AfterExecutor(ctx context.Context, event *ExecutorEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	RunID       string
	ParentRunID string
	Workflow    string
	Status      RunStatus
	Superstep   int
	Resumed     bool
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Outputs     []state.Value
	Error       error
}

// SuperstepEvent provides context for superstep-level events
type SuperstepEvent struct {
	RunID      string
	Workflow   string
	Superstep  int
	Executors  []string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Checkpoint *CheckpointRef
	Error      error
}

// ExecutorEvent provides context for a single executor invocation
type ExecutorEvent struct {
	RunID      string
	Workflow   string
	ExecutorID string
	Superstep  int
	RequestID  string
	Input      state.Value
	Output     state.Value
	Status     ExecutorStatus
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Error      error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeSuperstep(ctx context.Context, event *SuperstepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeExecutor(ctx context.Context, event *ExecutorEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterExecutor(ctx context.Context, event *ExecutorEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeSuperstep(ctx context.Context, event *SuperstepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeSuperstep(ctx, event)
	}
}

func (c *CallbackChain) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterSuperstep(ctx, event)
	}
}

func (c *CallbackChain) BeforeExecutor(ctx context.Context, event *ExecutorEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeExecutor(ctx, event)
	}
}

func (c *CallbackChain) AfterExecutor(ctx context.Context, event *ExecutorEvent) {
	for _, callback := range c.callbacks {
		callback.AfterExecutor(ctx, event)
	}
}
