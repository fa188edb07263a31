package stepflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stepflow/state"
)

// WorkflowRegistry manages a collection of workflow definitions
type WorkflowRegistry interface {
	// Register adds a workflow to the registry
	Register(workflow *Workflow) error

	// Get retrieves a workflow by name
	Get(name string) (*Workflow, bool)

	// List returns all registered workflow names
	List() []string
}

// MemoryWorkflowRegistry implements WorkflowRegistry using in-memory storage
type MemoryWorkflowRegistry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryWorkflowRegistry creates a new in-memory workflow registry
func NewMemoryWorkflowRegistry() *MemoryWorkflowRegistry {
	return &MemoryWorkflowRegistry{
		workflows: make(map[string]*Workflow),
	}
}

// Register adds a workflow to the registry
func (r *MemoryWorkflowRegistry) Register(workflow *Workflow) error {
	if workflow == nil {
		return fmt.Errorf("workflow cannot be nil")
	}
	if workflow.Name() == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflow.Name()] = workflow
	return nil
}

// Get retrieves a workflow by name
func (r *MemoryWorkflowRegistry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workflow, exists := r.workflows[name]
	return workflow, exists
}

// List returns all registered workflow names, sorted
func (r *MemoryWorkflowRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.workflows)
}

// SubworkflowOption configures a SubworkflowExecutor
type SubworkflowOption func(*SubworkflowExecutor)

// WithSubworkflowTimeout bounds how long each nested run may take
func WithSubworkflowTimeout(timeout time.Duration) SubworkflowOption {
	return func(s *SubworkflowExecutor) { s.timeout = timeout }
}

// SubworkflowExecutor runs a whole workflow as a single executor of its
// parent. The nested run gets its own run id and state scope, so its state
// is invisible to the parent and vice versa. It checkpoints under its own
// run id through the parent's checkpointer. Content emitted inside is
// forwarded to the parent's stream.
//
// The executor's output is the nested run's output: nil for none, the value
// itself for one, and a JSON array for several.
type SubworkflowExecutor struct {
	id       string
	workflow *Workflow
	timeout  time.Duration
}

// NewSubworkflow returns an executor that runs wf to completion
func NewSubworkflow(id string, wf *Workflow, opts ...SubworkflowOption) *SubworkflowExecutor {
	s := &SubworkflowExecutor{id: id, workflow: wf}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SubworkflowExecutor) ID() string {
	return s.id
}

// Workflow returns the nested workflow
func (s *SubworkflowExecutor) Workflow() *Workflow {
	return s.workflow
}

func (s *SubworkflowExecutor) Execute(ctx Context, input state.Value) (any, error) {
	ic, ok := ctx.(*invocationContext)
	if !ok {
		return nil, fmt.Errorf("sub-workflow %q must run inside a stepflow run", s.id)
	}
	parent := ic.run

	var runCtx context.Context = ic
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
		defer cancel()
	}

	cfg := parent.cfg
	cfg.workflow = s.workflow
	cfg.logger = parent.cfg.logger.With("parent_run_id", parent.id)
	childID := NewRunID()
	sink := &forwardSink{parent: parent, executorID: ic.executorID, superstep: ic.superstep}

	child, err := newRun(runCtx, cfg, childID, parent.id, sink)
	if err != nil {
		return nil, err
	}
	child.nested = true
	if err := child.begin(input); err != nil {
		cfg.store.DropScope(childID)
		return nil, fmt.Errorf("start sub-workflow %s: %w", childID, err)
	}
	ctx.Logger().Debug("sub-workflow started", "child_run_id", childID, "workflow", s.workflow.Name())

	resp := child.execute()
	switch resp.Status {
	case RunStatusCompleted:
		switch len(resp.Outputs) {
		case 0:
			return nil, nil
		case 1:
			return resp.Outputs[0], nil
		default:
			return slices.Clone(resp.Outputs), nil
		}
	case RunStatusCancelled:
		return nil, fmt.Errorf("sub-workflow %s cancelled: %w", childID, context.Cause(runCtx))
	default:
		return nil, fmt.Errorf("sub-workflow %s failed: %w", childID, resp.Err)
	}
}

// forwardSink relays content emitted by a nested run into the parent's
// stream, renumbered in the parent's sequence. Other nested updates stay
// internal to the nested run.
type forwardSink struct {
	parent     *run
	executorID string
	superstep  int
}

func (f *forwardSink) push(u *AgentResponseUpdate) {
	if u.Kind != UpdateKindContent {
		return
	}
	f.parent.emitContent(f.executorID+"/"+u.ExecutorID, f.superstep, u.Contents)
}
