package stepflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/stepflow/state"
)

// Options configures an Orchestrator
type Options struct {
	// Workflow is the graph every run of this orchestrator executes.
	Workflow *Workflow

	// Checkpointer persists checkpoints. Defaults to an in-memory store.
	Checkpointer Checkpointer

	// Store holds run state. Defaults to a new store owned by the
	// orchestrator.
	Store *state.Store

	Logger           *slog.Logger
	Callbacks        ExecutionCallbacks
	Tracer           trace.Tracer
	InvocationLogger InvocationLogger

	// MaxConcurrency bounds the executors running at once within a
	// superstep. Zero means unbounded.
	MaxConcurrency int

	// MaxSupersteps fails a run that reaches this many supersteps. Zero
	// means unbounded.
	MaxSupersteps int

	// Retention is how long a finished run stays queryable through Run,
	// Runs and PendingRequests. Zero keeps finished runs until Forget.
	Retention time.Duration
}

// WorkflowRun is a point-in-time view of a run known to the orchestrator
type WorkflowRun struct {
	ID           string                    `json:"id"`
	ParentID     string                    `json:"parent_id,omitempty"`
	Workflow     string                    `json:"workflow"`
	Superstep    int                       `json:"superstep"`
	Status       RunStatus                 `json:"status"`
	Executors    map[string]ExecutorStatus `json:"executors"`
	CreatedAt    time.Time                 `json:"created_at"`
	CheckpointAt time.Time                 `json:"checkpoint_at"`
}

// Orchestrator starts, resumes and cancels runs of one workflow. Each run
// executes on its own goroutine and reports through a Stream.
type Orchestrator struct {
	cfg       runConfig
	logger    *slog.Logger
	retention time.Duration

	mu   sync.Mutex
	runs map[string]*liveRun
	wg   sync.WaitGroup
}

type liveRun struct {
	run    *run
	stream *Stream
}

func (l *liveRun) active() bool {
	select {
	case <-l.stream.Done():
		return false
	default:
		return true
	}
}

// NewOrchestrator returns an orchestrator for opts.Workflow
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.Store == nil {
		opts.Store = state.NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseExecutionCallbacks()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}
	if opts.InvocationLogger == nil {
		opts.InvocationLogger = NewNullInvocationLogger()
	}
	if opts.MaxConcurrency < 0 {
		return nil, fmt.Errorf("max concurrency must not be negative")
	}
	if opts.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}
	logger := opts.Logger.With("workflow", opts.Workflow.Name())
	return &Orchestrator{
		cfg: runConfig{
			workflow:         opts.Workflow,
			store:            opts.Store,
			checkpointer:     opts.Checkpointer,
			logger:           logger,
			callbacks:        opts.Callbacks,
			tracer:           opts.Tracer,
			invocationLogger: opts.InvocationLogger,
			maxConcurrency:   opts.MaxConcurrency,
			maxSupersteps:    opts.MaxSupersteps,
		},
		logger:    logger,
		retention: opts.Retention,
		runs:      map[string]*liveRun{},
	}, nil
}

// Workflow returns the workflow executed by this orchestrator
func (o *Orchestrator) Workflow() *Workflow {
	return o.cfg.workflow
}

// Start begins a new run with the given input. An empty runID generates
// one. The initial checkpoint is durable when Start returns. The run's
// lifetime is bound to ctx.
func (o *Orchestrator) Start(ctx context.Context, runID string, input any) (*Stream, error) {
	if runID == "" {
		runID = NewRunID()
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	encoded, err := state.Encode(input)
	if err != nil {
		return nil, fmt.Errorf("encode run input: %w", err)
	}
	live, err := o.reserve(runID)
	if err != nil {
		return nil, err
	}
	if _, err := o.cfg.checkpointer.ReadLatest(ctx, runID); err == nil {
		o.release(runID)
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	} else if !errors.Is(err, ErrCheckpointNotFound) {
		o.release(runID)
		return nil, err
	}

	r, err := newRun(ctx, o.cfg, runID, "", live.stream)
	if err != nil {
		o.release(runID)
		return nil, err
	}
	if err := r.begin(encoded); err != nil {
		o.cfg.store.DropScope(runID)
		o.release(runID)
		return nil, err
	}
	o.launch(live, r)
	return live.stream, nil
}

// Resume continues a run from its latest checkpoint under the same run id.
// Pending requests are emitted again on the returned stream.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Stream, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	live, err := o.reserve(runID)
	if err != nil {
		return nil, err
	}
	cp, err := o.cfg.checkpointer.ReadLatest(ctx, runID)
	if err != nil {
		o.release(runID)
		return nil, err
	}
	r, err := newRun(ctx, o.cfg, runID, cp.ParentRunID, live.stream)
	if err != nil {
		o.release(runID)
		return nil, err
	}
	if err := r.restore(cp); err != nil {
		o.cfg.store.DropScope(runID)
		o.release(runID)
		return nil, err
	}
	o.launch(live, r)
	return live.stream, nil
}

func (o *Orchestrator) reserve(runID string) (*liveRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.runs[runID]; ok && existing.active() {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	live := &liveRun{stream: newStream(runID)}
	o.runs[runID] = live
	return live, nil
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, runID)
}

func (o *Orchestrator) launch(live *liveRun, r *run) {
	o.mu.Lock()
	live.run = r
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		live.stream.finish(r.execute())
		if o.retention > 0 {
			time.AfterFunc(o.retention, func() { o.evict(r.id, live) })
		}
	}()
}

// evict drops live unless the run id has since been resumed.
func (o *Orchestrator) evict(runID string, live *liveRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[runID] == live {
		delete(o.runs, runID)
	}
}

// Forget drops a finished run from the orchestrator. Its checkpoints are
// untouched, so it can still be resumed. Forgetting an active run returns
// ErrRunActive.
func (o *Orchestrator) Forget(runID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	live, ok := o.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if live.active() {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	delete(o.runs, runID)
	return nil
}

func (o *Orchestrator) lookup(runID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	live, ok := o.runs[runID]
	if !ok || live.run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return live.run, nil
}

// Cancel requests cooperative cancellation of a run. Executors already
// running observe it through their context; queued executors never start.
// Cancelling a finished run has no effect until the run is forgotten.
func (o *Orchestrator) Cancel(runID string) error {
	r, err := o.lookup(runID)
	if err != nil {
		return err
	}
	r.requestCancel()
	return nil
}

// AnswerRequest delivers the answer to a pending request. The answer is
// handed to the requesting executor in the next superstep. A second answer
// to the same request returns ErrDuplicateRequestAnswer.
func (o *Orchestrator) AnswerRequest(runID, requestID string, answer any) error {
	r, err := o.lookup(runID)
	if err != nil {
		return err
	}
	return r.answer(requestID, answer)
}

// Run returns a snapshot of a run started or resumed by this orchestrator
func (o *Orchestrator) Run(runID string) (*WorkflowRun, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Runs returns snapshots of every run known to this orchestrator
func (o *Orchestrator) Runs() []*WorkflowRun {
	o.mu.Lock()
	runs := make([]*run, 0, len(o.runs))
	for _, id := range sortedKeys(o.runs) {
		if r := o.runs[id].run; r != nil {
			runs = append(runs, r)
		}
	}
	o.mu.Unlock()
	out := make([]*WorkflowRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// PendingRequests returns the requests of a run awaiting an answer
func (o *Orchestrator) PendingRequests(runID string) ([]*RequestRecord, error) {
	r, err := o.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.pendingRequests(), nil
}

// Checkpoints iterates over references to the stored checkpoints of a run
// in superstep order
func (o *Orchestrator) Checkpoints(ctx context.Context, runID string) iter.Seq2[CheckpointRef, error] {
	return o.cfg.checkpointer.List(ctx, runID)
}

// Checkpoint reads one stored checkpoint
func (o *Orchestrator) Checkpoint(ctx context.Context, ref CheckpointRef) (*Checkpoint, error) {
	return o.cfg.checkpointer.Read(ctx, ref)
}

// Wait blocks until every run started by this orchestrator has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels every active run and waits for them to finish or for
// ctx to end
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, live := range o.runs {
		if live.run != nil && live.active() {
			live.run.requestCancel()
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute starts a run and waits for its terminal response
func (o *Orchestrator) Execute(ctx context.Context, runID string, input any) (*AgentResponse, error) {
	stream, err := o.Start(ctx, runID, input)
	if err != nil {
		return nil, err
	}
	return stream.Wait(ctx)
}
