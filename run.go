package stepflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/deepnoodle-ai/stepflow/state"
)

// runConfig holds the collaborators shared by a run and its sub-workflows.
type runConfig struct {
	workflow         *Workflow
	store            *state.Store
	checkpointer     Checkpointer
	logger           *slog.Logger
	callbacks        ExecutionCallbacks
	tracer           trace.Tracer
	invocationLogger InvocationLogger
	maxConcurrency   int
	maxSupersteps    int
}

// run drives one workflow run superstep by superstep. The run's state
// scope is named after the run id.
type run struct {
	cfg      runConfig
	id       string
	parentID string
	nested   bool
	sink     updateSink
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelCauseFunc
	cancelled atomic.Bool
	wake      chan struct{}

	// mu guards everything below.
	mu           sync.Mutex
	status       RunStatus
	superstep    int
	inbox        []*Message
	joins        map[string]*JoinState
	executors    map[string]ExecutorStatus
	failures     map[string]string
	requests     []*RequestRecord
	outputs      []state.Value
	sequence     int64
	createdAt    time.Time
	checkpointAt time.Time
	resumed      bool
	response     *AgentResponse
}

// task is the work for one executor in a superstep.
type task struct {
	target   string
	messages []*Message
}

func newRun(ctx context.Context, cfg runConfig, id, parentID string, sink updateSink) (*run, error) {
	if err := cfg.store.CreateScope(id, parentID); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	executors := make(map[string]ExecutorStatus, len(cfg.workflow.order))
	for _, id := range cfg.workflow.order {
		executors[id] = ExecutorStatusIdle
	}
	return &run{
		cfg:       cfg,
		id:        id,
		parentID:  parentID,
		sink:      sink,
		logger:    cfg.logger.With("run_id", id),
		ctx:       runCtx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		status:    RunStatusPending,
		superstep: -1,
		joins:     map[string]*JoinState{},
		executors: executors,
		failures:  map[string]string{},
	}, nil
}

// begin writes superstep 0: empty state and the run input queued for the
// start executor.
func (r *run) begin(input state.Value) error {
	start := r.cfg.workflow.Start()
	r.mu.Lock()
	r.createdAt = time.Now().UTC()
	r.inbox = []*Message{{Target: start, Input: input}}
	r.executors[start] = ExecutorStatusReady
	r.status = RunStatusRunning
	r.mu.Unlock()

	if _, err := r.cfg.store.Commit(r.id, 0); err != nil {
		return NewStorageError("commit", r.id, err)
	}
	if _, err := r.writeCheckpoint(r.ctx, 0, nil); err != nil {
		return err
	}
	r.logger.Info("run started", "workflow", r.cfg.workflow.Name())
	return nil
}

// restore rehydrates the run from a checkpoint. Requests still pending are
// emitted again; consumed requests never are.
func (r *run) restore(cp *Checkpoint) error {
	if cp.Workflow != r.cfg.workflow.Name() {
		return fmt.Errorf("checkpoint belongs to workflow %q, not %q", cp.Workflow, r.cfg.workflow.Name())
	}
	if err := r.cfg.store.Restore(r.id, cp.Superstep, cp.State); err != nil {
		return err
	}
	cp = cp.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range cp.Executors {
		if _, ok := r.cfg.workflow.Executor(id); !ok {
			return fmt.Errorf("checkpoint references unknown executor %q", id)
		}
		r.executors[id] = st
	}
	r.superstep = cp.Superstep
	r.inbox = cp.Inbox
	if cp.Joins != nil {
		r.joins = cp.Joins
	}
	if cp.Failures != nil {
		r.failures = cp.Failures
	}
	r.requests = cp.Requests
	r.outputs = cp.Outputs
	r.sequence = cp.Sequence
	r.createdAt = cp.CreatedAt
	r.checkpointAt = cp.CheckpointAt
	r.parentID = cp.ParentRunID
	r.resumed = true
	r.status = RunStatusRunning

	for _, req := range r.requests {
		if req.Status != RequestStatusPending {
			continue
		}
		r.sequence++
		r.sink.push(&AgentResponseUpdate{
			RunID:      r.id,
			Sequence:   r.sequence,
			Superstep:  r.superstep,
			ExecutorID: req.ExecutorID,
			Kind:       UpdateKindRequest,
			Request:    req.clone(),
		})
	}
	r.logger.Info("run restored from checkpoint",
		"superstep", cp.Superstep,
		"status", cp.Status,
		"pending_requests", len(cp.PendingRequests()))
	return nil
}

// execute runs the superstep loop until the run reaches a terminal status.
func (r *run) execute() *AgentResponse {
	startTime := time.Now()
	ctx, span := startRunSpan(r.ctx, r.cfg.tracer, r)

	r.mu.Lock()
	superstep, resumed := r.superstep, r.resumed
	r.mu.Unlock()
	r.cfg.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:       r.id,
		ParentRunID: r.parentID,
		Workflow:    r.cfg.workflow.Name(),
		Status:      RunStatusRunning,
		Superstep:   superstep,
		Resumed:     resumed,
		StartTime:   startTime,
	})

	status, err := r.loop(ctx)
	resp := r.finish(status, err)

	endTime := time.Now()
	r.cfg.callbacks.AfterRun(ctx, &RunEvent{
		RunID:       r.id,
		ParentRunID: r.parentID,
		Workflow:    r.cfg.workflow.Name(),
		Status:      resp.Status,
		Superstep:   resp.Superstep,
		Resumed:     resumed,
		StartTime:   startTime,
		EndTime:     endTime,
		Duration:    endTime.Sub(startTime),
		Outputs:     resp.Outputs,
		Error:       err,
	})
	endSpan(span, err,
		attribute.String("stepflow.run.status", string(resp.Status)),
		attribute.Int("stepflow.superstep", resp.Superstep))
	return resp
}

func (r *run) loop(ctx context.Context) (RunStatus, error) {
	for {
		if r.stopRequested() {
			return RunStatusCancelled, nil
		}
		r.mu.Lock()
		r.drainAnswersLocked()
		idle := len(r.inbox) == 0
		pending := r.pendingCountLocked()
		superstep := r.superstep
		r.mu.Unlock()

		if idle {
			if pending == 0 {
				return RunStatusCompleted, nil
			}
			if r.nested {
				return RunStatusFailed, ErrSubworkflowSuspended
			}
			r.setStatus(RunStatusSuspended)
			r.logger.Info("run suspended", "superstep", superstep, "pending_requests", pending)
			select {
			case <-r.wake:
			case <-r.ctx.Done():
			}
			r.setStatus(RunStatusRunning)
			continue
		}

		if r.cfg.maxSupersteps > 0 && superstep >= r.cfg.maxSupersteps {
			return RunStatusFailed, fmt.Errorf("run exceeded the limit of %d supersteps", r.cfg.maxSupersteps)
		}
		if err := r.runSuperstep(ctx, superstep+1); err != nil {
			if errors.Is(err, ErrCancellationRequested) {
				return RunStatusCancelled, nil
			}
			return RunStatusFailed, err
		}
	}
}

// drainAnswersLocked queues every answered request for delivery and marks
// it consumed. The consumption becomes durable with the checkpoint of the
// superstep that delivers it.
func (r *run) drainAnswersLocked() {
	for _, req := range r.requests {
		if req.Status != RequestStatusAnswered {
			continue
		}
		req.Status = RequestStatusConsumed
		if r.executors[req.ExecutorID].IsTerminal() {
			continue
		}
		r.inbox = append(r.inbox, &Message{
			Target:    req.ExecutorID,
			Input:     req.Answer,
			RequestID: req.ID,
		})
		r.executors[req.ExecutorID] = ExecutorStatusReady
	}
}

func (r *run) pendingCountLocked() int {
	n := 0
	for _, req := range r.requests {
		if req.Status == RequestStatusPending {
			n++
		}
	}
	return n
}

func (r *run) hasPendingForLocked(executorID string) bool {
	for _, req := range r.requests {
		if req.ExecutorID == executorID && req.Status == RequestStatusPending {
			return true
		}
	}
	return false
}

// planLocked groups the inbox by target in sorted order. Messages for
// executors that can no longer run are dropped.
func (r *run) planLocked(inbox []*Message) []*task {
	byTarget := map[string]*task{}
	for _, msg := range inbox {
		if r.executors[msg.Target].IsTerminal() {
			r.logger.Warn("dropping message for terminal executor",
				"executor_id", msg.Target, "status", r.executors[msg.Target])
			continue
		}
		t, ok := byTarget[msg.Target]
		if !ok {
			t = &task{target: msg.Target}
			byTarget[msg.Target] = t
		}
		t.messages = append(t.messages, msg)
	}
	tasks := make([]*task, 0, len(byTarget))
	for _, target := range sortedKeys(byTarget) {
		r.executors[target] = ExecutorStatusReady
		tasks = append(tasks, byTarget[target])
	}
	return tasks
}

func (r *run) runSuperstep(ctx context.Context, superstep int) error {
	r.mu.Lock()
	inbox := r.inbox
	r.inbox = nil
	tasks := r.planLocked(inbox)
	r.mu.Unlock()

	targets := make([]string, len(tasks))
	for i, t := range tasks {
		targets[i] = t.target
	}
	startTime := time.Now()
	ctx, span := startSuperstepSpan(ctx, r.cfg.tracer, r.id, superstep, len(tasks))
	event := &SuperstepEvent{
		RunID:     r.id,
		Workflow:  r.cfg.workflow.Name(),
		Superstep: superstep,
		Executors: targets,
		StartTime: startTime,
	}
	r.cfg.callbacks.BeforeSuperstep(ctx, event)
	r.logger.Debug("superstep started", "superstep", superstep, "executors", targets)

	results := r.runTasks(ctx, superstep, tasks)
	ref, err := r.commitSuperstep(ctx, superstep, tasks, results)

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(startTime)
	event.Error = err
	if err == nil {
		event.Checkpoint = &ref
	}
	r.cfg.callbacks.AfterSuperstep(ctx, event)
	endSpan(span, err)
	return err
}

// runTasks invokes every task on a bounded worker pool. A task whose turn
// comes after cancellation never starts.
func (r *run) runTasks(ctx context.Context, superstep int, tasks []*task) [][]*invocationResult {
	results := make([][]*invocationResult, len(tasks))
	var g errgroup.Group
	if r.cfg.maxConcurrency > 0 {
		g.SetLimit(r.cfg.maxConcurrency)
	}
	for i, t := range tasks {
		g.Go(func() error {
			for _, msg := range t.messages {
				if r.stopRequested() {
					return nil
				}
				res := r.invoke(ctx, superstep, t.target, msg)
				results[i] = append(results[i], res)
				if res.status == ExecutorStatusFailed || res.status == ExecutorStatusCancelled {
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// commitSuperstep applies the effects of a finished superstep, commits the
// state scope and writes the checkpoint. Cancelled supersteps and failed
// supersteps under FailRun are discarded without a checkpoint.
func (r *run) commitSuperstep(ctx context.Context, superstep int, tasks []*task, results [][]*invocationResult) (CheckpointRef, error) {
	if r.stopRequested() {
		r.mu.Lock()
		for i, t := range tasks {
			r.executors[t.target] = settledStatus(results[i], ExecutorStatusCancelled)
		}
		r.mu.Unlock()
		r.cfg.store.Discard(r.id)
		return CheckpointRef{}, ErrCancellationRequested
	}

	if r.cfg.workflow.policy == FailRun {
		var firstErr error
		for _, rs := range results {
			for _, res := range rs {
				if res.status == ExecutorStatusFailed && firstErr == nil {
					firstErr = res.err
				}
			}
		}
		if firstErr != nil {
			r.mu.Lock()
			for i, t := range tasks {
				r.executors[t.target] = settledStatus(results[i], ExecutorStatusReady)
			}
			r.mu.Unlock()
			r.cfg.store.Discard(r.id)
			return CheckpointRef{}, firstErr
		}
	}

	var updates []*AgentResponseUpdate
	r.mu.Lock()
	for i, t := range tasks {
		for _, res := range results[i] {
			if res.status == ExecutorStatusFailed {
				updates = r.failLocked(t.target, res.err, updates)
				break
			}
			if err := r.applyLocked(t.target, res, &updates); err != nil {
				r.mu.Unlock()
				r.cfg.store.Discard(r.id)
				return CheckpointRef{}, err
			}
		}
		if r.executors[t.target] == ExecutorStatusFailed {
			continue
		}
		if r.hasPendingForLocked(t.target) {
			r.executors[t.target] = ExecutorStatusSuspended
		} else {
			r.executors[t.target] = ExecutorStatusCompleted
		}
	}
	for _, msg := range r.inbox {
		r.executors[msg.Target] = ExecutorStatusReady
	}
	r.mu.Unlock()

	if _, err := r.cfg.store.Commit(r.id, superstep); err != nil {
		return CheckpointRef{}, NewStorageError("commit", r.id, err)
	}
	return r.writeCheckpoint(ctx, superstep, updates)
}

// settledStatus is the status of an executor whose superstep was not
// committed: the status of its last invocation, or fallback if it never ran.
func settledStatus(results []*invocationResult, fallback ExecutorStatus) ExecutorStatus {
	if len(results) == 0 {
		return fallback
	}
	return results[len(results)-1].status
}

// applyLocked applies one successful invocation: state writes, new
// requests, outputs and routing.
func (r *run) applyLocked(source string, res *invocationResult, updates *[]*AgentResponseUpdate) error {
	for _, w := range res.writes {
		var err error
		if w.deleted {
			err = r.cfg.store.Delete(r.id, w.key)
		} else {
			err = r.cfg.store.Set(r.id, w.key, w.value)
		}
		if err != nil {
			return err
		}
	}
	for _, req := range res.requests {
		r.requests = append(r.requests, req)
		*updates = append(*updates, &AgentResponseUpdate{
			ExecutorID: source,
			Kind:       UpdateKindRequest,
			Request:    req.clone(),
		})
	}
	for _, y := range res.yields {
		r.addOutputLocked(source, y, updates)
	}
	switch {
	case res.handoff != "":
		r.deliverLocked(source, res.handoff, res.output)
	case res.output != nil:
		if len(r.cfg.workflow.edges[source]) == 0 {
			r.addOutputLocked(source, res.output, updates)
		}
		for _, to := range res.routes {
			r.deliverLocked(source, to, res.output)
		}
	}
	for _, m := range res.sends {
		r.deliverLocked(source, m.Target, m.Input)
	}
	return nil
}

func (r *run) addOutputLocked(source string, value state.Value, updates *[]*AgentResponseUpdate) {
	r.outputs = append(r.outputs, value)
	*updates = append(*updates, &AgentResponseUpdate{
		ExecutorID: source,
		Kind:       UpdateKindOutput,
		Output:     value,
	})
}

// deliverLocked queues value for target in the next superstep. Deliveries
// from fan-in sources are buffered until every source has delivered.
func (r *run) deliverLocked(source, target string, value state.Value) {
	if r.executors[target].IsTerminal() {
		r.logger.Warn("dropping delivery to terminal executor", "source", source, "executor_id", target)
		return
	}
	wf := r.cfg.workflow
	if !wf.isFanInSource(target, source) {
		r.inbox = append(r.inbox, &Message{Target: target, Source: source, Input: value})
		return
	}
	join, ok := r.joins[target]
	if !ok {
		join = &JoinState{Received: map[string]state.Value{}}
		r.joins[target] = join
	}
	if _, dup := join.Received[source]; dup {
		r.logger.Warn("fan-in source delivered twice, keeping latest", "source", source, "executor_id", target)
	}
	join.Received[source] = value
	sources := wf.fanIns[target]
	if len(join.Received) < len(sources) {
		return
	}
	values := make([]state.Value, len(sources))
	for i, src := range sources {
		values[i] = join.Received[src]
	}
	delete(r.joins, target)
	combined, err := state.Encode(values)
	if err != nil {
		// Every element is already valid JSON.
		panic(err)
	}
	r.inbox = append(r.inbox, &Message{Target: target, Input: combined})
}

// failLocked marks an executor Failed and propagates the failure to fan-in
// targets that can no longer fire. Its pending requests are retired.
func (r *run) failLocked(executorID string, cause error, updates []*AgentResponseUpdate) []*AgentResponseUpdate {
	if r.executors[executorID].IsTerminal() {
		return updates
	}
	r.executors[executorID] = ExecutorStatusFailed
	r.failures[executorID] = cause.Error()
	delete(r.joins, executorID)
	for _, req := range r.requests {
		if req.ExecutorID == executorID && req.Status != RequestStatusConsumed {
			req.Status = RequestStatusConsumed
		}
	}
	r.logger.Warn("executor failed", "executor_id", executorID, "error", cause)
	updates = append(updates, &AgentResponseUpdate{
		ExecutorID: executorID,
		Kind:       UpdateKindFailure,
		Error:      cause.Error(),
	})
	for _, target := range r.cfg.workflow.fanInsFrom(executorID) {
		updates = r.failLocked(target, fmt.Errorf("upstream executor %q failed", executorID), updates)
	}
	return updates
}

// nextStatusLocked is the status recorded in a checkpoint.
func (r *run) nextStatusLocked() RunStatus {
	if len(r.inbox) > 0 {
		return RunStatusRunning
	}
	pending := false
	for _, req := range r.requests {
		switch req.Status {
		case RequestStatusAnswered:
			return RunStatusRunning
		case RequestStatusPending:
			pending = true
		}
	}
	if pending {
		return RunStatusSuspended
	}
	return RunStatusCompleted
}

// writeCheckpoint persists the run at the given superstep and, once the
// write is durable, advances the superstep index and publishes updates.
// On failure nothing is published and the index stays put.
func (r *run) writeCheckpoint(ctx context.Context, superstep int, updates []*AgentResponseUpdate) (CheckpointRef, error) {
	values, _, err := r.cfg.store.Snapshot(r.id)
	if err != nil {
		return CheckpointRef{}, NewStorageError("snapshot", r.id, err)
	}

	r.mu.Lock()
	seq := r.sequence
	for _, u := range updates {
		seq++
		u.RunID = r.id
		u.Sequence = seq
		u.Superstep = superstep
	}
	seq++
	now := time.Now().UTC()
	cp := (&Checkpoint{
		Version:      CheckpointVersion,
		RunID:        r.id,
		ParentRunID:  r.parentID,
		Workflow:     r.cfg.workflow.Name(),
		Superstep:    superstep,
		Status:       r.nextStatusLocked(),
		State:        values,
		Requests:     r.requests,
		Inbox:        r.inbox,
		Joins:        r.joins,
		Executors:    r.executors,
		Failures:     r.failures,
		Outputs:      r.outputs,
		Sequence:     seq,
		CreatedAt:    r.createdAt,
		CheckpointAt: now,
	}).Clone()
	r.mu.Unlock()

	ref, err := r.cfg.checkpointer.Write(context.WithoutCancel(ctx), cp)
	if err != nil {
		r.logger.Error("checkpoint write failed", "superstep", superstep, "error", err)
		return CheckpointRef{}, NewStorageError("write", r.id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.superstep = superstep
	r.sequence = seq
	r.checkpointAt = now
	for _, u := range updates {
		r.sink.push(u)
	}
	r.sink.push(&AgentResponseUpdate{
		RunID:      r.id,
		Sequence:   seq,
		Superstep:  superstep,
		Kind:       UpdateKindSuperstep,
		Checkpoint: &ref,
	})
	r.logger.Debug("checkpoint written", "superstep", superstep, "status", cp.Status)
	return ref, nil
}

// invoke runs a single executor invocation and captures its effects.
func (r *run) invoke(ctx context.Context, superstep int, executorID string, msg *Message) *invocationResult {
	exec, _ := r.cfg.workflow.Executor(executorID)
	ctx, span := startExecutorSpan(ctx, r.cfg.tracer, r.id, executorID, superstep)
	ictx := newInvocationContext(ctx, r, executorID, superstep, msg)

	r.setExecutorStatus(executorID, ExecutorStatusRunning)
	startTime := time.Now()
	event := &ExecutorEvent{
		RunID:      r.id,
		Workflow:   r.cfg.workflow.Name(),
		ExecutorID: executorID,
		Superstep:  superstep,
		RequestID:  msg.RequestID,
		Input:      msg.Input,
		StartTime:  startTime,
	}
	r.cfg.callbacks.BeforeExecutor(ctx, event)

	out, err := safeExecute(exec, ictx, msg.Input)
	res := ictx.result()
	res.start = startTime
	if err == nil {
		err = r.settleOutput(ctx, executorID, out, res)
	}
	res.duration = time.Since(startTime)

	if err != nil {
		classified := ClassifyError(err)
		if r.stopRequested() {
			res.status = ExecutorStatusCancelled
		} else {
			res.status = ExecutorStatusFailed
		}
		res.err = &ExecutorError{
			Type:       classified.Type,
			Cause:      classified.Cause,
			ExecutorID: executorID,
			Superstep:  superstep,
			Details:    classified.Details,
			Wrapped:    err,
		}
	} else {
		res.status = ExecutorStatusCompleted
	}

	event.Status = res.status
	if res.status == ExecutorStatusCompleted && len(res.requests) > 0 {
		event.Status = ExecutorStatusSuspended
	}
	event.Output = res.output
	event.Error = res.err
	event.EndTime = time.Now()
	event.Duration = res.duration
	r.cfg.callbacks.AfterExecutor(ctx, event)

	entry := &InvocationLogEntry{
		ID:         fmt.Sprintf("%s-%d-%s", executorID, superstep, startTime.UTC().Format("150405.000000")),
		RunID:      r.id,
		ExecutorID: executorID,
		Superstep:  superstep,
		RequestID:  msg.RequestID,
		Input:      msg.Input,
		Output:     res.output,
		Status:     event.Status,
		StartTime:  startTime,
		Duration:   res.duration.Seconds(),
	}
	if res.err != nil {
		entry.Error = res.err.Error()
	}
	if logErr := r.cfg.invocationLogger.LogInvocation(ctx, entry); logErr != nil {
		r.logger.Warn("failed to log invocation", "executor_id", executorID, "error", logErr)
	}
	endSpan(span, res.err, attribute.String("stepflow.executor.status", string(event.Status)))
	return res
}

func safeExecute(exec Executor, ctx Context, input state.Value) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return exec.Execute(ctx, input)
}

// settleOutput encodes the output and resolves where it goes.
func (r *run) settleOutput(ctx context.Context, executorID string, out any, res *invocationResult) error {
	wf := r.cfg.workflow
	if h, ok := out.(*Handoff); ok && h != nil {
		out = *h
	}
	switch v := out.(type) {
	case nil:
		return nil
	case Handoff:
		if !wf.canHandoff(executorID, v.Target) {
			return fmt.Errorf("%w: %q cannot hand off to %q", ErrInvalidHandoff, executorID, v.Target)
		}
		encoded, err := state.Encode(v.Value)
		if err != nil {
			return err
		}
		res.output = encoded
		res.handoff = v.Target
		return nil
	}
	encoded, err := state.Encode(out)
	if err != nil {
		return err
	}
	res.output = encoded
	for _, edge := range wf.edges[executorID] {
		if edge.Condition == nil {
			res.routes = append(res.routes, edge.To)
			continue
		}
		ok, err := edge.Condition(ctx, encoded, r.cfg.store.Reader(r.id))
		if err != nil {
			return fmt.Errorf("condition on edge %s -> %s: %w", edge.From, edge.To, err)
		}
		if ok {
			res.routes = append(res.routes, edge.To)
		}
	}
	return nil
}

// emitContent publishes content immediately with the next sequence number.
func (r *run) emitContent(executorID string, superstep int, contents []Content) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response != nil {
		return
	}
	r.sequence++
	r.sink.push(&AgentResponseUpdate{
		RunID:      r.id,
		Sequence:   r.sequence,
		Superstep:  superstep,
		ExecutorID: executorID,
		Kind:       UpdateKindContent,
		Contents:   slices.Clone(Contents(contents)),
	})
}

// answer records the answer to a pending request and wakes the run.
func (r *run) answer(requestID string, value any) error {
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var req *RequestRecord
	for _, candidate := range r.requests {
		if candidate.ID == requestID {
			req = candidate
			break
		}
	}
	if req == nil {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if req.Status != RequestStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrDuplicateRequestAnswer, requestID, req.Status)
	}
	if r.response != nil {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotFound, r.id, r.response.Status)
	}
	req.Status = RequestStatusAnswered
	req.Answer = encoded
	req.AnsweredAt = time.Now().UTC()
	r.signal()
	return nil
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) requestCancel() {
	if r.cancelled.Swap(true) {
		return
	}
	r.logger.Info("cancellation requested")
	r.cancel(ErrCancellationRequested)
	r.signal()
}

func (r *run) stopRequested() bool {
	return r.cancelled.Load() || r.ctx.Err() != nil
}

func (r *run) setStatus(status RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.IsTerminal() {
		r.status = status
	}
}

func (r *run) setExecutorStatus(executorID string, status ExecutorStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executorID] = status
}

// finish records the terminal status, releases the run's scope and builds
// the terminal response. It runs exactly once per run.
func (r *run) finish(status RunStatus, err error) *AgentResponse {
	r.mu.Lock()
	r.status = status
	if status == RunStatusCancelled {
		for id, st := range r.executors {
			switch st {
			case ExecutorStatusReady, ExecutorStatusRunning, ExecutorStatusSuspended:
				r.executors[id] = ExecutorStatusCancelled
			}
		}
	}
	resp := &AgentResponse{
		RunID:     r.id,
		Status:    status,
		Superstep: r.superstep,
		Outputs:   slices.Clone(r.outputs),
		Executors: maps.Clone(r.executors),
		Err:       err,
	}
	if len(r.failures) > 0 {
		resp.Failures = maps.Clone(r.failures)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	r.response = resp
	r.mu.Unlock()

	r.cancel(nil)
	r.cfg.store.DropScope(r.id)
	switch status {
	case RunStatusCompleted:
		r.logger.Info("run completed", "superstep", resp.Superstep, "outputs", len(resp.Outputs))
	case RunStatusCancelled:
		r.logger.Info("run cancelled", "superstep", resp.Superstep)
	default:
		r.logger.Error("run failed", "superstep", resp.Superstep, "error", err)
	}
	return resp
}

// snapshot returns the externally visible view of the run.
func (r *run) snapshot() *WorkflowRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &WorkflowRun{
		ID:           r.id,
		ParentID:     r.parentID,
		Workflow:     r.cfg.workflow.Name(),
		Superstep:    r.superstep,
		Status:       r.status,
		Executors:    maps.Clone(r.executors),
		CreatedAt:    r.createdAt,
		CheckpointAt: r.checkpointAt,
	}
}

func (r *run) pendingRequests() []*RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RequestRecord
	for _, req := range r.requests {
		if req.Status == RequestStatusPending {
			out = append(out, req.clone())
		}
	}
	return out
}
