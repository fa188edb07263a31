package stepflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stepflow/state"
)

// Context is passed explicitly to every executor invocation. It carries the
// run's cancellation and deadline through the embedded context.Context and
// exposes the run-scoped state and messaging operations.
//
// State reads see values committed at the end of the previous superstep.
// Writes, sends, yields and requests take effect when the current superstep
// commits and are dropped if the invocation fails.
type Context interface {
	context.Context

	RunID() string
	ExecutorID() string
	Superstep() int
	Logger() *slog.Logger

	// RequestID is set when this invocation delivers the answer to a
	// request made earlier by the same executor. The input is the answer.
	RequestID() string

	Get(key string) (state.Value, bool)
	Set(key string, value any) error
	Delete(key string) error
	State() state.Reader

	// Emit streams content to the run's consumers immediately
	Emit(contents ...Content)

	// RequestInput records a request for external input and returns its id.
	// The executor is suspended once this invocation returns, and is
	// invoked again with the answer as input.
	RequestInput(payload any) (string, error)

	// SendTo delivers value to another executor in the next superstep
	SendTo(target string, value any) error

	// Yield adds a workflow output
	Yield(value any) error
}

// GetAs decodes the committed value for key into T
func GetAs[T any](ctx Context, key string) (T, bool, error) {
	var out T
	v, ok := ctx.Get(key)
	if !ok {
		return out, false, nil
	}
	if err := v.Decode(&out); err != nil {
		return out, true, err
	}
	return out, true, nil
}

type statePatch struct {
	key     string
	value   state.Value
	deleted bool
}

// invocationResult collects the effects of one invocation until commit.
type invocationResult struct {
	message  *Message
	output   state.Value
	handoff  string
	routes   []string
	writes   []statePatch
	sends    []*Message
	yields   []state.Value
	requests []*RequestRecord
	status   ExecutorStatus
	err      error
	start    time.Time
	duration time.Duration
}

type invocationContext struct {
	context.Context
	run        *run
	executorID string
	superstep  int
	requestID  string
	logger     *slog.Logger

	mu  sync.Mutex
	res *invocationResult
}

func newInvocationContext(ctx context.Context, r *run, executorID string, superstep int, msg *Message) *invocationContext {
	return &invocationContext{
		Context:    ctx,
		run:        r,
		executorID: executorID,
		superstep:  superstep,
		requestID:  msg.RequestID,
		logger:     r.logger.With("executor_id", executorID, "superstep", superstep),
		res:        &invocationResult{message: msg},
	}
}

func (c *invocationContext) RunID() string        { return c.run.id }
func (c *invocationContext) ExecutorID() string   { return c.executorID }
func (c *invocationContext) Superstep() int       { return c.superstep }
func (c *invocationContext) RequestID() string    { return c.requestID }
func (c *invocationContext) Logger() *slog.Logger { return c.logger }

func (c *invocationContext) Get(key string) (state.Value, bool) {
	return c.run.cfg.store.Get(c.run.id, key)
}

func (c *invocationContext) State() state.Reader {
	return c.run.cfg.store.Reader(c.run.id)
}

func (c *invocationContext) Set(key string, value any) error {
	if !c.run.cfg.store.HasScope(c.run.id) {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, c.run.id)
	}
	if key == "" {
		return fmt.Errorf("state key required")
	}
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.writes = append(c.res.writes, statePatch{key: key, value: encoded})
	return nil
}

func (c *invocationContext) Delete(key string) error {
	if !c.run.cfg.store.HasScope(c.run.id) {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, c.run.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.writes = append(c.res.writes, statePatch{key: key, deleted: true})
	return nil
}

func (c *invocationContext) Emit(contents ...Content) {
	if len(contents) == 0 {
		return
	}
	c.run.emitContent(c.executorID, c.superstep, contents)
}

func (c *invocationContext) RequestInput(payload any) (string, error) {
	encoded, err := state.Encode(payload)
	if err != nil {
		return "", err
	}
	req := &RequestRecord{
		ID:         NewRequestID(),
		ExecutorID: c.executorID,
		Superstep:  c.superstep,
		Payload:    encoded,
		Status:     RequestStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.requests = append(c.res.requests, req)
	return req.ID, nil
}

func (c *invocationContext) SendTo(target string, value any) error {
	if _, ok := c.run.cfg.workflow.Executor(target); !ok {
		return fmt.Errorf("send to unknown executor %q", target)
	}
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.sends = append(c.res.sends, &Message{Target: target, Source: c.executorID, Input: encoded})
	return nil
}

func (c *invocationContext) Yield(value any) error {
	encoded, err := state.Encode(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res.yields = append(c.res.yields, encoded)
	return nil
}

// resetAttempt drops buffered effects before a retry.
func (c *invocationContext) resetAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.res = &invocationResult{message: c.res.message}
}

func (c *invocationContext) result() *invocationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res
}
