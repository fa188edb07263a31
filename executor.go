package stepflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/stepflow/retry"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Executor is a unit of work in a workflow graph. Execute is called once per
// delivered message with the message payload as input. A nil output means
// the invocation produced nothing to route; return state.Null to route an
// explicit JSON null.
type Executor interface {
	ID() string
	Execute(ctx Context, input state.Value) (any, error)
}

// ExecutorFunc is the signature of a plain executor function
type ExecutorFunc func(ctx Context, input state.Value) (any, error)

type funcExecutor struct {
	id string
	fn ExecutorFunc
}

// NewExecutor wraps a function as an Executor
func NewExecutor(id string, fn ExecutorFunc) Executor {
	return &funcExecutor{id: id, fn: fn}
}

func (e *funcExecutor) ID() string { return e.id }

func (e *funcExecutor) Execute(ctx Context, input state.Value) (any, error) {
	return e.fn(ctx, input)
}

// TypedExecutorFunc is the signature of a typed executor function
type TypedExecutorFunc[In, Out any] func(ctx Context, input In) (Out, error)

type typedExecutor[In, Out any] struct {
	id string
	fn TypedExecutorFunc[In, Out]
}

// NewTypedExecutor wraps a typed function as an Executor. The input is
// decoded into In before the call.
func NewTypedExecutor[In, Out any](id string, fn TypedExecutorFunc[In, Out]) Executor {
	return &typedExecutor[In, Out]{id: id, fn: fn}
}

func (e *typedExecutor[In, Out]) ID() string { return e.id }

func (e *typedExecutor[In, Out]) Execute(ctx Context, input state.Value) (any, error) {
	var in In
	if err := input.Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid input for executor %q: %w", e.id, err)
	}
	return e.fn(ctx, in)
}

type structuredExecutor[T any] struct {
	inner Executor
}

// Structured wraps an executor so its output must decode into T without
// unknown fields. The validated T value is what gets routed. Handoffs are
// validated on their payload.
func Structured[T any](inner Executor) Executor {
	return &structuredExecutor[T]{inner: inner}
}

func (e *structuredExecutor[T]) ID() string { return e.inner.ID() }

func (e *structuredExecutor[T]) Execute(ctx Context, input state.Value) (any, error) {
	out, err := e.inner.Execute(ctx, input)
	if err != nil || out == nil {
		return out, err
	}
	if h, ok := out.(Handoff); ok {
		v, err := toStructured[T](h.Value)
		if err != nil {
			return nil, fmt.Errorf("executor %q: %w", e.ID(), err)
		}
		return Handoff{Target: h.Target, Value: v}, nil
	}
	v, err := toStructured[T](out)
	if err != nil {
		return nil, fmt.Errorf("executor %q: %w", e.ID(), err)
	}
	return v, nil
}

func toStructured[T any](out any) (T, error) {
	var result T
	if v, ok := out.(T); ok {
		return v, nil
	}
	encoded, err := state.Encode(out)
	if err != nil {
		return result, err
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, NewExecutorError("invalid_output", fmt.Sprintf("output does not match %T: %v", result, err))
	}
	return result, nil
}

// Handoff is returned by an executor to route its output to exactly one of
// its declared handoff targets instead of following its edges
type Handoff struct {
	Target string
	Value  any
}

// HandoffTo is shorthand for a Handoff value
func HandoffTo(target string, value any) Handoff {
	return Handoff{Target: target, Value: value}
}

type retryExecutor struct {
	inner Executor
	opts  []retry.Option
}

// WithRetry wraps an executor so recoverable errors are retried with
// exponential backoff. The runtime never retries on its own; retries happen
// only when composed explicitly with this wrapper. State writes and sends
// from failed attempts are discarded.
func WithRetry(inner Executor, opts ...retry.Option) Executor {
	return &retryExecutor{inner: inner, opts: opts}
}

func (e *retryExecutor) ID() string { return e.inner.ID() }

func (e *retryExecutor) Execute(ctx Context, input state.Value) (any, error) {
	var out any
	attempt := 0
	err := retry.Do(ctx, func() error {
		if attempt > 0 {
			if r, ok := ctx.(attemptResetter); ok {
				r.resetAttempt()
			}
			ctx.Logger().Warn("retrying executor", "attempt", attempt+1)
		}
		attempt++
		var err error
		out, err = e.inner.Execute(ctx, input)
		if err != nil && MatchesErrorType(err, ErrorTypeFatal) {
			return retry.NewNonRecoverableError(err)
		}
		return err
	}, e.opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

type attemptResetter interface {
	resetAttempt()
}
