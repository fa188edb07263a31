package stepflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow/retry"
	"github.com/deepnoodle-ai/stepflow/state"
)

func singleExecutorWorkflow(t *testing.T, e Executor) *Workflow {
	t.Helper()
	wf, err := NewBuilder(e.ID()).AddExecutor(e).Build()
	require.NoError(t, err)
	return wf
}

func TestTypedExecutorRejectsBadInput(t *testing.T) {
	typed := NewTypedExecutor("typed", func(ctx Context, in int) (int, error) {
		return in + 1, nil
	})
	o := newTestOrchestrator(t, Options{Workflow: singleExecutorWorkflow(t, typed)})

	resp, err := o.Execute(context.Background(), "", 41)
	require.NoError(t, err)
	require.Equal(t, state.Value(`42`), resp.Output())

	resp, err = o.Execute(context.Background(), "", "not a number")
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, resp.Status)
	require.Contains(t, resp.Error, `invalid input for executor "typed"`)
}

type scoreReport struct {
	Score int    `json:"score"`
	Note  string `json:"note"`
}

func TestStructuredOutput(t *testing.T) {
	t.Run("valid output is routed as the structured value", func(t *testing.T) {
		inner := NewExecutor("grade", func(ctx Context, input state.Value) (any, error) {
			return map[string]any{"score": 3, "note": "ok"}, nil
		})
		o := newTestOrchestrator(t, Options{Workflow: singleExecutorWorkflow(t, Structured[scoreReport](inner))})
		resp, err := o.Execute(context.Background(), "", nil)
		require.NoError(t, err)
		var report scoreReport
		require.NoError(t, resp.Decode(&report))
		require.Equal(t, scoreReport{Score: 3, Note: "ok"}, report)
	})

	t.Run("unknown fields fail the executor", func(t *testing.T) {
		inner := NewExecutor("grade", func(ctx Context, input state.Value) (any, error) {
			return map[string]any{"score": 3, "extra": true}, nil
		})
		o := newTestOrchestrator(t, Options{Workflow: singleExecutorWorkflow(t, Structured[scoreReport](inner))})
		resp, err := o.Execute(context.Background(), "", nil)
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, resp.Status)
		require.True(t, MatchesErrorType(resp.Err, "invalid_output"))
	})

	t.Run("handoff payloads are validated", func(t *testing.T) {
		inner := NewExecutor("grade", func(ctx Context, input state.Value) (any, error) {
			return HandoffTo("review", map[string]any{"score": 9}), nil
		})
		review := NewTypedExecutor("review", func(ctx Context, in scoreReport) (int, error) {
			return in.Score, nil
		})
		wf, err := NewBuilder("structured-handoff").
			AddExecutor(Structured[scoreReport](inner), review).
			AddHandoff("grade", "review").
			Build()
		require.NoError(t, err)
		o := newTestOrchestrator(t, Options{Workflow: wf})
		resp, err := o.Execute(context.Background(), "", nil)
		require.NoError(t, err)
		require.Equal(t, state.Value(`9`), resp.Output())
	})
}

func TestWithRetryDiscardsFailedAttempts(t *testing.T) {
	var attempts atomic.Int32
	flaky := NewExecutor("flaky", func(ctx Context, input state.Value) (any, error) {
		n := attempts.Add(1)
		if err := ctx.Set("attempt", n); err != nil {
			return nil, err
		}
		if n < 3 {
			if err := ctx.Set(fmt.Sprintf("stale_%d", n), true); err != nil {
				return nil, err
			}
			if err := ctx.Yield(fmt.Sprintf("partial %d", n)); err != nil {
				return nil, err
			}
			return nil, retry.NewRecoverableError(errors.New("service unavailable"))
		}
		return "done", nil
	})
	cp := NewMemoryCheckpointer()
	wf := singleExecutorWorkflow(t, WithRetry(flaky, retry.WithBaseWait(time.Millisecond)))
	o := newTestOrchestrator(t, Options{Workflow: wf, Checkpointer: cp})

	resp, err := o.Execute(context.Background(), "run-retry", nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, resp.Status)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, []state.Value{state.Value(`"done"`)}, resp.Outputs)

	latest, err := cp.ReadLatest(context.Background(), "run-retry")
	require.NoError(t, err)
	require.Equal(t, map[string]state.Value{"attempt": state.Value(`3`)}, latest.State)
}

func TestWithRetryStopsOnFatal(t *testing.T) {
	var attempts atomic.Int32
	fatal := NewExecutor("fatal", func(ctx Context, input state.Value) (any, error) {
		attempts.Add(1)
		return nil, NewExecutorError(ErrorTypeFatal, "bad credentials")
	})
	wf := singleExecutorWorkflow(t, WithRetry(fatal, retry.WithBaseWait(time.Millisecond)))
	o := newTestOrchestrator(t, Options{Workflow: wf})

	resp, err := o.Execute(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, resp.Status)
	require.Equal(t, int32(1), attempts.Load())
	require.True(t, MatchesErrorType(resp.Err, ErrorTypeFatal))
}

func TestConditionalEdges(t *testing.T) {
	classify := NewTypedExecutor("classify", func(ctx Context, in int) (int, error) {
		return in, ctx.Set("threshold", 10)
	})
	big := NewExecutor("big", func(ctx Context, input state.Value) (any, error) {
		return "big", nil
	})
	small := NewExecutor("small", func(ctx Context, input state.Value) (any, error) {
		return "small", nil
	})
	isBig := func(ctx context.Context, output state.Value, st state.Reader) (bool, error) {
		var n int
		if err := output.Decode(&n); err != nil {
			return false, err
		}
		return n >= 10, nil
	}
	isSmall := func(ctx context.Context, output state.Value, st state.Reader) (bool, error) {
		ok, err := isBig(ctx, output, st)
		return !ok, err
	}
	wf, err := NewBuilder("route").
		AddExecutor(classify, big, small).
		AddEdge("classify", "big", WithCondition(isBig)).
		AddEdge("classify", "small", WithCondition(isSmall)).
		Build()
	require.NoError(t, err)
	o := newTestOrchestrator(t, Options{Workflow: wf})

	for input, want := range map[int]string{3: `"small"`, 12: `"big"`} {
		resp, err := o.Execute(context.Background(), "", input)
		require.NoError(t, err)
		require.Equal(t, []state.Value{state.Value(want)}, resp.Outputs, "input %d", input)
	}
}

func TestScriptConditionSeesCommittedState(t *testing.T) {
	reg := NewRegistry()
	cond, err := CompileCondition(reg.Compiler(), `output > state.limit`)
	require.NoError(t, err)

	st := state.NewStore()
	require.NoError(t, st.CreateScope("s", ""))
	require.NoError(t, st.Set("s", "limit", 5))
	_, err = st.Commit("s", 1)
	require.NoError(t, err)

	ok, err := cond(context.Background(), state.Value(`7`), st.Reader("s"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = cond(context.Background(), state.Value(`3`), st.Reader("s"))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = CompileCondition(reg.Compiler(), `output >`)
	require.Error(t, err)
}
