package stepflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow/state"
)

func noop(id string) Executor {
	return NewExecutor(id, func(ctx Context, input state.Value) (any, error) {
		return input, nil
	})
}

func TestBuilder(t *testing.T) {
	wf, err := NewBuilder("graph").
		Description("a small graph").
		AddExecutor(noop("a"), noop("b"), noop("c"), noop("m")).
		AddChain("a", "b").
		AddFanIn("c", "a", "b").
		AddManager("m", "b").
		Build()
	require.NoError(t, err)

	require.Equal(t, "graph", wf.Name())
	require.Equal(t, "a small graph", wf.Description())
	require.Equal(t, "a", wf.Start())
	require.Equal(t, FailRun, wf.FailurePolicy())
	require.Equal(t, []string{"a", "b", "c", "m"}, wf.ExecutorIDs())
	require.Equal(t, []string{"a", "b"}, wf.FanInSources("c"))
	require.Equal(t, []string{"b"}, wf.HandoffTargets("m"))

	var targets []string
	for _, e := range wf.Edges("a") {
		targets = append(targets, e.To)
	}
	require.Equal(t, []string{"b", "c"}, targets)

	targets = nil
	for _, e := range wf.Edges("b") {
		targets = append(targets, e.To)
	}
	require.Equal(t, []string{"c", "m"}, targets)
}

func TestBuilderSetStart(t *testing.T) {
	wf, err := NewBuilder("graph").
		AddExecutor(noop("a"), noop("b")).
		SetStart("b").
		WithFailurePolicy(IsolateFailures).
		Build()
	require.NoError(t, err)
	require.Equal(t, "b", wf.Start())
	require.Equal(t, IsolateFailures, wf.FailurePolicy())
}

func TestBuilderValidation(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Builder
		wantErr string
	}{
		{
			name:    "missing name",
			build:   func() *Builder { return NewBuilder("").AddExecutor(noop("a")) },
			wantErr: "workflow name required",
		},
		{
			name:    "no executors",
			build:   func() *Builder { return NewBuilder("empty") },
			wantErr: "at least one executor required",
		},
		{
			name:    "duplicate executor",
			build:   func() *Builder { return NewBuilder("dup").AddExecutor(noop("a"), noop("a")) },
			wantErr: `duplicate executor "a"`,
		},
		{
			name:    "unknown start",
			build:   func() *Builder { return NewBuilder("start").AddExecutor(noop("a")).SetStart("z") },
			wantErr: `start executor "z" not found`,
		},
		{
			name:    "unknown edge target",
			build:   func() *Builder { return NewBuilder("edge").AddExecutor(noop("a")).AddEdge("a", "z") },
			wantErr: `edge target "z" not found`,
		},
		{
			name: "fan-in declared twice",
			build: func() *Builder {
				return NewBuilder("fan").AddExecutor(noop("a"), noop("b")).
					AddFanIn("b", "a").AddFanIn("b", "a")
			},
			wantErr: `fan-in "b" declared twice`,
		},
		{
			name:    "unknown handoff target",
			build:   func() *Builder { return NewBuilder("h").AddExecutor(noop("a")).AddHandoff("a", "z") },
			wantErr: `handoff target "z" not found`,
		},
		{
			name:    "unknown failure policy",
			build:   func() *Builder { return NewBuilder("p").AddExecutor(noop("a")).WithFailurePolicy("retry") },
			wantErr: `unknown failure policy "retry"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Build()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
