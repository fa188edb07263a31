package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:    "plain string without template variables",
			input:   "Hello World",
			globals: nil,
			want:    "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${state.name}",
			globals: map[string]any{
				"state": map[string]any{
					"name": "Alice",
				},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${state.greeting} ${state.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"state": map[string]any{
					"greeting": "Hello",
					"name":     "Bob",
				},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "adjacent expressions",
			input: "${state.a}${state.b}",
			globals: map[string]any{
				"state": map[string]any{"a": "x", "b": "y"},
			},
			want: "xy",
		},
		{
			name:  "input global",
			input: "Task: ${input.task}",
			globals: map[string]any{
				"input": map[string]any{"task": "sum"},
			},
			want: "Task: sum",
		},
		{
			name:    "string with nested expressions",
			input:   "Result: ${1 + (2 * 3)}",
			globals: nil,
			want:    "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			globals:     map[string]any{"name": "Alice"},
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			globals:     nil,
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			globals:     nil,
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewRisorScriptingEngine(DefaultRisorGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRisorEvaluate(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultRisorGlobals())
	ctx := context.Background()

	t.Run("integer arithmetic on decoded input", func(t *testing.T) {
		input, err := DecodeJSON([]byte(`[2,4,6]`))
		require.NoError(t, err)
		code, err := engine.Compile(ctx, "total := 0\nfor _, v := range input { total += v }\ntotal")
		require.NoError(t, err)
		result, err := code.Evaluate(ctx, map[string]any{GlobalInput: input})
		require.NoError(t, err)
		require.Equal(t, int64(12), result.Value())
	})

	t.Run("condition truthiness", func(t *testing.T) {
		code, err := engine.Compile(ctx, "output > 10")
		require.NoError(t, err)
		result, err := code.Evaluate(ctx, map[string]any{GlobalOutput: int64(12)})
		require.NoError(t, err)
		require.True(t, result.IsTruthy())
		result, err = code.Evaluate(ctx, map[string]any{GlobalOutput: int64(3)})
		require.NoError(t, err)
		require.False(t, result.IsTruthy())
	})

	t.Run("unsafe builtins are not bound", func(t *testing.T) {
		_, err := engine.Compile(ctx, "os.getenv(\"HOME\")")
		require.Error(t, err)
	})

	t.Run("map result converts to go", func(t *testing.T) {
		code, err := engine.Compile(ctx, `{"k": state.n + 1}`)
		require.NoError(t, err)
		result, err := code.Evaluate(ctx, map[string]any{GlobalState: map[string]any{"n": int64(1)}})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"k": int64(2)}, result.Value())
	})
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON([]byte(`{"a":1,"b":[1.5,2],"c":null}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"a": int64(1),
		"b": []any{1.5, int64(2)},
		"c": nil,
	}, v)

	v, err = DecodeJSON(nil)
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = DecodeJSON([]byte(`{`))
	require.Error(t, err)
}
