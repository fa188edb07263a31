package executors

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/risor-io/risor/object"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Script evaluates Risor code. The code sees its input as input and the
// committed run state as state. Keys it assigns on state are written back
// when the superstep commits; keys set to nil are deleted. The value of
// the last expression is the executor's output.
type Script struct {
	id     string
	source string
	code   script.Script
}

// NewScript compiles code with compiler
func NewScript(id string, compiler script.Compiler, code string) (*Script, error) {
	if code == "" {
		return nil, fmt.Errorf("script executor %q requires code", id)
	}
	compiled, err := compiler.Compile(context.Background(), code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &Script{id: id, source: code, code: compiled}, nil
}

func newScriptFromConfig(id string, config map[string]any, reg *stepflow.Registry) (stepflow.Executor, error) {
	code, _ := config["code"].(string)
	return NewScript(id, risorCompiler(reg), code)
}

func (s *Script) ID() string {
	return s.id
}

// Source returns the script code
func (s *Script) Source() string {
	return s.source
}

func (s *Script) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	globals, err := scriptGlobals(ctx, input)
	if err != nil {
		return nil, err
	}
	original, _ := globals[script.GlobalState].(map[string]any)
	stateObj := object.FromGoType(original)
	globals[script.GlobalState] = stateObj

	result, err := s.code.Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	modified, ok := script.ConvertRisorValueToGo(stateObj).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script replaced the state global")
	}
	if err := applyStateChanges(ctx, original, modified); err != nil {
		return nil, err
	}
	return result.Value(), nil
}

// applyStateChanges writes the keys the script added, changed or cleared.
func applyStateChanges(ctx stepflow.Context, original, modified map[string]any) error {
	for _, key := range slices.Sorted(maps.Keys(modified)) {
		value := modified[key]
		if value == nil {
			if _, existed := original[key]; existed {
				if err := ctx.Delete(key); err != nil {
					return err
				}
			}
			continue
		}
		if before, existed := original[key]; existed && reflect.DeepEqual(before, value) {
			continue
		}
		if err := ctx.Set(key, value); err != nil {
			return err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(original)) {
		if _, kept := modified[key]; !kept {
			if err := ctx.Delete(key); err != nil {
				return err
			}
		}
	}
	return nil
}
