package executors

import (
	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// scriptGlobals binds the invocation input and the committed run state.
func scriptGlobals(ctx stepflow.Context, input state.Value) (map[string]any, error) {
	in, err := script.DecodeJSON(input)
	if err != nil {
		return nil, err
	}
	st, err := script.StateGlobals(ctx.State())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		script.GlobalInput: in,
		script.GlobalState: st,
	}, nil
}

func compilerOrDefault(reg *stepflow.Registry) script.Compiler {
	if reg != nil && reg.Compiler() != nil {
		return reg.Compiler()
	}
	return script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
}

// risorCompiler returns the registry's compiler when it is a Risor engine.
// Script executors assign state, which expressions cannot.
func risorCompiler(reg *stepflow.Registry) script.Compiler {
	if c, ok := compilerOrDefault(reg).(*script.RisorScriptingEngine); ok {
		return c
	}
	return script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
}
