package executors

import (
	"fmt"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Emit streams a rendered message as text content and passes its input
// through unchanged
type Emit struct {
	id       string
	template *script.Template
}

func NewEmit(id string, compiler script.Compiler, message string) (*Emit, error) {
	if message == "" {
		return nil, fmt.Errorf("emit executor %q requires a message", id)
	}
	t, err := script.NewTemplate(compiler, message)
	if err != nil {
		return nil, err
	}
	return &Emit{id: id, template: t}, nil
}

func newEmitFromConfig(id string, config map[string]any, reg *stepflow.Registry) (stepflow.Executor, error) {
	message, _ := config["message"].(string)
	return NewEmit(id, compilerOrDefault(reg), message)
}

func (e *Emit) ID() string {
	return e.id
}

func (e *Emit) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	globals, err := scriptGlobals(ctx, input)
	if err != nil {
		return nil, err
	}
	text, err := e.template.Eval(ctx, globals)
	if err != nil {
		return nil, err
	}
	ctx.Emit(stepflow.Text(text))
	return input, nil
}
