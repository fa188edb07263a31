package executors

import (
	"fmt"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// PromptRequest is the payload of the request a Prompt raises
type PromptRequest struct {
	Prompt string      `json:"prompt"`
	Input  state.Value `json:"input,omitempty"`
}

// Prompt asks for external input. Its first invocation renders the prompt
// template, streams it as text and raises a request; the executor then
// suspends. When the answer arrives the answer becomes its output and, if
// a state key is configured, is stored in state.
type Prompt struct {
	id       string
	template *script.Template
	stateKey string
}

// PromptOption configures a Prompt
type PromptOption func(*Prompt)

// WithStateKey stores each answer in state under key
func WithStateKey(key string) PromptOption {
	return func(p *Prompt) { p.stateKey = key }
}

// NewPrompt returns a prompt executor. The template may reference input
// and state with ${...} expressions.
func NewPrompt(id string, compiler script.Compiler, template string, opts ...PromptOption) (*Prompt, error) {
	if template == "" {
		return nil, fmt.Errorf("prompt executor %q requires a prompt", id)
	}
	t, err := script.NewTemplate(compiler, template)
	if err != nil {
		return nil, err
	}
	p := &Prompt{id: id, template: t}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type promptParams struct {
	Prompt   string `json:"prompt"`
	StateKey string `json:"state_key"`
}

func newPromptFromConfig(id string, config map[string]any, reg *stepflow.Registry) (stepflow.Executor, error) {
	var params promptParams
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	var opts []PromptOption
	if params.StateKey != "" {
		opts = append(opts, WithStateKey(params.StateKey))
	}
	return NewPrompt(id, compilerOrDefault(reg), params.Prompt, opts...)
}

func (p *Prompt) ID() string {
	return p.id
}

func (p *Prompt) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	if ctx.RequestID() != "" {
		if p.stateKey != "" {
			if err := ctx.Set(p.stateKey, input); err != nil {
				return nil, err
			}
		}
		return input, nil
	}
	text, err := p.render(ctx, input)
	if err != nil {
		return nil, err
	}
	ctx.Emit(stepflow.Text(text))
	requestID, err := ctx.RequestInput(PromptRequest{Prompt: text, Input: input})
	if err != nil {
		return nil, err
	}
	ctx.Logger().Info("awaiting input", "request_id", requestID)
	return nil, nil
}

func (p *Prompt) render(ctx stepflow.Context, input state.Value) (string, error) {
	globals, err := scriptGlobals(ctx, input)
	if err != nil {
		return "", err
	}
	return p.template.Eval(ctx, globals)
}
