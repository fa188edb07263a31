package executors

import (
	"fmt"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Fail always fails with a configurable message
type Fail struct {
	id      string
	message string
}

func NewFail(id, message string) *Fail {
	if message == "" {
		message = "intentional failure"
	}
	return &Fail{id: id, message: message}
}

func newFailFromConfig(id string, config map[string]any, _ *stepflow.Registry) (stepflow.Executor, error) {
	message, _ := config["message"].(string)
	return NewFail(id, message), nil
}

func (f *Fail) ID() string {
	return f.id
}

func (f *Fail) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	return nil, fmt.Errorf("fail executor: %s", f.message)
}
