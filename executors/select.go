package executors

import (
	"fmt"

	"github.com/ohler55/ojg/jp"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/state"
)

// SelectConfig configures a Select executor
type SelectConfig struct {
	// Path is a JSONPath expression such as "$.items[0].name"
	Path string `json:"path"`
	// Default is the output when the path matches nothing
	Default any `json:"default"`
	// StateKey, when set, also stores the selected value in state
	StateKey string `json:"state_key"`
}

// Select extracts a value from its input with a JSONPath expression. A
// single match is output as-is and several matches as a list. No match
// outputs Default, or fails when there is no default.
type Select struct {
	id     string
	config SelectConfig
	path   jp.Expr
}

func NewSelect(id string, config SelectConfig) (*Select, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("select executor %q requires a path", id)
	}
	path, err := jp.ParseString(config.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", config.Path, err)
	}
	return &Select{id: id, config: config, path: path}, nil
}

func newSelectFromConfig(id string, config map[string]any, _ *stepflow.Registry) (stepflow.Executor, error) {
	var params SelectConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	return NewSelect(id, params)
}

func (s *Select) ID() string {
	return s.id
}

func (s *Select) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	data, err := input.Interface()
	if err != nil {
		return nil, err
	}

	var result any
	switch results := s.path.Get(data); len(results) {
	case 0:
		if s.config.Default == nil {
			return nil, stepflow.NewExecutorError(stepflow.ErrorTypeFatal,
				fmt.Sprintf("JSONPath '%s' returned no results", s.config.Path))
		}
		result = s.config.Default
	case 1:
		result = results[0]
	default:
		result = results
	}

	if s.config.StateKey != "" {
		if err := ctx.Set(s.config.StateKey, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}
