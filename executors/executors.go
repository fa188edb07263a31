// Package executors provides general purpose stepflow executors and their
// YAML registrations.
package executors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stepflow"
)

// Register adds the executor types of this package to reg: wait, prompt,
// script, emit, fail, http and select.
func Register(reg *stepflow.Registry) *stepflow.Registry {
	return reg.
		RegisterType("wait", newWaitFromConfig).
		RegisterType("prompt", newPromptFromConfig).
		RegisterType("script", newScriptFromConfig).
		RegisterType("emit", newEmitFromConfig).
		RegisterType("fail", newFailFromConfig).
		RegisterType("http", newHTTPFromConfig).
		RegisterType("select", newSelectFromConfig)
}

// decodeConfig copies a YAML config map into a typed params struct.
func decodeConfig(config map[string]any, into any) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// parseDuration accepts a duration string or a number of seconds.
func parseDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, fmt.Errorf("duration is required")
	case string:
		duration, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %w", err)
		}
		return duration, nil
	case time.Duration:
		return d, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	default:
		return 0, fmt.Errorf("duration must be a string or a number of seconds")
	}
}
