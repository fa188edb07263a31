package executors

import (
	"fmt"
	"time"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/state"
)

// Wait delays for a fixed duration and passes its input through. It stops
// early when the run is cancelled.
type Wait struct {
	id       string
	duration time.Duration
}

func NewWait(id string, duration time.Duration) *Wait {
	return &Wait{id: id, duration: duration}
}

func newWaitFromConfig(id string, config map[string]any, _ *stepflow.Registry) (stepflow.Executor, error) {
	d, err := parseDuration(config["duration"])
	if err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}
	return NewWait(id, d), nil
}

func (w *Wait) ID() string {
	return w.id
}

func (w *Wait) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	if w.duration > 0 {
		timer := time.NewTimer(w.duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	ctx.Logger().Debug("waited", "duration", w.duration)
	return input, nil
}
