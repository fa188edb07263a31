package stepflow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/stepflow/state"
)

// InvocationLogEntry records one executor invocation
type InvocationLogEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	ExecutorID string         `json:"executor_id"`
	Superstep  int            `json:"superstep"`
	RequestID  string         `json:"request_id,omitempty"`
	Input      state.Value    `json:"input,omitempty"`
	Output     state.Value    `json:"output,omitempty"`
	Status     ExecutorStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   float64        `json:"duration"`
}

// InvocationLogger is an audit trail of executor invocations
type InvocationLogger interface {
	// LogInvocation records a finished invocation
	LogInvocation(ctx context.Context, entry *InvocationLogEntry) error

	// GetInvocationHistory retrieves the invocation log for a run
	GetInvocationHistory(ctx context.Context, runID string) ([]*InvocationLogEntry, error)
}
