package stepflow

import "context"

// NullInvocationLogger discards all entries
type NullInvocationLogger struct{}

// NewNullInvocationLogger returns a logger that records nothing
func NewNullInvocationLogger() *NullInvocationLogger {
	return &NullInvocationLogger{}
}

func (l *NullInvocationLogger) LogInvocation(ctx context.Context, entry *InvocationLogEntry) error {
	return nil
}

func (l *NullInvocationLogger) GetInvocationHistory(ctx context.Context, runID string) ([]*InvocationLogEntry, error) {
	return nil, nil
}
