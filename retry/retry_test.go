package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewNonRecoverableError(errors.New("bad input"))
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, "bad input", err.Error())
	assert.Equal(t, 1, count)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("service unavailable"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("timeout"))
	}, WithMaxRetries(5), WithBaseWait(time.Hour))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

type stopped struct{}

func (stopped) Error() string        { return "run stopped" }
func (stopped) IsCancellation() bool { return true }

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: true},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: true},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "cancellation cause", err: fmt.Errorf("executor: %w", stopped{}), want: false},
		{name: "recoverable cancellation", err: NewRecoverableError(stopped{}), want: false},
		{name: "message text is not enough", err: errors.New("502 bad gateway"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(tt.err))
		})
	}
}

func TestRetryStopsOnCancellationCause(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewRecoverableError(stopped{})
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.ErrorIs(t, err, stopped{})
	assert.Equal(t, 1, count)
}

func TestRetryReportsCauseAndLastError(t *testing.T) {
	errBusy := errors.New("busy")
	ctx, cancel := context.WithCancelCause(context.Background())
	err := Do(ctx, func() error {
		cancel(stopped{})
		return NewRecoverableError(errBusy)
	}, WithMaxRetries(5), WithBaseWait(time.Hour))
	assert.ErrorIs(t, err, stopped{})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, "run stopped: busy", err.Error())
}
