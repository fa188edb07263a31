package stepflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stepflow/retry"
)

func TestExecutorErrorWrapping(t *testing.T) {
	err := NewExecutorError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	originalErr := errors.New("network connection failed")
	wrappedErr := &ExecutorError{
		Type:       ErrorTypeExecutorFailed,
		Cause:      originalErr.Error(),
		ExecutorID: "fetch",
		Wrapped:    originalErr,
	}
	require.Equal(t, "executor fetch: executor_failed: network connection failed", wrappedErr.Error())
	require.True(t, errors.Is(wrappedErr, originalErr))
	require.True(t, errors.Is(wrappedErr, ErrExecutorFailure))

	var eErr *ExecutorError
	require.True(t, errors.As(fmt.Errorf("outer: %w", wrappedErr), &eErr))
	require.Equal(t, "fetch", eErr.ExecutorID)
}

func TestStorageError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("write", "run_1", cause)
	require.True(t, errors.Is(err, ErrStorageFailure))
	require.True(t, errors.Is(err, cause))
	require.Contains(t, err.Error(), "run_1")

	// Wrapping twice keeps the original operation.
	again := NewStorageError("commit", "run_1", err)
	var sErr *StorageError
	require.True(t, errors.As(again, &sErr))
	require.Equal(t, "write", sErr.Op)

	require.Nil(t, NewStorageError("write", "run_1", nil))
}

func TestErrorClassification(t *testing.T) {
	classified := ClassifyError(context.DeadlineExceeded)
	require.Equal(t, ErrorTypeTimeout, classified.Type)
	require.True(t, errors.Is(classified, context.DeadlineExceeded))

	classified = ClassifyError(fmt.Errorf("stopped: %w", ErrCancellationRequested))
	require.Equal(t, ErrorTypeCancelled, classified.Type)

	genericErr := errors.New("something went wrong")
	classified = ClassifyError(genericErr)
	require.Equal(t, ErrorTypeExecutorFailed, classified.Type)
	require.True(t, errors.Is(classified, genericErr))

	original := NewExecutorError(ErrorTypeFatal, "runtime error")
	require.Equal(t, original, ClassifyError(original))
}

func TestErrorMatching(t *testing.T) {
	timeoutErr := NewExecutorError(ErrorTypeTimeout, "timeout")
	taskErr := NewExecutorError(ErrorTypeExecutorFailed, "task failed")
	fatalErr := NewExecutorError(ErrorTypeFatal, "fatal error")
	cancelErr := ClassifyError(context.Canceled)

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeTimeout))
	require.False(t, MatchesErrorType(timeoutErr, ErrorTypeExecutorFailed))

	require.True(t, MatchesErrorType(timeoutErr, ErrorTypeAll))
	require.True(t, MatchesErrorType(taskErr, ErrorTypeAll))
	require.False(t, MatchesErrorType(fatalErr, ErrorTypeAll), "Fatal error should not match ErrorTypeAll")

	require.True(t, MatchesErrorType(taskErr, ErrorTypeExecutorFailed))
	require.False(t, MatchesErrorType(cancelErr, ErrorTypeExecutorFailed))
	require.True(t, MatchesErrorType(cancelErr, ErrorTypeCancelled))
}

func TestCancellationIsNeverRetried(t *testing.T) {
	wrapped := retry.NewRecoverableError(fmt.Errorf("fetch: %w", ErrCancellationRequested))
	require.False(t, retry.IsRecoverable(wrapped))

	attempts := 0
	err := retry.Do(context.Background(), func() error {
		attempts++
		return wrapped
	}, retry.WithMaxRetries(3), retry.WithBaseWait(time.Millisecond))
	require.ErrorIs(t, err, ErrCancellationRequested)
	require.Equal(t, 1, attempts)
}
