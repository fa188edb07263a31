package stepflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/stepflow/state"
)

var (
	// ErrScopeNotFound is returned when state is written to an unknown scope.
	ErrScopeNotFound = state.ErrScopeNotFound

	// ErrStorageFailure matches any checkpoint persistence failure.
	ErrStorageFailure = errors.New("stepflow: storage failure")

	// ErrExecutorFailure matches any failure returned by an executor.
	ErrExecutorFailure = errors.New("stepflow: executor failure")

	// ErrCancellationRequested is the cause attached to a run's context when
	// the run is cancelled. It marks a terminal status, not a fault.
	ErrCancellationRequested error = &cancellationError{msg: "stepflow: cancellation requested"}

	// ErrDuplicateRequestAnswer is returned when a pending request has
	// already been answered.
	ErrDuplicateRequestAnswer = errors.New("stepflow: duplicate request answer")

	// ErrRequestNotFound is returned when answering an unknown request.
	ErrRequestNotFound = errors.New("stepflow: request not found")

	// ErrRunNotFound is returned for operations on an unknown run.
	ErrRunNotFound = errors.New("stepflow: run not found")

	// ErrRunActive is returned when starting or resuming a run that is
	// already live in the orchestrator.
	ErrRunActive = errors.New("stepflow: run already active")

	// ErrRunExists is returned when starting a run whose id already has
	// checkpoints. Use Resume instead.
	ErrRunExists = errors.New("stepflow: run already exists")

	// ErrSubworkflowSuspended is returned when a sub-workflow stops to wait
	// for external input, which nested runs do not support.
	ErrSubworkflowSuspended = errors.New("stepflow: sub-workflow cannot wait for external input")

	// ErrCheckpointNotFound is returned when a run has no checkpoint.
	ErrCheckpointNotFound = errors.New("stepflow: checkpoint not found")

	// ErrInvalidHandoff is returned when an executor hands off to a target
	// that is not one of its declared handoff targets.
	ErrInvalidHandoff = errors.New("stepflow: invalid handoff")
)

// cancellationError is the type of ErrCancellationRequested. It satisfies
// retry.Cancellation so retry wrappers stop instead of retrying a
// cancelled run.
type cancellationError struct {
	msg string
}

func (e *cancellationError) Error() string        { return e.msg }
func (e *cancellationError) IsCancellation() bool { return true }

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeExecutorFailed matches any error except timeouts, cancellation
	// and fatal errors
	ErrorTypeExecutorFailed = "executor_failed"

	// ErrorTypeTimeout matches an executor that ran past its deadline
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCancelled matches an executor interrupted by run cancellation
	ErrorTypeCancelled = "cancelled"

	// ErrorTypeFatal indicates an error that must not be retried by
	// caller-composed retry wrappers.
	ErrorTypeFatal = "fatal_error"
)

// StorageError describes a failed checkpoint store operation.
type StorageError struct {
	Op    string
	RunID string
	Err   error
}

func (e *StorageError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("stepflow: storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("stepflow: storage %s (run %s): %v", e.Op, e.RunID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorageFailure) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// NewStorageError wraps err as a StorageError unless it already is one.
func NewStorageError(op, runID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StorageError
	if errors.As(err, &existing) {
		return err
	}
	return &StorageError{Op: op, RunID: runID, Err: err}
}

// ExecutorError represents a classified failure of a single executor
// invocation. It supports Go's error wrapping patterns.
type ExecutorError struct {
	Type       string `json:"type"`
	Cause      string `json:"cause"`
	ExecutorID string `json:"executor_id,omitempty"`
	Superstep  int    `json:"superstep"`
	Details    any    `json:"details,omitempty"`
	Wrapped    error  `json:"-"`
}

func (e *ExecutorError) Error() string {
	if e.ExecutorID == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Cause)
	}
	return fmt.Sprintf("executor %s: %s: %s", e.ExecutorID, e.Type, e.Cause)
}

func (e *ExecutorError) Unwrap() error {
	return e.Wrapped
}

// Is lets errors.Is(err, ErrExecutorFailure) match any ExecutorError.
func (e *ExecutorError) Is(target error) bool {
	return target == ErrExecutorFailure
}

// NewExecutorError creates a new ExecutorError with the specified type and
// cause. The type can be any user-defined string e.g. "network-error".
func NewExecutorError(errorType, cause string) *ExecutorError {
	return &ExecutorError{Type: errorType, Cause: cause}
}

// ClassifyError converts an arbitrary executor error into an ExecutorError.
func ClassifyError(err error) *ExecutorError {
	var executorErr *ExecutorError
	if errors.As(err, &executorErr) {
		return executorErr
	}
	switch {
	case errors.Is(err, ErrCancellationRequested), errors.Is(err, context.Canceled):
		return &ExecutorError{Type: ErrorTypeCancelled, Cause: err.Error(), Wrapped: err}
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return &ExecutorError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &ExecutorError{Type: ErrorTypeExecutorFailed, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	eErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if eErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeExecutorFailed:
		return eErr.Type != ErrorTypeTimeout && eErr.Type != ErrorTypeCancelled
	default:
		return eErr.Type == errorType
	}
}
