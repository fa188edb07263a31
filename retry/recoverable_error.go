package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// RecoverableError is implemented by errors that say for themselves whether
// a retry may succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// Cancellation is implemented by errors that mark a deliberate stop, such
// as a run being cancelled. They are never retried, even when wrapped in a
// RecoverableError.
type Cancellation interface {
	error
	IsCancellation() bool
}

// IsRecoverable reports whether err may succeed on retry. Errors that
// implement RecoverableError decide for themselves. Otherwise deadlines,
// network timeouts, refused and reset connections are recoverable and
// everything else is not.
func IsRecoverable(err error) bool {
	if err == nil || isCancellation(err) {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return isTransient(err)
}

func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var c Cancellation
	return errors.As(err, &c) && c.IsCancellation()
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string {
	return e.err.Error()
}

func (e *recoverableError) IsRecoverable() bool {
	return true
}

func (e *recoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError marks err as worth retrying.
func NewRecoverableError(err error) error {
	return &recoverableError{err: err}
}

// NonRecoverableError represents an error that should not be retried
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string {
	return e.err.Error()
}

func (e *NonRecoverableError) IsRecoverable() bool {
	return false
}

func (e *NonRecoverableError) Unwrap() error {
	return e.err
}

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
