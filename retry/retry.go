package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do
type Option func(*config)

// WithMaxRetries sets the number of retries after the first attempt
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the delay before the first retry
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the delay between retries
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retry budget is spent, or ctx is done. Unless ctx ends first, the last
// error from fn is returned as-is. When it does, the returned error wraps
// both the context cause and the last error from fn.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := config{maxRetries: 3, baseWait: 500 * time.Millisecond, maxWait: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxRetries < 0 {
		cfg.maxRetries = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.baseWait
	exp.MaxInterval = cfg.maxWait
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.maxRetries)), ctx)

	var last error
	err := backoff.Retry(func() error {
		err := fn()
		last = err
		if err != nil && !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) && last != nil && !errors.Is(last, cerr) {
		return fmt.Errorf("%w: %w", context.Cause(ctx), last)
	}
	return err
}
