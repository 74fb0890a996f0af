package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Policy defines how failed calls to an external engine are retried.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	// AttemptTimeout bounds a single call. Zero means no per-call deadline.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 5 * time.Minute,
	}
}

// Backoff returns the wait before retry number n, starting at zero.
func (p Policy) Backoff(n int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < n; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// ExhaustedError is returned once all attempts failed or a permanent
// error stopped the loop early.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type transient interface {
	Transient() bool
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

type options struct {
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, err error, wait time.Duration)
}

type Option func(*options)

// WithSleep replaces the wait between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// WithOnRetry is called before every wait.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do calls fn until it succeeds, returns a permanent error, or the policy
// runs out of attempts. Every attempt gets its own deadline when the policy
// sets AttemptTimeout; hitting that deadline counts as transient while the
// parent context is still alive.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{sleep: sleep}
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return &ExhaustedError{Attempts: attempt - 1, Err: lastErr}
		}

		lastErr = call(ctx, p.AttemptTimeout, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(lastErr) || attempt == maxAttempts {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}

		wait := p.Backoff(attempt - 1)
		if o.onRetry != nil {
			o.onRetry(attempt, lastErr, wait)
		}
		if err := o.sleep(ctx, wait); err != nil {
			return &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
	}

	return &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
