package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Do runs fn up to attempts times, sleeping between tries with a doubling
// delay starting at base. It stops early when fn succeeds, ctx is done, or
// fn returns a Permanent error. The last error is returned after the final
// attempt.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry canceled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// Permanent wraps an error that must not be retried; Do returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
