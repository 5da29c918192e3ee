package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stagecall/backend/pkg/retry"
)

// ErrAuthBlocked marks a sign-in that exhausted its retries. Callers treat
// it as a blocking error state until the user retries explicitly.
var ErrAuthBlocked = errors.New("identity: sign-in blocked after retries")

// Resolve signs in with backoff: anonymous when token is empty, token-based
// otherwise. Transient failures are retried with doubling delays; a bad
// token is permanent and returned immediately.
func Resolve(ctx context.Context, p Provider, token string, attempts int, base time.Duration) (*Handle, error) {
	var h *Handle
	err := retry.Do(ctx, attempts, base, func() error {
		var err error
		if token == "" {
			h, err = p.SignInAnonymous(ctx)
		} else {
			h, err = p.SignInWithToken(ctx, token)
		}
		if err != nil && !errors.Is(err, ErrAuthUnavailable) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAuthUnavailable) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrAuthBlocked, err)
		}
		return nil, err
	}
	return h, nil
}
