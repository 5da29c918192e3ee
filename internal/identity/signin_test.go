package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// flakyProvider fails sign-in with a transient error until failures runs out.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyProvider) SignInAnonymous(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, fmt.Errorf("%w: backend down", ErrAuthUnavailable)
	}
	return &Handle{ID: uuid.New(), Anonymous: true}, nil
}

func (p *flakyProvider) SignInWithToken(ctx context.Context, token string) (*Handle, error) {
	if token != "good" {
		return nil, ErrInvalidToken
	}
	return p.SignInAnonymous(ctx)
}

func (p *flakyProvider) SignOut(h *Handle)          {}
func (p *flakyProvider) OnIdentityChange(ChangeFunc) {}

func TestResolveRetriesTransientFailures(t *testing.T) {
	p := &flakyProvider{failures: 2}
	h, err := Resolve(context.Background(), p, "", 3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if h == nil || !h.Anonymous {
		t.Fatalf("expected anonymous handle, got %+v", h)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls)
	}
}

func TestResolveBlocksAfterExhaustion(t *testing.T) {
	p := &flakyProvider{failures: 10}
	_, err := Resolve(context.Background(), p, "", 3, time.Millisecond)
	if !errors.Is(err, ErrAuthBlocked) {
		t.Fatalf("expected ErrAuthBlocked, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", p.calls)
	}
}

func TestResolveDoesNotRetryBadToken(t *testing.T) {
	p := &flakyProvider{}
	_, err := Resolve(context.Background(), p, "forged", 3, time.Millisecond)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if p.calls != 0 {
		t.Fatalf("bad token must fail on the first attempt, got %d anonymous calls", p.calls)
	}
}

func TestResolveWithValidToken(t *testing.T) {
	p := &flakyProvider{failures: 1}
	h, err := Resolve(context.Background(), p, "good", 2, time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if h == nil {
		t.Fatal("expected a handle")
	}
}
