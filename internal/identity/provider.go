// Package identity resolves caller identities. Provisioning (account
// creation, credential storage) is a supporting concern; the rest of the
// app consumes only the Provider contract.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAuthUnavailable wraps transient auth failures; callers retry these
// with backoff before surfacing a blocking error state.
var ErrAuthUnavailable = errors.New("identity: auth unavailable")

// Handle is a resolved caller identity.
type Handle struct {
	ID        uuid.UUID
	Email     string
	Anonymous bool
}

// ChangeFunc receives the current handle on every identity change, or nil
// when the identity signs out. It may fire multiple times.
type ChangeFunc func(h *Handle)

// Provider resolves anonymous or token-based identities.
type Provider interface {
	SignInAnonymous(ctx context.Context) (*Handle, error)
	SignInWithToken(ctx context.Context, token string) (*Handle, error)
	SignOut(h *Handle)
	OnIdentityChange(fn ChangeFunc)
}

// Service is the JWT-backed Provider. Anonymous sign-in mints a fresh
// identity; token sign-in validates a JWT issued by this service's own
// auth endpoints.
type Service struct {
	tokens *TokenService
	logger *zap.Logger

	mu        sync.Mutex
	listeners []ChangeFunc
}

// NewService creates the identity provider.
func NewService(tokens *TokenService, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tokens: tokens, logger: logger}
}

// SignInAnonymous mints a fresh anonymous identity.
func (s *Service) SignInAnonymous(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrAuthUnavailable, err)
	}
	h := &Handle{ID: uuid.New(), Anonymous: true}
	s.logger.Debug("anonymous sign-in", zap.String("identity", h.ID.String()))
	s.notify(h)
	return h, nil
}

// SignInWithToken resolves the identity carried by a valid token.
func (s *Service) SignInWithToken(ctx context.Context, token string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrAuthUnavailable, err)
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	h := &Handle{ID: claims.UserID, Email: claims.Email, Anonymous: claims.Anonymous}
	s.notify(h)
	return h, nil
}

// SignOut announces that the identity is gone. Listeners receive nil.
func (s *Service) SignOut(h *Handle) {
	if h == nil {
		return
	}
	s.logger.Debug("sign-out", zap.String("identity", h.ID.String()))
	s.notify(nil)
}

// OnIdentityChange registers a listener for identity changes.
func (s *Service) OnIdentityChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) notify(h *Handle) {
	s.mu.Lock()
	listeners := make([]ChangeFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(h)
	}
}
