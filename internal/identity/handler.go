package identity

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/pkg/response"
	"github.com/stagecall/backend/pkg/utils"
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"full_name" binding:"required"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT and resolved identity.
type TokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// UserStore is the user persistence consumed by the auth endpoints.
// Implemented by Repository.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, email, passwordHash, fullName string) (*models.User, error)
}

// Handler handles auth HTTP endpoints. Every sign-in goes through Resolve,
// so transient provider failures are retried with backoff before the caller
// sees the blocking error.
type Handler struct {
	repo          UserStore
	tokens        *TokenService
	provider      Provider
	logger        *zap.Logger
	retryAttempts int
	retryBase     time.Duration
}

// NewHandler creates an identity handler. repo may be nil in storeless mode;
// register/login then report service unavailable.
func NewHandler(repo UserStore, tokens *TokenService, provider Provider, logger *zap.Logger, retryAttempts int, retryBase time.Duration) *Handler {
	if retryAttempts < 1 {
		retryAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Handler{
		repo:          repo,
		tokens:        tokens,
		provider:      provider,
		logger:        logger,
		retryAttempts: retryAttempts,
		retryBase:     retryBase,
	}
}

// Anonymous handles POST /auth/anonymous: mints a fresh anonymous identity
// and its token.
func (h *Handler) Anonymous(c *gin.Context) {
	handle, err := Resolve(c.Request.Context(), h.provider, "", h.retryAttempts, h.retryBase)
	if err != nil {
		h.logger.Warn("anonymous sign-in failed", zap.Error(err))
		response.ServiceUnavailable(c, "anonymous sign-in unavailable")
		return
	}
	token, err := h.tokens.Generate(handle.ID, "", true)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, TokenResponse{Token: token, UserID: handle.ID.String(), Anonymous: true})
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	if h.repo == nil {
		response.ServiceUnavailable(c, "registration requires a database")
		return
	}
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	if _, err := h.repo.GetByEmail(c.Request.Context(), req.Email); err == nil {
		response.BadRequest(c, "email already registered")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Email, hash, req.FullName)
	if err != nil {
		// The pre-check races with concurrent registrations; the unique
		// constraint is the authority.
		if errors.Is(err, ErrEmailTaken) {
			response.BadRequest(c, "email already registered")
			return
		}
		h.logger.Error("create user", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	token, ok := h.signIn(c, user.ID, user.Email)
	if !ok {
		return
	}
	response.Created(c, TokenResponse{Token: token, UserID: user.ID.String(), Email: user.Email})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	if h.repo == nil {
		response.ServiceUnavailable(c, "login requires a database")
		return
	}
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		response.Unauthorized(c, "invalid email or password")
		return
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, ok := h.signIn(c, user.ID, user.Email)
	if !ok {
		return
	}
	response.OK(c, TokenResponse{Token: token, UserID: user.ID.String(), Email: user.Email})
}

// signIn issues a token and announces the sign-in through the provider with
// retry, so change listeners fire for credential sign-ins too. Writes the
// error response itself on failure.
func (h *Handler) signIn(c *gin.Context, userID uuid.UUID, email string) (string, bool) {
	token, err := h.tokens.Generate(userID, email, false)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return "", false
	}
	if _, err := Resolve(c.Request.Context(), h.provider, token, h.retryAttempts, h.retryBase); err != nil {
		h.logger.Warn("sign-in announcement failed", zap.Error(err))
		response.ServiceUnavailable(c, "sign-in unavailable")
		return "", false
	}
	return token, true
}
