// Package api exposes the session and library surface over HTTP. Lifecycle
// preconditions are enforced by the controller; this layer only translates
// its errors to status codes.
package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/actors"
	"github.com/stagecall/backend/internal/app"
	"github.com/stagecall/backend/internal/identity"
	"github.com/stagecall/backend/internal/middleware"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/session"
	"github.com/stagecall/backend/pkg/response"
	"github.com/stagecall/backend/pkg/storage"
)

// RoleRequest is the body for POST /role.
type RoleRequest struct {
	Role models.Role `json:"role" binding:"required"`
}

// StartSessionRequest is the body for POST /sessions/start.
type StartSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

// Handler serves the orchestrated per-identity API.
type Handler struct {
	registry *app.Registry
	provider identity.Provider
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates the API handler. s3 may be nil; download URLs then
// report service unavailable.
func NewHandler(registry *app.Registry, provider identity.Provider, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, provider: provider, s3: s3, logger: logger}
}

// orchestrator resolves the caller's orchestrator from the JWT claims set
// by the middleware.
func (h *Handler) orchestrator(c *gin.Context) (*app.Orchestrator, bool) {
	idVal, ok := c.Get(middleware.ContextUserID)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return nil, false
	}
	id, ok := idVal.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "invalid user context")
		return nil, false
	}
	handle := &identity.Handle{
		ID:        id,
		Email:     c.GetString(middleware.ContextUserEmail),
		Anonymous: c.GetBool(middleware.ContextAnonymous),
	}
	return h.registry.GetOrCreate(handle), true
}

// SelectRole handles POST /role.
func (h *Handler) SelectRole(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := o.SelectRole(c.Request.Context(), req.Role); err != nil {
		if errors.Is(err, models.ErrInvalidRole) {
			response.BadRequest(c, "unknown role")
			return
		}
		response.ServiceUnavailable(c, "library unavailable")
		return
	}
	response.OK(c, o.State())
}

// State handles GET /state.
func (h *Handler) State(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	response.OK(c, o.State())
}

// Library handles GET /library.
func (h *Handler) Library(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	response.OK(c, gin.H{"role": o.State().Role, "records": o.Library()})
}

// StartSession handles POST /sessions/start.
func (h *Handler) StartSession(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := o.StartSession(c.Request.Context(), req.Title); err != nil {
		switch {
		case errors.Is(err, app.ErrNoRole):
			response.BadRequest(c, "select a role first")
		case errors.Is(err, session.ErrInvalidState):
			response.Conflict(c, "a session is already in progress")
		case errors.Is(err, actors.ErrNoActorAvailable):
			response.ServiceUnavailable(c, "no actor available")
		default:
			h.logger.Error("start session", zap.Error(err))
			response.Internal(c, "failed to start session")
		}
		return
	}
	response.Created(c, o.State())
}

// Pay handles POST /sessions/pay.
func (h *Handler) Pay(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	if err := o.Pay(); err != nil {
		response.Conflict(c, "payment not valid in current state")
		return
	}
	response.OK(c, o.State())
}

// StartRecording handles POST /sessions/recording/start.
func (h *Handler) StartRecording(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	if err := o.StartRecording(); err != nil {
		switch {
		case errors.Is(err, session.ErrNotPaid):
			response.Conflict(c, "payment required before recording")
		case errors.Is(err, session.ErrNoCaptureStream):
			response.Conflict(c, "camera not ready")
		default:
			response.Conflict(c, "recording not valid in current state")
		}
		return
	}
	response.OK(c, o.State())
}

// StopRecording handles POST /sessions/recording/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	rec, err := o.StopRecording(c.Request.Context())
	if err != nil {
		if errors.Is(err, session.ErrInvalidState) {
			response.Conflict(c, "no recording in progress")
			return
		}
		h.logger.Error("finalize session", zap.Error(err))
		response.Internal(c, "could not save your session")
		return
	}
	response.OK(c, rec)
}

// Logout handles POST /logout: tears the orchestrator down and announces
// the sign-out.
func (h *Handler) Logout(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	handle := o.Identity()
	h.registry.Remove(handle.ID)
	h.provider.SignOut(handle)
	response.NoContent(c)
}

// DownloadURL handles GET /sessions/:id/download-url: a pre-signed link to
// the session's uploaded media. The record must be visible in the caller's
// current projection.
func (h *Handler) DownloadURL(c *gin.Context) {
	o, ok := h.orchestrator(c)
	if !ok {
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}

	var rec *models.SessionRecord
	for _, r := range o.Library() {
		if r.ID == sessionID {
			rec = &r
			break
		}
	}
	if rec == nil {
		response.NotFound(c, "session not found")
		return
	}

	key := storage.RecordingKey(rec.CustomerID.String(), rec.ID.String())
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), key, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign download", zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_sec": int(h.s3.PresignExpire().Seconds())})
}
