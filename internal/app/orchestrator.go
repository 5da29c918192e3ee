// Package app wires one authenticated identity to its session controller
// and library synchronizer, and holds the registry of live identities.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/capture"
	"github.com/stagecall/backend/internal/identity"
	"github.com/stagecall/backend/internal/library"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/session"
	"github.com/stagecall/backend/pkg/retry"
)

// Notifier pushes events to every connected device of an identity.
type Notifier interface {
	Notify(identityID uuid.UUID, event string, payload interface{})
}

// Event names pushed over the realtime channel.
const (
	EventLibraryUpdated   = "library_updated"
	EventSessionCompleted = "session_completed"
	EventError            = "error"
)

// ErrNoRole rejects session actions before a role has been selected.
var ErrNoRole = errors.New("app: no role selected")

// StateView is the full per-identity state snapshot served to clients.
type StateView struct {
	Identity     uuid.UUID              `json:"identity"`
	Anonymous    bool                   `json:"anonymous"`
	Role         models.Role            `json:"role,omitempty"`
	State        session.State          `json:"state"`
	Session      *session.View          `json:"session,omitempty"`
	Library      []models.SessionRecord `json:"library"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Orchestrator coordinates one identity's role selection, session lifecycle,
// and library projection. A single error-message slot carries the latest
// user-visible failure; it is overwritten by newer failures and cleared on
// the next successful finalize or logout.
type Orchestrator struct {
	handle        *identity.Handle
	controller    *session.Controller
	library       *library.Synchronizer
	notifier      Notifier
	logger        *zap.Logger
	retryAttempts int
	retryBase     time.Duration

	mu     sync.Mutex
	role   models.Role
	errMsg string
}

func newOrchestrator(h *identity.Handle, ctrl *session.Controller, lib *library.Synchronizer, notifier Notifier, logger *zap.Logger, retryAttempts int, retryBase time.Duration) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryAttempts < 1 {
		retryAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	o := &Orchestrator{
		handle:        h,
		controller:    ctrl,
		library:       lib,
		notifier:      notifier,
		logger:        logger,
		retryAttempts: retryAttempts,
		retryBase:     retryBase,
	}
	ctrl.SetOnDeviceError(func(err error) {
		o.setError("camera unavailable")
	})
	lib.SetOnUpdate(func(role models.Role, records []models.SessionRecord) {
		o.notify(EventLibraryUpdated, map[string]interface{}{
			"role":    role,
			"records": records,
		})
	})
	return o
}

// Identity returns the identity this orchestrator serves.
func (o *Orchestrator) Identity() *identity.Handle { return o.handle }

// SelectRole activates the given role's library projection. Re-selecting
// restarts the projection from empty. Subscription establishment is a
// transient store operation and gets the same bounded backoff as finalize.
func (o *Orchestrator) SelectRole(ctx context.Context, role models.Role) error {
	if !role.Valid() {
		return models.ErrInvalidRole
	}
	err := retry.Do(ctx, o.retryAttempts, o.retryBase, func() error {
		return o.library.Start(role)
	})
	if err != nil {
		o.setError("library unavailable")
		return err
	}
	o.mu.Lock()
	o.role = role
	o.mu.Unlock()
	o.logger.Info("role selected", zap.String("identity", o.handle.ID.String()), zap.String("role", string(role)))
	return nil
}

// StartSession begins a new session for this identity as the customer.
func (o *Orchestrator) StartSession(ctx context.Context, title string) error {
	if o.currentRole() == "" {
		return ErrNoRole
	}
	return o.controller.StartSession(ctx, o.handle.ID, title)
}

// Pay confirms payment for the in-flight session.
func (o *Orchestrator) Pay() error { return o.controller.Pay() }

// StartRecording begins recording on the in-flight session.
func (o *Orchestrator) StartRecording() error { return o.controller.StartRecording() }

// StopRecording finalizes the in-flight session. Persistence failures load
// the error slot; lifecycle misuse does not.
func (o *Orchestrator) StopRecording(ctx context.Context) (*models.SessionRecord, error) {
	rec, err := o.controller.StopRecording(ctx)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidState) {
			o.setError("could not save your session")
		}
		return nil, err
	}
	return rec, nil
}

// finalized runs after a record is persisted: clears the error slot and
// pushes the completed record to the identity's devices.
func (o *Orchestrator) finalized(rec models.SessionRecord, _ *capture.Stream) {
	o.mu.Lock()
	o.errMsg = ""
	o.mu.Unlock()
	o.notify(EventSessionCompleted, rec)
}

// Logout cancels any in-flight session, stops the projection, and clears
// role and error state. Idempotent.
func (o *Orchestrator) Logout() {
	o.controller.Cancel()
	o.library.Stop()
	o.mu.Lock()
	o.role = ""
	o.errMsg = ""
	o.mu.Unlock()
	o.logger.Info("logged out", zap.String("identity", o.handle.ID.String()))
}

// State returns the full snapshot served on GET /state.
func (o *Orchestrator) State() StateView {
	st, view := o.controller.Snapshot()
	o.mu.Lock()
	role := o.role
	errMsg := o.errMsg
	o.mu.Unlock()
	return StateView{
		Identity:     o.handle.ID,
		Anonymous:    o.handle.Anonymous,
		Role:         role,
		State:        st,
		Session:      view,
		Library:      o.library.Projection(),
		ErrorMessage: errMsg,
	}
}

// Library returns the current role-filtered projection.
func (o *Orchestrator) Library() []models.SessionRecord { return o.library.Projection() }

// ErrorMessage returns the current error slot.
func (o *Orchestrator) ErrorMessage() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errMsg
}

// ClearError empties the error slot.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	o.errMsg = ""
	o.mu.Unlock()
}

func (o *Orchestrator) currentRole() models.Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

func (o *Orchestrator) setError(msg string) {
	o.mu.Lock()
	o.errMsg = msg
	o.mu.Unlock()
	o.notify(EventError, map[string]string{"message": msg})
}

func (o *Orchestrator) notify(event string, payload interface{}) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(o.handle.ID, event, payload)
}
