// Package session owns the lifecycle of a single in-progress recording
// session: setup, payment, recording, finalize. Nothing is persisted until
// finalize, and every precondition is enforced here rather than trusted to
// the caller.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/actors"
	"github.com/stagecall/backend/internal/capture"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/store"
	"github.com/stagecall/backend/pkg/retry"
)

// State is the lifecycle state of the controller.
type State string

const (
	StateIdle       State = "idle"
	StatePrepared   State = "prepared"
	StatePaid       State = "paid"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
)

var (
	// ErrInvalidState rejects a lifecycle call inconsistent with the current
	// state. These are expected when a stale caller races a transition and
	// are not surfaced as user-visible errors.
	ErrInvalidState = errors.New("session: call not valid in current state")
	// ErrNotPaid rejects StartRecording before payment.
	ErrNotPaid = errors.New("session: payment required before recording")
	// ErrNoCaptureStream rejects StartRecording while the capture device is
	// not held (still acquiring, or acquisition failed).
	ErrNoCaptureStream = errors.New("session: no capture stream held")
	// ErrSelfDealing rejects an actor assignment equal to the customer.
	ErrSelfDealing = errors.New("session: customer and actor must differ")
)

// View is a read-only snapshot of the in-flight session for the
// presentation layer.
type View struct {
	ID         uuid.UUID        `json:"id"`
	CustomerID uuid.UUID        `json:"customer_id"`
	ActorID    uuid.UUID        `json:"actor_id"`
	Title      string           `json:"title"`
	MediaType  models.MediaType `json:"media_type"`
	IsPaid     bool             `json:"is_paid"`
	IsComplete bool             `json:"is_complete"`
	HasStream  bool             `json:"has_stream"`
}

type inFlight struct {
	id         uuid.UUID
	customerID uuid.UUID
	actorID    uuid.UUID
	title      string
	mediaType  models.MediaType
	isPaid     bool
}

// FinalizedFunc is called after a record has been persisted. The stream has
// already been released; it is passed so captured output can be exported
// and shipped.
type FinalizedFunc func(rec models.SessionRecord, stream *capture.Stream)

// StorageLocator computes the storage URL stamped on a record at finalize.
// The URL must be deterministic in (customerID, sessionID) so a retried
// finalize stamps the same location.
type StorageLocator func(customerID, sessionID uuid.UUID) string

// Controller is the session lifecycle state machine. All transitions run to
// completion under one lock; overlapping calls are rejected by state guards
// rather than queued.
type Controller struct {
	device    capture.Device
	store     store.Store
	directory actors.Directory
	logger    *zap.Logger

	retryAttempts int
	retryBase     time.Duration
	locateStorage StorageLocator
	onFinalized   FinalizedFunc
	onDeviceError func(err error)

	mu      sync.Mutex
	state   State
	current *inFlight
	stream  *capture.Stream
}

// NewController creates an idle controller.
func NewController(device capture.Device, st store.Store, directory actors.Directory, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		device:        device,
		store:         st,
		directory:     directory,
		logger:        logger,
		retryAttempts: 3,
		retryBase:     time.Second,
		locateStorage: func(customerID, sessionID uuid.UUID) string {
			return fmt.Sprintf("stagecall://recordings/%s/%s.mp4", customerID, sessionID)
		},
		state: StateIdle,
	}
}

// SetRetry overrides the finalize retry policy.
func (c *Controller) SetRetry(attempts int, base time.Duration) {
	c.retryAttempts = attempts
	c.retryBase = base
}

// SetStorageLocator overrides where finalized records point their media.
func (c *Controller) SetStorageLocator(fn StorageLocator) { c.locateStorage = fn }

// SetOnFinalized sets the callback fired after a successful finalize.
func (c *Controller) SetOnFinalized(fn FinalizedFunc) { c.onFinalized = fn }

// SetOnDeviceError sets the callback fired when device acquisition fails.
func (c *Controller) SetOnDeviceError(fn func(err error)) { c.onDeviceError = fn }

// StartSession allocates a new in-flight session for the customer and kicks
// off capture device acquisition in the background. Acquisition failure does
// not block Prepared; it only blocks StartRecording.
func (c *Controller) StartSession(ctx context.Context, customerID uuid.UUID, title string) error {
	actorID, err := c.directory.SelectActor(ctx, customerID)
	if err != nil {
		return fmt.Errorf("select actor: %w", err)
	}
	if actorID == customerID {
		return ErrSelfDealing
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrInvalidState
	}
	s := &inFlight{
		id:         uuid.New(),
		customerID: customerID,
		actorID:    actorID,
		title:      title,
		mediaType:  models.MediaTypeVideo,
	}
	c.current = s
	c.stream = nil
	c.state = StatePrepared
	c.mu.Unlock()

	c.logger.Info("session started",
		zap.String("session_id", s.id.String()),
		zap.String("customer_id", customerID.String()),
		zap.String("actor_id", actorID.String()),
	)

	go c.acquireStream(s.id)
	return nil
}

// acquireStream acquires the capture device for the given session. If the
// session changed while acquiring, the stream is released immediately.
func (c *Controller) acquireStream(sessionID uuid.UUID) {
	stream, err := c.device.Acquire(context.Background(), true, true)
	if err != nil {
		c.logger.Warn("capture acquisition failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		if c.onDeviceError != nil {
			c.onDeviceError(err)
		}
		return
	}

	c.mu.Lock()
	stale := c.current == nil || c.current.id != sessionID || c.stream != nil
	if !stale {
		c.stream = stream
	}
	c.mu.Unlock()

	if stale {
		c.device.Release(stream)
	}
}

// Pay marks the in-flight session as paid. Simulates an external payment
// confirmation; the production replacement is an idempotent, at-least-once
// confirmation callback keyed by session id.
func (c *Controller) Pay() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != StatePrepared || c.current.isPaid {
		return ErrInvalidState
	}
	c.current.isPaid = true
	c.state = StatePaid
	c.logger.Info("session paid", zap.String("session_id", c.current.id.String()))
	return nil
}

// StartRecording transitions to Recording. Requires payment and a held
// capture stream; rejected otherwise with no transition.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != StatePaid {
		return ErrInvalidState
	}
	if !c.current.isPaid {
		return ErrNotPaid
	}
	if c.stream == nil {
		return ErrNoCaptureStream
	}
	c.stream.BeginRecording()
	c.state = StateRecording
	c.logger.Info("recording started", zap.String("session_id", c.current.id.String()))
	return nil
}

// RecordingActive reports whether a recording is in progress.
func (c *Controller) RecordingActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRecording
}

// StopRecording releases the capture device, stamps completion, and persists
// the record as a single write-once create keyed by the session id. Retries
// reuse the same id, so a duplicate-id error means an earlier attempt landed.
// The controller returns to Idle and drops the in-flight session regardless
// of the store outcome; a failed finalize is surfaced, not re-queued.
func (c *Controller) StopRecording(ctx context.Context) (*models.SessionRecord, error) {
	c.mu.Lock()
	if c.current == nil || c.state != StateRecording {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	c.state = StateFinalizing

	stream := c.stream
	c.stream = nil
	duration := stream.EndRecording()
	c.device.Release(stream)

	s := c.current
	rec := models.SessionRecord{
		ID:         s.id,
		CustomerID: s.customerID,
		ActorID:    s.actorID,
		Title:      s.title,
		MediaType:  s.mediaType,
		IsPaid:     s.isPaid,
		IsComplete: true,
		StorageURL: c.locateStorage(s.customerID, s.id),
		Duration:   int(duration.Seconds()),
	}
	c.mu.Unlock()

	// Persist outside the lock: the finalize retry sleeps for seconds during
	// a store outage and snapshots must stay responsive throughout.
	err := retry.Do(ctx, c.retryAttempts, c.retryBase, func() error {
		createErr := c.store.Create(ctx, &rec)
		if errors.Is(createErr, store.ErrAlreadyExists) {
			// An earlier attempt landed; the record is persisted.
			return nil
		}
		return createErr
	})

	c.mu.Lock()
	// Cancel may have raced the finalize and already reset the controller;
	// only drop the session this call staged.
	if c.current == s {
		c.current = nil
		c.state = StateIdle
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("finalize failed, session dropped", zap.String("session_id", rec.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("finalize session %s: %w", rec.ID, err)
	}

	c.logger.Info("session finalized",
		zap.String("session_id", rec.ID.String()),
		zap.Int("duration_sec", rec.Duration),
	)
	if c.onFinalized != nil {
		c.onFinalized(rec, stream)
	}
	return &rec, nil
}

// Cancel drops the in-flight session without persisting and releases the
// capture device. Callable from any state; idempotent.
func (c *Controller) Cancel() {
	c.mu.Lock()
	stream := c.stream
	dropped := c.current
	c.stream = nil
	c.current = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.device.Release(stream)
	if dropped != nil {
		c.logger.Info("session canceled", zap.String("session_id", dropped.id.String()))
	}
}

// Snapshot returns the current state and a view of the in-flight session,
// or nil when idle.
func (c *Controller) Snapshot() (State, *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return c.state, nil
	}
	return c.state, &View{
		ID:         c.current.id,
		CustomerID: c.current.customerID,
		ActorID:    c.current.actorID,
		Title:      c.current.title,
		MediaType:  c.current.mediaType,
		IsPaid:     c.current.isPaid,
		HasStream:  c.stream != nil,
	}
}
