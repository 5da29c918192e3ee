// Package library keeps a live, role-filtered projection of the session
// record collection: the customer's authored sessions or the actor's
// received ones. The projection is only as fresh as the last delivered
// snapshot; new records arrive through the subscription, never by direct
// call from the writer.
package library

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/store"
)

// UpdateFunc is notified with the freshly sorted projection after every
// applied snapshot.
type UpdateFunc func(role models.Role, records []models.SessionRecord)

// Synchronizer holds at most one active subscription per identity: the one
// for the currently selected role. Switching roles tears the previous
// subscription down and starts from an empty projection.
type Synchronizer struct {
	store    store.Store
	identity uuid.UUID
	logger   *zap.Logger

	mu         sync.Mutex
	role       models.Role
	cancel     func()
	projection []models.SessionRecord
	gen        int
	onUpdate   UpdateFunc
}

// NewSynchronizer creates a synchronizer for one identity.
func NewSynchronizer(st store.Store, identity uuid.UUID, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: st, identity: identity, logger: logger}
}

// SetOnUpdate sets the projection update callback.
func (s *Synchronizer) SetOnUpdate(fn UpdateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Start activates the projection for the given role, replacing any previous
// subscription. The projection is empty until the first snapshot arrives.
func (s *Synchronizer) Start(role models.Role) error {
	field := store.FieldCustomer
	if role == models.RoleActor {
		field = store.FieldActor
	}

	s.mu.Lock()
	prevCancel := s.cancel
	s.cancel = nil
	s.role = role
	s.projection = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	cancel, err := s.store.Subscribe(field, s.identity, store.DefaultLimit,
		func(records []models.SessionRecord) { s.applySnapshot(gen, records) },
		func(err error) {
			// Last-known-good projection stays in place; the subscription
			// keeps listening for future deliveries.
			s.logger.Warn("library snapshot delivery failed",
				zap.String("identity", s.identity.String()),
				zap.String("role", string(role)),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// Role changed again while subscribing.
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// applySnapshot replaces the projection with the delivered set, re-sorted
// newest first. The store promises no order, so the sort happens on every
// delivery.
func (s *Synchronizer) applySnapshot(gen int, records []models.SessionRecord) {
	sorted := make([]models.SessionRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DateCreated.After(sorted[j].DateCreated)
	})

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.projection = sorted
	cb := s.onUpdate
	role := s.role
	s.mu.Unlock()

	if cb != nil {
		cb(role, sorted)
	}
}

// Stop tears down the active subscription and clears the projection.
// Unconditional and idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.projection = nil
	s.role = ""
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Role returns the currently active role, or empty when stopped.
func (s *Synchronizer) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Projection returns a copy of the current sorted projection.
func (s *Synchronizer) Projection() []models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionRecord, len(s.projection))
	copy(out, s.projection)
	return out
}
