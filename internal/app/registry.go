package app

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/actors"
	"github.com/stagecall/backend/internal/capture"
	"github.com/stagecall/backend/internal/identity"
	"github.com/stagecall/backend/internal/library"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/session"
	"github.com/stagecall/backend/internal/store"
)

// Deps bundles the shared infrastructure every orchestrator is built from.
type Deps struct {
	Store     store.Store
	Device    capture.Device
	Directory actors.Directory
	Notifier  Notifier
	Logger    *zap.Logger

	// Finalize retry policy; zero values keep the controller defaults.
	RetryAttempts int
	RetryBase     time.Duration

	// StorageLocator overrides where finalized records point their media.
	StorageLocator session.StorageLocator
	// Ship runs after a record is persisted and pushed, typically exporting
	// the captured media and enqueueing its upload. May be nil.
	Ship session.FinalizedFunc
}

// Registry holds one orchestrator per signed-in identity. Orchestrators are
// created on first use (or on sign-in via Watch) and torn down on logout.
type Registry struct {
	deps   Deps
	logger *zap.Logger

	mu    sync.Mutex
	orchs map[uuid.UUID]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{deps: deps, logger: logger, orchs: make(map[uuid.UUID]*Orchestrator)}
}

// Watch creates orchestrators eagerly as identities sign in. Sign-out
// deliveries carry no identity and are ignored here; teardown is driven by
// the explicit logout call.
func (r *Registry) Watch(p identity.Provider) {
	p.OnIdentityChange(func(h *identity.Handle) {
		if h == nil {
			return
		}
		r.GetOrCreate(h)
	})
}

// GetOrCreate returns the identity's orchestrator, building it on first use.
func (r *Registry) GetOrCreate(h *identity.Handle) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orchs[h.ID]; ok {
		return o
	}

	ctrl := session.NewController(r.deps.Device, r.deps.Store, r.deps.Directory, r.logger)
	if r.deps.RetryAttempts > 0 && r.deps.RetryBase > 0 {
		ctrl.SetRetry(r.deps.RetryAttempts, r.deps.RetryBase)
	}
	if r.deps.StorageLocator != nil {
		ctrl.SetStorageLocator(r.deps.StorageLocator)
	}
	lib := library.NewSynchronizer(r.deps.Store, h.ID, r.logger)
	o := newOrchestrator(h, ctrl, lib, r.deps.Notifier, r.logger, r.deps.RetryAttempts, r.deps.RetryBase)
	ship := r.deps.Ship
	ctrl.SetOnFinalized(func(rec models.SessionRecord, stream *capture.Stream) {
		o.finalized(rec, stream)
		if ship != nil {
			ship(rec, stream)
		}
	})
	r.orchs[h.ID] = o
	return o
}

// Get returns the identity's orchestrator if it exists.
func (r *Registry) Get(id uuid.UUID) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orchs[id]
	return o, ok
}

// Remove logs the identity out and drops its orchestrator.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	o := r.orchs[id]
	delete(r.orchs, id)
	r.mu.Unlock()
	if o != nil {
		o.Logout()
	}
}

// Count returns the number of live orchestrators.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orchs)
}
