// Package store exposes the shared session-record collection: write-once
// creates plus filtered live subscriptions. All durable state lives here;
// the rest of the app holds only transient projections of it.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stagecall/backend/internal/models"
)

// Field selects which identity column a subscription filters on.
type Field string

const (
	FieldCustomer Field = "customer_id"
	FieldActor    Field = "actor_id"
)

// DefaultLimit caps the number of records a subscription snapshot carries.
const DefaultLimit = 20

// ErrAlreadyExists is returned by Create when the record id is already
// persisted. Callers retrying a failed finalize reuse the same id, so a
// duplicate create means the earlier attempt actually landed.
var ErrAlreadyExists = errors.New("store: record already exists")

// SnapshotFunc receives the full current matching set on every delivery,
// including the initial one. Order is unspecified; consumers sort client-side.
type SnapshotFunc func(records []models.SessionRecord)

// ErrorFunc receives subscription delivery errors. The subscription itself
// stays alive; a later delivery may succeed.
type ErrorFunc func(err error)

// Store is the record store consumed by the lifecycle controller (creates)
// and the library synchronizer (subscriptions).
type Store interface {
	// Create persists a record exactly once, keyed by rec.ID, and stamps
	// rec.DateCreated. A duplicate id yields ErrAlreadyExists.
	Create(ctx context.Context, rec *models.SessionRecord) error

	// Subscribe delivers an initial snapshot and a fresh full snapshot after
	// every relevant change, filtered by equality on field == value and capped
	// at limit records. Returns a cancel function tearing the subscription
	// down; cancel is unconditional and idempotent.
	Subscribe(field Field, value uuid.UUID, limit int, onSnapshot SnapshotFunc, onError ErrorFunc) (cancel func(), err error)
}
