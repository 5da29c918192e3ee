package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// MediaType identifies the kind of media captured in a session.
type MediaType string

const (
	// MediaTypeVideo is currently the only supported media type.
	MediaTypeVideo MediaType = "video"
)

// ErrInvalidRole rejects a role outside the known set.
var ErrInvalidRole = errors.New("models: invalid role")

// Role is the side of a session the caller is acting as.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleActor    Role = "actor"
)

// Valid reports whether the role is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleActor
}

// SessionRecord is the durable unit: a completed, paid recording session
// between a customer and an actor. Records are written exactly once, at
// finalize time; no partial or draft record is ever persisted.
type SessionRecord struct {
	ID          uuid.UUID `json:"id"`
	CustomerID  uuid.UUID `json:"customer_id"`
	ActorID     uuid.UUID `json:"actor_id"`
	Title       string    `json:"title"`
	MediaType   MediaType `json:"media_type"`
	IsPaid      bool      `json:"is_paid"`
	IsComplete  bool      `json:"is_complete"`
	DateCreated time.Time `json:"date_created"`
	StorageURL  string    `json:"storage_url,omitempty"`
	Duration    int       `json:"duration"`
}
