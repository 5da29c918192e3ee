// Package actors resolves the counterparty for a new session. Selection is
// pluggable: the default implementations are stand-ins for a real booking
// and availability step.
package actors

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoActorAvailable is returned when no counterparty can be assigned.
var ErrNoActorAvailable = errors.New("actors: no actor available")

// Directory assigns an actor to a customer's new session. Implementations
// must return an identity distinct from the customer.
type Directory interface {
	SelectActor(ctx context.Context, customerID uuid.UUID) (uuid.UUID, error)
}

// Static always assigns a fixed actor identity. Stand-in for a real
// selection step; used in storeless dev mode and tests.
type Static struct {
	ActorID uuid.UUID
}

// NewStatic creates a static directory with a fresh actor identity.
func NewStatic() *Static {
	return &Static{ActorID: uuid.New()}
}

// SelectActor returns the fixed actor.
func (s *Static) SelectActor(_ context.Context, customerID uuid.UUID) (uuid.UUID, error) {
	if s.ActorID == customerID {
		return uuid.Nil, ErrNoActorAvailable
	}
	return s.ActorID, nil
}

// Postgres picks the longest-registered user other than the customer.
// Stand-in policy: a production directory would match on availability,
// pricing, and the customer's choice.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a users-table-backed directory.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// SelectActor returns a registered user distinct from the customer.
func (d *Postgres) SelectActor(ctx context.Context, customerID uuid.UUID) (uuid.UUID, error) {
	const q = `SELECT id FROM users WHERE id <> $1 ORDER BY created_at LIMIT 1`
	var id uuid.UUID
	err := d.pool.QueryRow(ctx, q, customerID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNoActorAvailable
		}
		return uuid.Nil, err
	}
	return id, nil
}
