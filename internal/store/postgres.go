package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stagecall/backend/internal/models"
)

const (
	channelPrefix   = "sessions:"
	uniqueViolation = "23505"
)

// Postgres persists session records in PostgreSQL and signals subscribers
// through Redis pub/sub. A subscription holds one Redis channel per
// (field, value) pair; every invalidation triggers a fresh bounded query.
type Postgres struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed record store.
func NewPostgres(pool *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, rdb: rdb, logger: logger}
}

// Create inserts the record keyed by rec.ID. date_created is stamped by the
// database, not the caller, so ordering across clients is consistent. After
// a successful insert both parties' channels are notified.
func (s *Postgres) Create(ctx context.Context, rec *models.SessionRecord) error {
	const q = `INSERT INTO sessions (id, customer_id, actor_id, title, media_type, is_paid, is_complete, storage_url, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), $9)
		RETURNING date_created`
	err := s.pool.QueryRow(ctx, q,
		rec.ID, rec.CustomerID, rec.ActorID, rec.Title, string(rec.MediaType),
		rec.IsPaid, rec.IsComplete, rec.StorageURL, rec.Duration,
	).Scan(&rec.DateCreated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}

	s.notify(ctx, FieldCustomer, rec.CustomerID)
	s.notify(ctx, FieldActor, rec.ActorID)
	return nil
}

func (s *Postgres) notify(ctx context.Context, field Field, value uuid.UUID) {
	if s.rdb == nil {
		return
	}
	channel := channelName(field, value)
	if err := s.rdb.Publish(ctx, channel, "1").Err(); err != nil {
		s.logger.Warn("session invalidation publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

func channelName(field Field, value uuid.UUID) string {
	return channelPrefix + string(field) + ":" + value.String()
}

// Subscribe queries the current matching set and re-queries on every Redis
// invalidation. Query errors go to onError and leave the subscription alive.
func (s *Postgres) Subscribe(field Field, value uuid.UUID, limit int, onSnapshot SnapshotFunc, onError ErrorFunc) (cancel func(), err error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancelCtx := context.WithCancel(context.Background())

	var pubsub *redis.PubSub
	if s.rdb != nil {
		pubsub = s.rdb.Subscribe(ctx, channelName(field, value))
		if _, err := pubsub.Receive(ctx); err != nil {
			cancelCtx()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	deliver := func() {
		records, err := s.query(ctx, field, value, limit)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		onSnapshot(records)
	}

	go func() {
		if pubsub != nil {
			defer pubsub.Close()
		}
		deliver()
		if pubsub == nil {
			return
		}
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return func() { cancelCtx() }, nil
}

// query fetches the matching set with no ORDER BY: a composite
// (identity, date_created) index is deliberately avoided and the consumer
// sorts client-side on every snapshot.
func (s *Postgres) query(ctx context.Context, field Field, value uuid.UUID, limit int) ([]models.SessionRecord, error) {
	var column string
	switch field {
	case FieldCustomer:
		column = "customer_id"
	case FieldActor:
		column = "actor_id"
	default:
		return nil, fmt.Errorf("unknown filter field %q", field)
	}
	q := fmt.Sprintf(`SELECT id, customer_id, actor_id, title, media_type, is_paid, is_complete, date_created, COALESCE(storage_url,''), duration
		FROM sessions WHERE %s = $1 LIMIT $2`, column)
	rows, err := s.pool.Query(ctx, q, value, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var list []models.SessionRecord
	for rows.Next() {
		var rec models.SessionRecord
		var mediaType string
		if err := rows.Scan(&rec.ID, &rec.CustomerID, &rec.ActorID, &rec.Title, &mediaType,
			&rec.IsPaid, &rec.IsComplete, &rec.DateCreated, &rec.StorageURL, &rec.Duration); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.MediaType = models.MediaType(mediaType)
		list = append(list, rec)
	}
	return list, rows.Err()
}
