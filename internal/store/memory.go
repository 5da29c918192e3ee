package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecall/backend/internal/models"
)

// Memory is an in-process Store used by tests and storeless dev mode.
// Snapshots are delivered synchronously: the initial one during Subscribe,
// then one per matching Create.
type Memory struct {
	mu      sync.Mutex
	records []models.SessionRecord
	subs    map[int]*memorySub
	nextSub int
}

type memorySub struct {
	field      Field
	value      uuid.UUID
	limit      int
	onSnapshot SnapshotFunc
	onError    ErrorFunc
}

// NewMemory creates an empty in-memory record store.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memorySub)}
}

// Create stamps DateCreated and appends the record; duplicate ids are
// rejected. Matching subscribers receive a fresh snapshot before Create
// returns.
func (s *Memory) Create(_ context.Context, rec *models.SessionRecord) error {
	s.mu.Lock()
	for _, existing := range s.records {
		if existing.ID == rec.ID {
			s.mu.Unlock()
			return ErrAlreadyExists
		}
	}
	rec.DateCreated = time.Now()
	s.records = append(s.records, *rec)

	type delivery struct {
		fn      SnapshotFunc
		records []models.SessionRecord
	}
	var deliveries []delivery
	for _, sub := range s.subs {
		if matches(sub.field, sub.value, rec) {
			deliveries = append(deliveries, delivery{sub.onSnapshot, s.matching(sub.field, sub.value, sub.limit)})
		}
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.records)
	}
	return nil
}

// Subscribe registers the subscription and delivers the initial snapshot
// synchronously.
func (s *Memory) Subscribe(field Field, value uuid.UUID, limit int, onSnapshot SnapshotFunc, onError ErrorFunc) (cancel func(), err error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySub{field: field, value: value, limit: limit, onSnapshot: onSnapshot, onError: onError}
	initial := s.matching(field, value, limit)
	s.mu.Unlock()

	onSnapshot(initial)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func matches(field Field, value uuid.UUID, rec *models.SessionRecord) bool {
	switch field {
	case FieldCustomer:
		return rec.CustomerID == value
	case FieldActor:
		return rec.ActorID == value
	}
	return false
}

// matching returns up to limit matching records, newest-created last kept
// when truncating. No sort order is promised.
func (s *Memory) matching(field Field, value uuid.UUID, limit int) []models.SessionRecord {
	var out []models.SessionRecord
	for i := range s.records {
		if matches(field, value, &s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
