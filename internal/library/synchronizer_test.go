package library

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stagecall/backend/internal/actors"
	"github.com/stagecall/backend/internal/capture"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/session"
	"github.com/stagecall/backend/internal/store"
)

// scriptedStore lets tests drive snapshot and error deliveries by hand.
type scriptedStore struct {
	mu   sync.Mutex
	subs []*scriptedSub
}

type scriptedSub struct {
	field      store.Field
	value      uuid.UUID
	onSnapshot store.SnapshotFunc
	onError    store.ErrorFunc
	canceled   bool
}

func (s *scriptedStore) Create(context.Context, *models.SessionRecord) error { return nil }

func (s *scriptedStore) Subscribe(field store.Field, value uuid.UUID, limit int, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &scriptedSub{field: field, value: value, onSnapshot: onSnapshot, onError: onError}
	s.subs = append(s.subs, sub)
	return func() {
		s.mu.Lock()
		sub.canceled = true
		s.mu.Unlock()
	}, nil
}

func (s *scriptedStore) last() *scriptedSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[len(s.subs)-1]
}

func recordAt(customer, actor uuid.UUID, created time.Time) models.SessionRecord {
	return models.SessionRecord{
		ID:          uuid.New(),
		CustomerID:  customer,
		ActorID:     actor,
		Title:       "Session",
		MediaType:   models.MediaTypeVideo,
		IsPaid:      true,
		IsComplete:  true,
		DateCreated: created,
	}
}

func TestProjectionSortedNewestFirst(t *testing.T) {
	st := &scriptedStore{}
	me := uuid.New()
	s := NewSynchronizer(st, me, nil)
	if err := s.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start: %v", err)
	}

	base := time.Now()
	oldest := recordAt(me, uuid.New(), base.Add(-2*time.Hour))
	middle := recordAt(me, uuid.New(), base.Add(-time.Hour))
	newest := recordAt(me, uuid.New(), base)

	// Deliver deliberately unsorted; the store promises no order.
	st.last().onSnapshot([]models.SessionRecord{middle, newest, oldest})

	got := s.Projection()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ID != newest.ID || got[1].ID != middle.ID || got[2].ID != oldest.ID {
		t.Fatalf("projection not sorted newest first: %v", []uuid.UUID{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestRepeatedIdenticalSnapshotsAreIdempotent(t *testing.T) {
	st := &scriptedStore{}
	me := uuid.New()
	s := NewSynchronizer(st, me, nil)
	if err := s.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start: %v", err)
	}

	snapshot := []models.SessionRecord{
		recordAt(me, uuid.New(), time.Now().Add(-time.Minute)),
		recordAt(me, uuid.New(), time.Now()),
	}
	st.last().onSnapshot(snapshot)
	first := s.Projection()
	st.last().onSnapshot(snapshot)
	second := s.Projection()

	if len(first) != len(second) {
		t.Fatalf("projection size changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("projection changed at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestDeliveryErrorKeepsLastKnownGoodProjection(t *testing.T) {
	st := &scriptedStore{}
	me := uuid.New()
	s := NewSynchronizer(st, me, nil)
	if err := s.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start: %v", err)
	}

	st.last().onSnapshot([]models.SessionRecord{recordAt(me, uuid.New(), time.Now())})
	st.last().onError(errors.New("transport glitch"))

	if got := s.Projection(); len(got) != 1 {
		t.Fatalf("projection must survive a delivery error, got %d records", len(got))
	}
}

func TestRoleSwitchTearsDownAndStartsEmpty(t *testing.T) {
	st := &scriptedStore{}
	me := uuid.New()
	s := NewSynchronizer(st, me, nil)
	if err := s.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start customer: %v", err)
	}
	customerSub := st.last()
	customerSub.onSnapshot([]models.SessionRecord{recordAt(me, uuid.New(), time.Now())})

	if err := s.Start(models.RoleActor); err != nil {
		t.Fatalf("start actor: %v", err)
	}
	if !customerSub.canceled {
		t.Fatal("previous subscription must be torn down on role switch")
	}
	if got := s.Projection(); len(got) != 0 {
		t.Fatalf("projection must be empty until the next snapshot, got %d records", len(got))
	}
	actorSub := st.last()
	if actorSub.field != store.FieldActor {
		t.Fatalf("actor role must filter on actor_id, got %s", actorSub.field)
	}

	// A stale delivery from the old subscription is ignored.
	customerSub.onSnapshot([]models.SessionRecord{recordAt(me, uuid.New(), time.Now())})
	if got := s.Projection(); len(got) != 0 {
		t.Fatalf("stale snapshot applied after role switch: %d records", len(got))
	}

	actorSub.onSnapshot([]models.SessionRecord{recordAt(uuid.New(), me, time.Now())})
	if got := s.Projection(); len(got) != 1 {
		t.Fatalf("expected actor projection populated, got %d records", len(got))
	}
}

func TestStopClearsProjectionAndIsIdempotent(t *testing.T) {
	st := &scriptedStore{}
	me := uuid.New()
	s := NewSynchronizer(st, me, nil)
	if err := s.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start: %v", err)
	}
	sub := st.last()
	sub.onSnapshot([]models.SessionRecord{recordAt(me, uuid.New(), time.Now())})

	s.Stop()
	s.Stop()

	if !sub.canceled {
		t.Fatal("stop must cancel the subscription")
	}
	if got := s.Projection(); len(got) != 0 {
		t.Fatalf("expected empty projection after stop, got %d records", len(got))
	}
	if s.Role() != "" {
		t.Fatalf("expected no active role after stop, got %s", s.Role())
	}
}

// Full scenario on the in-memory store: a customer records a session and the
// completed record shows up in both parties' projections through the
// subscription channel.
func TestFinalizedSessionReachesBothProjections(t *testing.T) {
	mem := store.NewMemory()
	device := capture.NewSimulated(t.TempDir(), nil)
	directory := actors.NewStatic()
	customer := uuid.New()

	ctrl := session.NewController(device, mem, directory, nil)
	ctrl.SetRetry(3, time.Millisecond)

	customerLib := NewSynchronizer(mem, customer, nil)
	if err := customerLib.Start(models.RoleCustomer); err != nil {
		t.Fatalf("start customer library: %v", err)
	}
	actorLib := NewSynchronizer(mem, directory.ActorID, nil)
	if err := actorLib.Start(models.RoleActor); err != nil {
		t.Fatalf("start actor library: %v", err)
	}

	if err := ctrl.StartSession(context.Background(), customer, "Anniversary message"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitForStream(t, ctrl)
	if err := ctrl.Pay(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := ctrl.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	rec, err := ctrl.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop recording: %v", err)
	}

	waitForProjection(t, customerLib, 1)
	waitForProjection(t, actorLib, 1)

	got := customerLib.Projection()[0]
	if got.ID != rec.ID || got.CustomerID != customer || !got.IsPaid || !got.IsComplete {
		t.Fatalf("bad customer projection record: %+v", got)
	}
	if actorLib.Projection()[0].ActorID != directory.ActorID {
		t.Fatalf("bad actor projection record: %+v", actorLib.Projection()[0])
	}
}

func waitForStream(t *testing.T, ctrl *session.Controller) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, view := ctrl.Snapshot(); view != nil && view.HasStream {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("capture stream never arrived")
}

func waitForProjection(t *testing.T, s *Synchronizer, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.Projection()) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("projection never reached %d records", want)
}
