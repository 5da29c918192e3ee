package session

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
	"github.com/stagecall/backend/internal/store"
)

// fakeDevice hands out bare streams and counts releases. Acquisition can be
// gated to simulate a slow camera, or forced to fail.
type fakeDevice struct {
	mu       sync.Mutex
	gate     chan struct{}
	failWith error
	acquired int
	released int
}

func (d *fakeDevice) Acquire(ctx context.Context, video, audio bool) (*capture.Stream, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return nil, d.failWith
	}
	d.acquired++
	return &capture.Stream{ID: uuid.New()}, nil
}

func (d *fakeDevice) Release(s *capture.Stream) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.released++
	d.mu.Unlock()
}

func (d *fakeDevice) releaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// flakyStore fails the first failures creates, then delegates to a Memory
// store. It records the id of every attempt.
type flakyStore struct {
	mu       sync.Mutex
	inner    *store.Memory
	failures int
	attempts []uuid.UUID
}

func (s *flakyStore) Create(ctx context.Context, rec *models.SessionRecord) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, rec.ID)
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store down")
	}
	return s.inner.Create(ctx, rec)
}

func (s *flakyStore) Subscribe(field store.Field, value uuid.UUID, limit int, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	return s.inner.Subscribe(field, value, limit, onSnapshot, onError)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestController(device capture.Device, st store.Store) *Controller {
	c := NewController(device, st, actors.NewStatic(), nil)
	c.SetRetry(3, time.Millisecond)
	return c
}

func hasStream(c *Controller) func() bool {
	return func() bool {
		_, view := c.Snapshot()
		return view != nil && view.HasStream
	}
}

func runToRecording(t *testing.T, c *Controller, customer uuid.UUID) {
	t.Helper()
	if err := c.StartSession(context.Background(), customer, "Birthday greeting"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, time.Second, hasStream(c))
	if err := c.Pay(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := c.StartRecording(); err != nil {
		t.Fatalf("start recording: %v", err)
	}
}

func TestStartSessionAllocatesFreshUnpaidSession(t *testing.T) {
	c := newTestController(&fakeDevice{}, store.NewMemory())
	customer := uuid.New()

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 3; i++ {
		if err := c.StartSession(context.Background(), customer, "Take"); err != nil {
			t.Fatalf("start session %d: %v", i, err)
		}
		state, view := c.Snapshot()
		if state != StatePrepared {
			t.Fatalf("expected Prepared, got %s", state)
		}
		if view == nil || view.IsPaid || view.IsComplete {
			t.Fatalf("expected fresh unpaid incomplete session, got %+v", view)
		}
		if seen[view.ID] {
			t.Fatalf("session id %s reused", view.ID)
		}
		seen[view.ID] = true
		c.Cancel()
	}
}

func TestStartSessionRejectedWhileActive(t *testing.T) {
	c := newTestController(&fakeDevice{}, store.NewMemory())
	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := c.StartSession(context.Background(), uuid.New(), "Take"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestPayGuards(t *testing.T) {
	c := newTestController(&fakeDevice{}, store.NewMemory())

	if err := c.Pay(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pay with no session: expected ErrInvalidState, got %v", err)
	}

	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := c.Pay(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	state, view := c.Snapshot()
	if state != StatePaid || !view.IsPaid {
		t.Fatalf("expected Paid state with IsPaid, got %s %+v", state, view)
	}

	if err := c.Pay(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double pay: expected ErrInvalidState, got %v", err)
	}
}

func TestStartRecordingBeforePayRejected(t *testing.T) {
	c := newTestController(&fakeDevice{}, store.NewMemory())
	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, time.Second, hasStream(c))

	if err := c.StartRecording(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	state, _ := c.Snapshot()
	if state != StatePrepared {
		t.Fatalf("state should be unchanged, got %s", state)
	}
}

func TestStartRecordingWithoutStreamRejected(t *testing.T) {
	gate := make(chan struct{})
	device := &fakeDevice{gate: gate}
	c := newTestController(device, store.NewMemory())

	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := c.Pay(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := c.StartRecording(); !errors.Is(err, ErrNoCaptureStream) {
		t.Fatalf("expected ErrNoCaptureStream, got %v", err)
	}
	state, _ := c.Snapshot()
	if state != StatePaid {
		t.Fatalf("state should be unchanged, got %s", state)
	}

	// Camera finishes loading; recording becomes possible.
	close(gate)
	waitFor(t, time.Second, hasStream(c))
	if err := c.StartRecording(); err != nil {
		t.Fatalf("start recording after stream arrives: %v", err)
	}
	if !c.RecordingActive() {
		t.Fatal("expected recording-active flag")
	}
}

func TestDeviceDenialLeavesSessionPreparedAndSurfacesError(t *testing.T) {
	device := &fakeDevice{failWith: capture.ErrDeviceUnavailable}
	c := newTestController(device, store.NewMemory())

	var deviceErr error
	var mu sync.Mutex
	c.SetOnDeviceError(func(err error) {
		mu.Lock()
		deviceErr = err
		mu.Unlock()
	})

	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deviceErr != nil
	})

	state, view := c.Snapshot()
	if state != StatePrepared || view == nil || view.HasStream {
		t.Fatalf("expected Prepared without stream, got %s %+v", state, view)
	}
	if err := c.Pay(); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := c.StartRecording(); !errors.Is(err, ErrNoCaptureStream) {
		t.Fatalf("expected ErrNoCaptureStream, got %v", err)
	}
}

func TestStopRecordingPersistsCompleteRecord(t *testing.T) {
	device := &fakeDevice{}
	mem := store.NewMemory()
	c := newTestController(device, mem)
	customer := uuid.New()

	var finalized *models.SessionRecord
	c.SetOnFinalized(func(rec models.SessionRecord, _ *capture.Stream) {
		finalized = &rec
	})

	runToRecording(t, c, customer)
	rec, err := c.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop recording: %v", err)
	}

	if rec.CustomerID != customer || !rec.IsPaid || !rec.IsComplete {
		t.Fatalf("bad record: %+v", rec)
	}
	if rec.DateCreated.IsZero() {
		t.Fatal("expected store-stamped DateCreated")
	}
	if rec.StorageURL == "" {
		t.Fatal("expected storage URL stamped at finalize")
	}
	if finalized == nil || finalized.ID != rec.ID {
		t.Fatalf("expected finalize notification for %s", rec.ID)
	}
	if device.releaseCount() != 1 {
		t.Fatalf("expected 1 device release, got %d", device.releaseCount())
	}
	state, view := c.Snapshot()
	if state != StateIdle || view != nil {
		t.Fatalf("expected Idle with no in-flight session, got %s %+v", state, view)
	}
}

func TestStopRecordingStoreFailureStillReleasesAndIdles(t *testing.T) {
	device := &fakeDevice{}
	fs := &flakyStore{inner: store.NewMemory(), failures: 99}
	c := newTestController(device, fs)

	runToRecording(t, c, uuid.New())
	if _, err := c.StopRecording(context.Background()); err == nil {
		t.Fatal("expected finalize error")
	}

	if device.releaseCount() != 1 {
		t.Fatalf("device must be released regardless of store outcome, got %d releases", device.releaseCount())
	}
	state, view := c.Snapshot()
	if state != StateIdle || view != nil {
		t.Fatalf("expected Idle after failed finalize, got %s %+v", state, view)
	}
	if len(fs.attempts) != 3 {
		t.Fatalf("expected 3 bounded attempts, got %d", len(fs.attempts))
	}
}

// stalledStore blocks Create until its gate closes, signalling entry once.
type stalledStore struct {
	inner   *store.Memory
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *stalledStore) Create(ctx context.Context, rec *models.SessionRecord) error {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.inner.Create(ctx, rec)
}

func (s *stalledStore) Subscribe(field store.Field, value uuid.UUID, limit int, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	return s.inner.Subscribe(field, value, limit, onSnapshot, onError)
}

func TestSnapshotStaysResponsiveWhileFinalizeStalls(t *testing.T) {
	ss := &stalledStore{
		inner:   store.NewMemory(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
	}
	c := newTestController(&fakeDevice{}, ss)
	runToRecording(t, c, uuid.New())

	done := make(chan error, 1)
	go func() {
		_, err := c.StopRecording(context.Background())
		done <- err
	}()
	<-ss.entered

	// The store write is stuck; state reads must not be.
	snap := make(chan State, 1)
	go func() {
		state, _ := c.Snapshot()
		snap <- state
	}()
	select {
	case state := <-snap:
		if state != StateFinalizing {
			t.Fatalf("expected Finalizing during stalled persist, got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked behind the finalize write")
	}

	close(ss.gate)
	if err := <-done; err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	state, view := c.Snapshot()
	if state != StateIdle || view != nil {
		t.Fatalf("expected Idle after finalize, got %s %+v", state, view)
	}
}

func TestFinalizeRetriesReuseSameID(t *testing.T) {
	fs := &flakyStore{inner: store.NewMemory(), failures: 2}
	c := newTestController(&fakeDevice{}, fs)

	runToRecording(t, c, uuid.New())
	rec, err := c.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("stop recording: %v", err)
	}

	if len(fs.attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(fs.attempts))
	}
	for i, id := range fs.attempts {
		if id != rec.ID {
			t.Fatalf("attempt %d used id %s, want %s", i, id, rec.ID)
		}
	}
}

func TestStopRecordingRequiresRecordingState(t *testing.T) {
	c := newTestController(&fakeDevice{}, store.NewMemory())
	if _, err := c.StopRecording(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := c.StartSession(context.Background(), uuid.New(), "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if _, err := c.StopRecording(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from Prepared, got %v", err)
	}
}

func TestCancelDropsSessionWithoutPersisting(t *testing.T) {
	device := &fakeDevice{}
	mem := store.NewMemory()
	c := newTestController(device, mem)
	customer := uuid.New()

	if err := c.StartSession(context.Background(), customer, "Take"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, time.Second, hasStream(c))
	c.Cancel()
	c.Cancel() // idempotent

	state, view := c.Snapshot()
	if state != StateIdle || view != nil {
		t.Fatalf("expected Idle after cancel, got %s %+v", state, view)
	}
	if device.releaseCount() != 1 {
		t.Fatalf("expected 1 release, got %d", device.releaseCount())
	}

	var snapshot []models.SessionRecord
	cancel, err := mem.Subscribe(store.FieldCustomer, customer, store.DefaultLimit,
		func(records []models.SessionRecord) { snapshot = records }, func(error) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(snapshot) != 0 {
		t.Fatalf("canceled session must not be persisted, found %d records", len(snapshot))
	}
}

type selfDealingDirectory struct{}

func (selfDealingDirectory) SelectActor(_ context.Context, customerID uuid.UUID) (uuid.UUID, error) {
	return customerID, nil
}

func TestSelfDealingRejected(t *testing.T) {
	c := NewController(&fakeDevice{}, store.NewMemory(), selfDealingDirectory{}, nil)
	err := c.StartSession(context.Background(), uuid.New(), "Take")
	if !errors.Is(err, ErrSelfDealing) {
		t.Fatalf("expected ErrSelfDealing, got %v", err)
	}
	state, _ := c.Snapshot()
	if state != StateIdle {
		t.Fatalf("expected Idle after rejected start, got %s", state)
	}
}
