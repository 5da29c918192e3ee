package capture

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestAcquireAndRelease(t *testing.T) {
	d := NewSimulated(t.TempDir(), nil)
	s, err := d.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if s.VideoTrack == nil || s.AudioTrack == nil {
		t.Fatal("expected both tracks on the stream")
	}
	if d.HeldCount() != 1 {
		t.Fatalf("expected 1 held stream, got %d", d.HeldCount())
	}

	d.Release(s)
	if d.HeldCount() != 0 {
		t.Fatalf("expected 0 held streams after release, got %d", d.HeldCount())
	}
}

func TestReleaseIsIdempotentAndNilSafe(t *testing.T) {
	d := NewSimulated(t.TempDir(), nil)
	s, err := d.Acquire(context.Background(), true, false)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	d.Release(s)
	d.Release(s)
	d.Release(nil)
	if d.HeldCount() != 0 {
		t.Fatalf("expected 0 held streams, got %d", d.HeldCount())
	}
}

func TestRecordingAccounting(t *testing.T) {
	d := NewSimulated(t.TempDir(), nil)
	s, err := d.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer d.Release(s)

	if s.Recording() {
		t.Fatal("stream should not be recording after acquire")
	}
	s.BeginRecording()
	if !s.Recording() {
		t.Fatal("stream should be recording after BeginRecording")
	}
	dur := s.EndRecording()
	if s.Recording() {
		t.Fatal("stream should not be recording after EndRecording")
	}
	if dur < 0 {
		t.Fatalf("negative duration: %v", dur)
	}
	// Idempotent: a second EndRecording returns the same total.
	if again := s.EndRecording(); again != dur {
		t.Fatalf("expected stable duration, got %v then %v", dur, again)
	}
}

func TestExportWritesFile(t *testing.T) {
	d := NewSimulated(t.TempDir(), nil)
	s, err := d.Acquire(context.Background(), true, true)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer d.Release(s)

	path, err := d.Export(s, uuid.New())
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if path == "" {
		t.Fatal("expected a file path")
	}
}

func TestAcquireCanceledContext(t *testing.T) {
	d := NewSimulated(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Acquire(ctx, true, true); err == nil {
		t.Fatal("expected acquire to fail with canceled context")
	}
}
