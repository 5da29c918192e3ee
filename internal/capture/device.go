// Package capture models the media capture device behind a narrow
// acquire/release contract. The real capture and encoding pipeline is
// external; the simulated device stands in for it end to end.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// ErrDeviceUnavailable is returned when the device cannot be acquired
// (permission denied or hardware busy). Non-fatal: a session stays Prepared
// without a stream and only recording is blocked.
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// Stream is a held audio+video capture stream. Tracks are pion local tracks
// so the handle plugs into a WebRTC pipeline unchanged when one exists.
type Stream struct {
	ID         uuid.UUID
	VideoTrack *webrtc.TrackLocalStaticSample
	AudioTrack *webrtc.TrackLocalStaticSample

	mu         sync.Mutex
	acquiredAt time.Time
	recStart   time.Time
	recorded   time.Duration
	released   bool
}

// BeginRecording marks the stream as actively recording. No-op if already
// recording.
func (s *Stream) BeginRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recStart.IsZero() {
		s.recStart = time.Now()
	}
}

// EndRecording stops recording accounting and returns the total recorded
// duration. Safe to call when not recording.
func (s *Stream) EndRecording() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recStart.IsZero() {
		s.recorded += time.Since(s.recStart)
		s.recStart = time.Time{}
	}
	return s.recorded
}

// Recording reports whether the stream is actively recording.
func (s *Stream) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.recStart.IsZero()
}

func (s *Stream) markReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.released = true
	return true
}

// Device acquires and releases capture streams. Exclusivity of the held
// stream is the caller's concern, not the device's.
type Device interface {
	// Acquire opens a live stream with the requested tracks.
	Acquire(ctx context.Context, video, audio bool) (*Stream, error)
	// Release frees the stream. Unconditional and idempotent; safe with nil.
	Release(s *Stream)
}
