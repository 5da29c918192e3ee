package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// Simulated is the in-process capture device: VP8 video and Opus audio local
// tracks plus duration accounting. Captured output is a placeholder file; the
// real encoder lives upstream of this service.
type Simulated struct {
	outputDir string
	log       *zap.Logger

	mu   sync.Mutex
	held map[uuid.UUID]*Stream
}

// NewSimulated creates a simulated capture device writing captured files
// under outputDir (os.TempDir() when empty).
func NewSimulated(outputDir string, log *zap.Logger) *Simulated {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulated{
		outputDir: outputDir,
		log:       log,
		held:      make(map[uuid.UUID]*Stream),
	}
}

// Acquire opens a stream with the requested tracks.
func (d *Simulated) Acquire(ctx context.Context, video, audio bool) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &Stream{ID: uuid.New(), acquiredAt: time.Now()}
	if video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "stagecall",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", ErrDeviceUnavailable, err)
		}
		// Priming sample; a no-op until the track is bound to a transport.
		_ = track.WriteSample(media.Sample{Data: []byte{0}, Duration: time.Second / 30})
		s.VideoTrack = track
	}
	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "stagecall",
		)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", ErrDeviceUnavailable, err)
		}
		s.AudioTrack = track
	}

	d.mu.Lock()
	d.held[s.ID] = s
	d.mu.Unlock()

	d.log.Debug("capture stream acquired", zap.String("stream_id", s.ID.String()))
	return s, nil
}

// Release frees the stream. Idempotent and nil-safe.
func (d *Simulated) Release(s *Stream) {
	if s == nil {
		return
	}
	if !s.markReleased() {
		return
	}
	s.EndRecording()

	d.mu.Lock()
	delete(d.held, s.ID)
	d.mu.Unlock()

	d.log.Debug("capture stream released", zap.String("stream_id", s.ID.String()))
}

// Export writes the stream's captured output as a placeholder media file
// named after the session and returns its path.
func (d *Simulated) Export(s *Stream, sessionID uuid.UUID) (string, error) {
	dir := filepath.Join(d.outputDir, "captures")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, sessionID.String()+".mp4")
	body := fmt.Sprintf("stagecall capture %s stream %s\n", sessionID, s.ID)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		return "", fmt.Errorf("write capture file: %w", err)
	}
	return path, nil
}

// HeldCount returns the number of currently held streams.
func (d *Simulated) HeldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}
