package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Raw media codec capabilities negotiated for the shared tracks. L16 is the
// RFC 3551 uncompressed audio payload; raw video rides the RFC 4175 payload.
var (
	audioCodecCapability = webrtc.RTPCodecCapability{
		MimeType:  "audio/L16",
		ClockRate: SampleRate,
		Channels:  Channels,
	}
	videoCodecCapability = webrtc.RTPCodecCapability{
		MimeType:  "video/raw",
		ClockRate: 90000,
	}
)

// RegisterCodecs adds the raw media codecs to a pion MediaEngine so the
// shared tracks negotiate cleanly alongside the defaults.
func RegisterCodecs(m *webrtc.MediaEngine) error {
	if err := m.RegisterDefaultCodecs(); err != nil {
		return err
	}
	// Payload types sit in the 35-63 dynamic range, clear of the defaults.
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: audioCodecCapability,
		PayloadType:        63,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}
	return m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCodecCapability,
		PayloadType:        35,
	}, webrtc.RTPCodecTypeVideo)
}

// MediaSource is a shared outbound track: every peer connection adds the
// same track through its own sender, so one pacer feeds the whole mesh.
// It implements MediaSink.
type MediaSource struct {
	kind  TrackKind
	track *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	disposed bool
}

// NewMediaSource creates the shared track for a pipeline kind.
func NewMediaSource(kind TrackKind) (*MediaSource, error) {
	capability := audioCodecCapability
	streamID := "voicebot-audio"
	if kind == TrackVideo {
		capability = videoCodecCapability
		streamID = "voicebot-video"
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("media: create %s track: %w", kind, err)
	}

	return &MediaSource{kind: kind, track: track}, nil
}

// Kind returns the pipeline kind.
func (s *MediaSource) Kind() TrackKind {
	return s.kind
}

// Track returns the shared local track to hand to peer connections.
func (s *MediaSource) Track() webrtc.TrackLocal {
	return s.track
}

// WriteFrame pushes one paced frame into the track.
func (s *MediaSource) WriteFrame(data []byte, duration time.Duration) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// Dispose marks the source stopped; subsequent writes are dropped. The
// track itself is detached by the peer sessions removing their senders.
func (s *MediaSource) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

// Disposed reports whether the source has been stopped.
func (s *MediaSource) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
