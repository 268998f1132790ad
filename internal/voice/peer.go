package voice

import (
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/concord-chat/voicebot/internal/media"
)

// TrackSender is the handle a PeerLink returns for an added track; it
// supports in-place replacement for video restarts.
type TrackSender interface {
	ReplaceTrack(t webrtc.TrackLocal) error
}

// PeerLink is the narrow capability surface the session needs from a
// WebRTC peer connection. Any implementation offering these can be
// substituted; tests use fakes.
type PeerLink interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	Rollback() error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(t webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(s TrackSender) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error

	OnNegotiationNeeded(fn func())
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnSignalingStateChange(fn func(webrtc.SignalingState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
}

// LinkFactory builds a fresh PeerLink, used both for new sessions and for
// rebuilding a session's connection in place.
type LinkFactory func() (PeerLink, error)

// InboundStats receives counts of RTP packets read from remote tracks.
type InboundStats func(kind string, packets int)

// NewPionLinkFactory returns a LinkFactory backed by pion, with the raw
// media codecs registered on a shared API instance. Remote tracks are
// drained and counted; this endpoint never renders inbound media.
func NewPionLinkFactory(iceServers []webrtc.ICEServer, stats InboundStats, logger zerolog.Logger) (LinkFactory, error) {
	engine := &webrtc.MediaEngine{}
	if err := media.RegisterCodecs(engine); err != nil {
		return nil, fmt.Errorf("voice: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(engine))
	log := logger.With().Str("component", "peer-link").Logger()

	return func() (PeerLink, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerConnectionBuild, err)
		}

		l := &pionLink{pc: pc, log: log}

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go l.drainRemoteTrack(track, stats)
		})

		return l, nil
	}, nil
}

// pionLink adapts *webrtc.PeerConnection to PeerLink.
type pionLink struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger
}

func (l *pionLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return l.pc.CreateOffer(opts)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) LocalDescription() *webrtc.SessionDescription {
	return l.pc.LocalDescription()
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *pionLink) AddTrack(t webrtc.TrackLocal) (TrackSender, error) {
	sender, err := l.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (l *pionLink) RemoveTrack(s TrackSender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("voice: foreign track sender %T", s)
	}
	return l.pc.RemoveTrack(sender)
}

func (l *pionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *pionLink) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

func (l *pionLink) OnNegotiationNeeded(fn func()) {
	l.pc.OnNegotiationNeeded(fn)
}

func (l *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (l *pionLink) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(fn)
}

func (l *pionLink) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	l.pc.OnSignalingStateChange(fn)
}

func (l *pionLink) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	l.pc.OnICEConnectionStateChange(fn)
}

// drainRemoteTrack reads inbound RTP so the transport keeps flowing and
// receiver reports stay honest; payloads are dropped.
func (l *pionLink) drainRemoteTrack(track *webrtc.TrackRemote, stats InboundStats) {
	kind := track.Kind().String()
	buf := make([]byte, 1500)

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				l.log.Debug().Err(err).Str("kind", kind).Msg("remote track read ended")
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if stats != nil {
			stats(kind, 1)
		}
	}
}
