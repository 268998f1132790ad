package voice

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/concord-chat/voicebot/internal/clock"
)

// Connected-state poll fallback: some stacks do not reliably fire the
// connected transition, so the session polls after any remote description
// and force-announces on timeout.
const (
	connectedPollInterval = 250 * time.Millisecond
	connectedPollAttempts = 40
)

// SessionEvents is the session's only channel back to the orchestrator:
// outbound signalling plus lifecycle notifications. The session never holds
// a reference to its owner.
type SessionEvents struct {
	SendOffer     func(to string, sdp webrtc.SessionDescription)
	SendAnswer    func(to string, sdp webrtc.SessionDescription)
	SendCandidate func(to string, c webrtc.ICECandidateInit)
	Connected     func(remoteID string)
	StateChanged  func(remoteID string, state webrtc.PeerConnectionState)
	Closed        func(remoteID string)
	Glare         func()
	ICERestarted  func()
}

// PeerSession runs perfect negotiation and candidate plumbing for a single
// remote peer. The polite role is deterministic: the endpoint whose ID
// compares lexicographically smaller yields on collisions, so both sides
// agree without coordination.
type PeerSession struct {
	localID  string
	remoteID string
	polite   bool

	build  LinkFactory
	clk    *clock.FrameClock
	log    zerolog.Logger
	events SessionEvents

	mu                 sync.Mutex
	link               PeerLink
	makingOffer        bool
	ignoreOffer        bool
	remoteDescSet      bool
	pendingCandidates  []webrtc.ICECandidateInit
	pendingRenegotiate bool
	pendingICERestart  bool
	connectedAnnounced bool
	closed             bool
	audioSender        TrackSender
	videoSender        TrackSender
	pollCancel         context.CancelFunc
}

// NewPeerSession builds the underlying connection and wires its observers.
func NewPeerSession(localID, remoteID string, build LinkFactory, clk *clock.FrameClock, logger zerolog.Logger, events SessionEvents) (*PeerSession, error) {
	s := &PeerSession{
		localID:  localID,
		remoteID: remoteID,
		polite:   localID < remoteID,
		build:    build,
		clk:      clk,
		log: logger.With().
			Str("component", "peer-session").
			Str("peer_id", remoteID).
			Logger(),
		events: events,
	}

	link, err := build()
	if err != nil {
		return nil, err
	}
	s.link = link
	s.wire(link)

	s.log.Debug().Bool("polite", s.polite).Msg("peer session created")
	return s, nil
}

// RemoteID returns the remote peer's identifier.
func (s *PeerSession) RemoteID() string {
	return s.remoteID
}

// Polite reports whether this side yields on offer collisions.
func (s *PeerSession) Polite() bool {
	return s.polite
}

// Connected reports whether the underlying connection is established.
func (s *PeerSession) Connected() bool {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	return link != nil && link.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// Connecting reports whether a connection attempt is underway.
func (s *PeerSession) Connecting() bool {
	s.mu.Lock()
	link := s.link
	making := s.makingOffer
	s.mu.Unlock()
	if making {
		return true
	}
	return link != nil && link.ConnectionState() == webrtc.PeerConnectionStateConnecting
}

// ConnectedAnnounced reports whether the connected latch has fired.
func (s *PeerSession) ConnectedAnnounced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAnnounced
}

func (s *PeerSession) currentLink() PeerLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// wire attaches the session's observers to a link. Every handler checks it
// still belongs to the current link so a rebuilt session ignores stragglers
// from the connection it replaced.
func (s *PeerSession) wire(link PeerLink) {
	link.OnNegotiationNeeded(func() {
		if s.currentLink() != link {
			return
		}
		s.negotiate(false)
	})

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if s.currentLink() != link {
			return
		}
		if s.events.SendCandidate != nil {
			s.events.SendCandidate(s.remoteID, c)
		}
	})

	link.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.currentLink() != link {
			return
		}
		s.handleConnectionState(state)
	})

	link.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if s.currentLink() != link {
			return
		}
		if state == webrtc.SignalingStateStable {
			s.maybeRenegotiate()
		}
	})

	link.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if s.currentLink() != link {
			return
		}
		if state == webrtc.ICEConnectionStateFailed {
			s.log.Warn().Msg("ICE failed, restarting")
			s.RestartICE()
		}
	})
}

// AddAudioTrack attaches the shared audio track. On an established
// connection this fires negotiation-needed.
func (s *PeerSession) AddAudioTrack(t webrtc.TrackLocal) error {
	link := s.currentLink()
	if link == nil {
		return ErrNegotiationFailed
	}
	sender, err := link.AddTrack(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.audioSender = sender
	s.mu.Unlock()
	return nil
}

// AttachVideoTrack attaches the shared video track, reusing an existing
// video sender via replace when one is present so repeated playbacks never
// double-wire a track.
func (s *PeerSession) AttachVideoTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	link := s.link
	sender := s.videoSender
	s.mu.Unlock()

	if link == nil {
		return ErrNegotiationFailed
	}

	if sender != nil {
		return sender.ReplaceTrack(t)
	}

	newSender, err := link.AddTrack(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.videoSender = newSender
	s.mu.Unlock()
	return nil
}

// RemoveVideoTrack detaches the video sender, triggering renegotiation.
func (s *PeerSession) RemoveVideoTrack() error {
	s.mu.Lock()
	link := s.link
	sender := s.videoSender
	s.videoSender = nil
	s.mu.Unlock()

	if link == nil || sender == nil {
		return nil
	}
	return link.RemoveTrack(sender)
}

// HasVideoSender reports whether a video sender is attached.
func (s *PeerSession) HasVideoSender() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoSender != nil
}

// RestartICE re-runs connectivity checks through the negotiation pathway.
func (s *PeerSession) RestartICE() {
	if s.events.ICERestarted != nil {
		s.events.ICERestarted()
	}
	s.negotiate(true)
}

// negotiate creates and sends an offer unless one is already in flight or
// the signalling state is not stable, in which case the request is parked
// and replayed on the next stable transition.
func (s *PeerSession) negotiate(iceRestart bool) {
	s.mu.Lock()
	if s.closed || s.link == nil {
		s.mu.Unlock()
		return
	}
	link := s.link
	if s.makingOffer || link.SignalingState() != webrtc.SignalingStateStable {
		s.pendingRenegotiate = true
		s.pendingICERestart = s.pendingICERestart || iceRestart
		s.mu.Unlock()
		return
	}
	s.makingOffer = true
	restart := iceRestart || s.pendingICERestart
	s.pendingICERestart = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.makingOffer = false
		s.mu.Unlock()
	}()

	offer, err := link.CreateOffer(restart)
	if err != nil {
		s.negotiationFailed(err, restart)
		return
	}

	// The state may have moved while the offer was being created; applying
	// it now would corrupt the machine, so park the request instead.
	if link.SignalingState() != webrtc.SignalingStateStable {
		s.mu.Lock()
		s.pendingRenegotiate = true
		s.pendingICERestart = s.pendingICERestart || restart
		s.mu.Unlock()
		return
	}

	if err := link.SetLocalDescription(offer); err != nil {
		s.negotiationFailed(err, restart)
		return
	}

	local := link.LocalDescription()
	if local == nil {
		local = &offer
	}
	if s.events.SendOffer != nil {
		s.events.SendOffer(s.remoteID, *local)
	}
}

// HandleOffer applies an inbound offer under perfect-negotiation rules.
func (s *PeerSession) HandleOffer(offer webrtc.SessionDescription) {
	s.mu.Lock()
	if s.closed || s.link == nil {
		s.mu.Unlock()
		return
	}
	link := s.link
	collision := s.makingOffer || link.SignalingState() != webrtc.SignalingStateStable
	s.ignoreOffer = !s.polite && collision
	ignore := s.ignoreOffer
	if collision && !ignore {
		s.makingOffer = false
	}
	s.mu.Unlock()

	if collision {
		if s.events.Glare != nil {
			s.events.Glare()
		}
		if ignore {
			s.log.Debug().Msg("impolite side ignoring colliding offer")
			return
		}
		s.log.Debug().Msg("polite side rolling back for colliding offer")
		if err := link.Rollback(); err != nil {
			s.negotiationFailed(err, false)
			return
		}
	}

	if err := link.SetRemoteDescription(offer); err != nil {
		s.negotiationFailed(err, false)
		return
	}
	s.flushCandidates(link)

	answer, err := link.CreateAnswer()
	if err != nil {
		s.negotiationFailed(err, false)
		return
	}
	if err := link.SetLocalDescription(answer); err != nil {
		s.negotiationFailed(err, false)
		return
	}

	local := link.LocalDescription()
	if local == nil {
		local = &answer
	}
	if s.events.SendAnswer != nil {
		s.events.SendAnswer(s.remoteID, *local)
	}

	s.startConnectedPoll()
	s.maybeRenegotiate()
}

// HandleAnswer applies an inbound answer to our outstanding offer.
func (s *PeerSession) HandleAnswer(answer webrtc.SessionDescription) {
	s.mu.Lock()
	if s.closed || s.link == nil {
		s.mu.Unlock()
		return
	}
	link := s.link
	s.mu.Unlock()

	// A stale answer after the machine already settled is noise.
	if link.SignalingState() == webrtc.SignalingStateStable {
		s.log.Debug().Msg("dropping answer in stable state")
		return
	}

	if err := link.SetRemoteDescription(answer); err != nil {
		s.negotiationFailed(err, false)
		return
	}

	s.mu.Lock()
	s.ignoreOffer = false
	s.mu.Unlock()

	s.flushCandidates(link)
	s.startConnectedPoll()
	s.maybeRenegotiate()
}

// HandleCandidate applies or buffers a trickled candidate. Candidates that
// arrive while a colliding offer is being ignored are dropped with it.
func (s *PeerSession) HandleCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed || s.link == nil {
		s.mu.Unlock()
		return
	}
	if s.ignoreOffer {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, c)
		s.mu.Unlock()
		return
	}
	link := s.link
	s.mu.Unlock()

	if err := link.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("failed to add ICE candidate")
	}
}

// flushCandidates marks the remote description applied and drains the
// buffered candidates in receipt order.
func (s *PeerSession) flushCandidates(link PeerLink) {
	s.mu.Lock()
	s.remoteDescSet = true
	buffered := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range buffered {
		if err := link.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("failed to add buffered ICE candidate")
		}
	}
}

// maybeRenegotiate replays a parked negotiation once the machine is stable.
func (s *PeerSession) maybeRenegotiate() {
	s.mu.Lock()
	link := s.link
	if link == nil || !s.pendingRenegotiate || link.SignalingState() != webrtc.SignalingStateStable {
		s.mu.Unlock()
		return
	}
	s.pendingRenegotiate = false
	restart := s.pendingICERestart
	s.pendingICERestart = false
	s.mu.Unlock()

	s.negotiate(restart)
}

func (s *PeerSession) negotiationFailed(err error, restart bool) {
	s.log.Warn().Err(err).Msg("negotiation step failed")
	s.mu.Lock()
	s.pendingRenegotiate = true
	s.pendingICERestart = s.pendingICERestart || restart
	s.mu.Unlock()
}

// startConnectedPoll watches for the connected state after a remote
// description lands, announcing the latch once. On timeout the session
// force-announces: the pacer blocks harmlessly if media cannot flow.
func (s *PeerSession) startConnectedPoll() {
	s.mu.Lock()
	if s.pollCancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	link := s.link
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			if s.pollCancel != nil {
				s.pollCancel = nil
			}
			s.mu.Unlock()
		}()

		for i := 0; i < connectedPollAttempts; i++ {
			if link.ConnectionState() == webrtc.PeerConnectionStateConnected {
				s.announceConnected()
				return
			}
			if err := s.clk.Sleep(ctx, connectedPollInterval); err != nil {
				return
			}
		}
		s.log.Debug().Msg("connected poll timed out, announcing anyway")
		s.announceConnected()
	}()
}

// announceConnected fires the connected latch exactly once per link.
func (s *PeerSession) announceConnected() {
	s.mu.Lock()
	if s.connectedAnnounced || s.closed {
		s.mu.Unlock()
		return
	}
	s.connectedAnnounced = true
	s.mu.Unlock()

	s.log.Info().Msg("peer connected")
	if s.events.Connected != nil {
		s.events.Connected(s.remoteID)
	}
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.log.Debug().Str("state", state.String()).Msg("connection state changed")
	if s.events.StateChanged != nil {
		s.events.StateChanged(s.remoteID, state)
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.announceConnected()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if s.events.Closed != nil {
			s.events.Closed(s.remoteID)
		}
	}
}

// Rebuild replaces the underlying connection in place, preserving the
// remote ID and polite role. The connected latch resets with the new link.
func (s *PeerSession) Rebuild() error {
	s.mu.Lock()
	old := s.link
	cancel := s.pollCancel
	s.pollCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if old != nil {
		_ = old.Close()
	}

	link, err := s.build()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.link = link
	s.makingOffer = false
	s.ignoreOffer = false
	s.remoteDescSet = false
	s.pendingCandidates = nil
	s.pendingRenegotiate = false
	s.pendingICERestart = false
	s.connectedAnnounced = false
	s.audioSender = nil
	s.videoSender = nil
	s.mu.Unlock()

	s.wire(link)
	s.log.Debug().Msg("peer link rebuilt")
	return nil
}

// Close tears the session down. Safe to call more than once.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.pollCancel
	s.pollCancel = nil
	link := s.link
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		_ = link.Close()
	}
	s.log.Debug().Msg("peer session closed")
}
