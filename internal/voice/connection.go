package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/concord-chat/voicebot/internal/clock"
	"github.com/concord-chat/voicebot/internal/config"
	"github.com/concord-chat/voicebot/internal/media"
	"github.com/concord-chat/voicebot/internal/observability"
	"github.com/concord-chat/voicebot/internal/signaling"
)

const (
	defaultMaxConnectedPeers = 100
	defaultHeartbeat         = 5 * time.Second

	// Admission pacing
	negotiationWindow  = 3 * time.Second
	massJoinBatchGap   = 5 * time.Second
	massJoinCooldown   = 10 * time.Second
	massJoinBatchCap   = 20
	reconnectSpacing   = 1 * time.Second
	dispatchJitterMax  = 200 * time.Millisecond
	singleJoinJitter   = 300 * time.Millisecond
	resyncBarrierLead  = 120 * time.Millisecond
	peerGateTimeout    = 3 * time.Second
	videoFrameFallback = 2500 * time.Millisecond
)

// Identity pins a VoiceConnection to one channel; immutable for its lifetime.
type Identity struct {
	PeerID    string
	ServerID  string
	ChannelID string
}

// Options tunes a VoiceConnection.
type Options struct {
	Debug             bool
	MaxConnectedPeers int
	HeartbeatInterval time.Duration
	ICEServers        []config.ICEServerConfig
	Media             config.MediaConfig
}

// PlayOptions tunes an audio playback.
type PlayOptions struct {
	Loop   bool
	Effect *media.EffectConfig
}

// VideoKind distinguishes the two video announcement flavours.
type VideoKind string

const (
	VideoScreen VideoKind = "screen"
	VideoCamera VideoKind = "camera"
)

// VideoOptions tunes a video playback.
type VideoOptions struct {
	Loop bool
	Kind VideoKind
}

// Events carries the user-visible playback notifications. Individual peer
// failures are never surfaced here; the mesh degrades gracefully.
type Events struct {
	OnFinish  func(kind media.TrackKind)
	OnError   func(err error)
	OnStutter func(kind media.TrackKind)
}

// VoiceConnection orchestrates one channel membership: it owns the
// signalling subscriptions, the shared media sources, every peer session
// and the admission machinery.
type VoiceConnection struct {
	id        Identity
	bus       signaling.Bus
	buildLink LinkFactory
	clk       *clock.FrameClock
	log       zerolog.Logger
	metrics   *observability.Metrics
	opts      Options
	events    Events

	mu            sync.Mutex
	joined        bool
	sessions      map[string]*PeerSession
	priority      map[string]bool
	massJoinUntil time.Time
	pumping       bool
	unsubs        []func()
	timers        map[*bclock.Timer]struct{}
	runCtx        context.Context
	runCancel     context.CancelFunc
	ready         chan struct{}
	readyClosed   bool
	firstPeer     chan struct{}
	firstClosed   bool

	audioSource  *media.MediaSource
	videoSource  *media.MediaSource
	audioDecoder *media.Decoder
	videoDecoder *media.Decoder
	audioPacer   *media.Pacer
	videoPacer   *media.Pacer
	videoKind    VideoKind
	lastAnnounce string

	queue *admissionQueue
}

// New creates a VoiceConnection for a channel. A missing peer ID is
// generated; missing options fall back to defaults.
func New(id Identity, bus signaling.Bus, buildLink LinkFactory, opts Options, clk *clock.FrameClock, metrics *observability.Metrics, logger zerolog.Logger) *VoiceConnection {
	if id.PeerID == "" {
		id.PeerID = uuid.NewString()
	}
	if opts.MaxConnectedPeers <= 0 {
		opts.MaxConnectedPeers = defaultMaxConnectedPeers
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}

	level := logger
	if opts.Debug {
		level = logger.Level(zerolog.DebugLevel)
	}

	return &VoiceConnection{
		id:        id,
		bus:       bus,
		buildLink: buildLink,
		clk:       clk,
		metrics:   metrics,
		opts:      opts,
		log: level.With().
			Str("component", "voice-connection").
			Str("channel_id", id.ChannelID).
			Logger(),
		sessions: make(map[string]*PeerSession),
		priority: make(map[string]bool),
		timers:   make(map[*bclock.Timer]struct{}),
		queue:    newAdmissionQueue(),
	}
}

// SetEvents registers the playback event callbacks. Call before Join.
func (c *VoiceConnection) SetEvents(ev Events) {
	c.events = ev
}

// ChannelID returns the joined channel.
func (c *VoiceConnection) ChannelID() string { return c.id.ChannelID }

// ServerID returns the owning server.
func (c *VoiceConnection) ServerID() string { return c.id.ServerID }

// PeerID returns the local peer identifier.
func (c *VoiceConnection) PeerID() string { return c.id.PeerID }

// PeerCount returns the number of held peer sessions.
func (c *VoiceConnection) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Connected reports whether at least one peer session is established.
func (c *VoiceConnection) Connected() bool {
	c.mu.Lock()
	sessions := make([]*PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		if s.Connected() {
			return true
		}
	}
	return false
}

// Ready returns a channel closed when the first participant snapshot for
// this channel has been processed.
func (c *VoiceConnection) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// MassJoinInProgress reports whether a batched participant dispatch is
// still running (plus its cool-down).
func (c *VoiceConnection) MassJoinInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Before(c.massJoinUntil)
}

// Join registers the signalling listeners, announces this endpoint and
// starts the heartbeat.
func (c *VoiceConnection) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.joined = true
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.ready = make(chan struct{})
	c.readyClosed = false
	c.firstPeer = make(chan struct{})
	c.firstClosed = false
	runCtx := c.runCtx
	c.mu.Unlock()

	c.registerHandlers()

	if err := c.send(signaling.EventJoin, signaling.JoinPayload{
		ChannelID: c.id.ChannelID,
		ServerID:  c.id.ServerID,
		PeerID:    c.id.PeerID,
	}); err != nil {
		c.teardown(false)
		return fmt.Errorf("voice: join: %w", err)
	}

	go c.heartbeatLoop(runCtx)

	c.log.Info().Str("peer_id", c.id.PeerID).Msg("joined voice channel")
	return nil
}

// Leave is the master cancel: media stopped, sessions destroyed, queue
// cleared, listeners deregistered, tracks disposed. After it returns the
// instance holds no timers, subprocesses or handlers.
func (c *VoiceConnection) Leave() error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.StopAudio()
	c.StopVideo()
	c.teardown(true)

	c.log.Info().Msg("left voice channel")
	return nil
}

// teardown releases everything Join acquired. sendLeave controls whether
// the departure is announced on the bus.
func (c *VoiceConnection) teardown(sendLeave bool) {
	c.mu.Lock()
	c.joined = false
	cancel := c.runCancel
	c.runCancel = nil
	unsubs := c.unsubs
	c.unsubs = nil
	timers := c.timers
	c.timers = make(map[*bclock.Timer]struct{})
	sessions := c.sessions
	c.sessions = make(map[string]*PeerSession)
	audioSrc := c.audioSource
	c.audioSource = nil
	c.massJoinUntil = time.Time{}
	c.lastAnnounce = ""
	c.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
	if cancel != nil {
		cancel()
	}
	for _, s := range sessions {
		s.Close()
	}
	c.queue.Clear()
	for _, fn := range unsubs {
		fn()
	}
	if audioSrc != nil {
		audioSrc.Dispose()
	}

	if sendLeave {
		_ = c.send(signaling.EventLeave, c.id.ChannelID)
	}

	c.metrics.ConnectedPeers.Set(0)
	c.metrics.ActiveNegotiations.Set(0)
	c.metrics.AdmissionQueueLen.Set(0)
}

// --- signalling plumbing ---

func (c *VoiceConnection) send(event signaling.EventType, payload interface{}) error {
	if err := c.bus.Send(event, payload); err != nil {
		c.log.Warn().Err(err).Str("event", string(event)).Msg("gateway send failed")
		if errors.Is(err, signaling.ErrNotConnected) {
			return fmt.Errorf("%w: %v", ErrTransportDisconnected, err)
		}
		return err
	}
	c.metrics.SignalsSent.WithLabelValues(string(event)).Inc()
	return nil
}

func (c *VoiceConnection) registerHandlers() {
	sub := func(event signaling.EventType, h signaling.Handler) {
		un := c.bus.On(event, func(env signaling.Envelope) {
			c.metrics.SignalsReceived.WithLabelValues(string(env.Event)).Inc()
			h(env)
		})
		c.mu.Lock()
		c.unsubs = append(c.unsubs, un)
		c.mu.Unlock()
	}

	sub(signaling.EventParticipants, c.handleParticipants)
	sub(signaling.EventUserJoined, c.handleUserJoined)
	sub(signaling.EventUserLeft, c.handleUserLeft)
	sub(signaling.EventOffer, c.handleOffer)
	sub(signaling.EventAnswer, c.handleAnswer)
	sub(signaling.EventICECandidate, c.handleCandidate)
	sub(signaling.EventForceReconnect, c.handleForceReconnect)
	sub(signaling.EventResyncRequest, c.handleResyncRequest)

	un := c.bus.OnReconnect(c.handleTransportReconnect)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, un)
	c.mu.Unlock()
}

func (c *VoiceConnection) handleParticipants(env signaling.Envelope) {
	var p signaling.ParticipantsPayload
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid participants payload")
		return
	}
	if p.ChannelID != c.id.ChannelID {
		return
	}

	c.mu.Lock()
	if !c.readyClosed {
		c.readyClosed = true
		close(c.ready)
	}
	c.mu.Unlock()

	c.dispatchParticipants(p.Participants)
}

func (c *VoiceConnection) handleUserJoined(env signaling.Envelope) {
	var p signaling.UserJoinedPayload
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid user-joined payload")
		return
	}
	peerID := p.PeerID()
	if peerID == "" || peerID == c.id.PeerID {
		return
	}

	tier := c.currentTier()
	crowd := time.Duration(c.PeerCount()) * tier.StaggerPerPeer / 2
	delay := tier.StaggerBase + crowd + jitter(singleJoinJitter)

	c.log.Debug().Str("peer_id", peerID).Dur("delay", delay).Msg("peer joined, scheduling admission")
	c.scheduleAdmission(peerID, delay)
}

func (c *VoiceConnection) handleUserLeft(env signaling.Envelope) {
	var p signaling.UserLeftPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	peerID := p.PeerID()
	if peerID == "" {
		return
	}

	c.log.Debug().Str("peer_id", peerID).Msg("peer left")
	c.queue.Remove(peerID)
	c.queue.ClearCooldown(peerID)
	c.destroySession(peerID)
}

func (c *VoiceConnection) handleOffer(env signaling.Envelope) {
	var p signaling.OfferPayload
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid offer payload")
		return
	}
	if p.ChannelID != c.id.ChannelID || p.From == "" {
		return
	}

	s, err := c.ensureSession(p.From)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", p.From).Msg("failed to create session for offer")
		return
	}
	s.HandleOffer(descFromWire(p.Offer))
}

func (c *VoiceConnection) handleAnswer(env signaling.Envelope) {
	var p signaling.AnswerPayload
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid answer payload")
		return
	}
	if p.ChannelID != c.id.ChannelID || p.From == "" {
		return
	}

	c.mu.Lock()
	s := c.sessions[p.From]
	c.mu.Unlock()
	if s == nil {
		c.log.Debug().Str("peer_id", p.From).Msg("answer for unknown peer")
		return
	}
	s.HandleAnswer(descFromWire(p.Answer))
}

func (c *VoiceConnection) handleCandidate(env signaling.Envelope) {
	var p signaling.ICECandidatePayload
	if err := env.Decode(&p); err != nil {
		c.log.Warn().Err(err).Msg("invalid candidate payload")
		return
	}
	if p.ChannelID != c.id.ChannelID || p.From == "" {
		return
	}

	s, err := c.ensureSession(p.From)
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", p.From).Msg("failed to create session for candidate")
		return
	}
	s.HandleCandidate(candidateFromWire(p.Candidate))
}

func (c *VoiceConnection) handleForceReconnect(env signaling.Envelope) {
	var p signaling.ForceReconnectPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.ChannelID != c.id.ChannelID {
		return
	}

	switch p.TargetPeer {
	case c.id.PeerID:
		c.log.Info().Str("reason", p.Reason).Msg("force-reconnect targeting this endpoint")
		c.mu.Lock()
		known := make([]string, 0, len(c.sessions))
		for id := range c.sessions {
			known = append(known, id)
		}
		c.mu.Unlock()
		for i, id := range known {
			c.destroySession(id)
			c.queue.ClearCooldown(id)
			c.scheduleAdmission(id, time.Duration(i)*reconnectSpacing)
		}
	case "*", "all":
		// Broadcast reconnects are for flapping clients; a resilient
		// endpoint sits tight rather than amplifying the churn.
		c.log.Debug().Str("reason", p.Reason).Msg("ignoring broadcast force-reconnect")
	default:
		c.mu.Lock()
		_, known := c.sessions[p.TargetPeer]
		c.mu.Unlock()
		if !known {
			return
		}
		c.log.Info().Str("peer_id", p.TargetPeer).Str("reason", p.Reason).Msg("force-reconnect for peer")
		c.destroySession(p.TargetPeer)
		c.queue.ClearCooldown(p.TargetPeer)
		c.scheduleAdmission(p.TargetPeer, 0)
	}
}

func (c *VoiceConnection) handleResyncRequest(env signaling.Envelope) {
	var p signaling.ResyncRequestPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.ChannelID != c.id.ChannelID {
		return
	}

	c.log.Debug().Str("peer_id", p.From).Msg("resync requested")
	c.resyncAV()

	c.mu.Lock()
	s := c.sessions[p.From]
	c.mu.Unlock()
	if s != nil {
		s.RestartICE()
	}
}

// handleTransportReconnect restores channel state after the gateway
// connection is re-established: re-announce, re-heartbeat and re-admit
// every previously known peer with gentle spacing.
func (c *VoiceConnection) handleTransportReconnect() {
	c.mu.Lock()
	joined := c.joined
	known := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		known = append(known, id)
	}
	videoActive := c.videoSource != nil
	c.lastAnnounce = ""
	c.mu.Unlock()

	if !joined {
		return
	}

	c.log.Info().Int("peers", len(known)).Msg("gateway reconnected, restoring voice state")

	for _, id := range known {
		c.destroySession(id)
	}
	c.queue.Clear()

	_ = c.send(signaling.EventJoin, signaling.JoinPayload{
		ChannelID: c.id.ChannelID,
		ServerID:  c.id.ServerID,
		PeerID:    c.id.PeerID,
	})
	_ = c.send(signaling.EventHeartbeat, signaling.HeartbeatPayload{ChannelID: c.id.ChannelID})

	for i, id := range known {
		c.queue.ClearCooldown(id)
		c.scheduleAdmission(id, time.Duration(i)*reconnectSpacing)
	}

	if videoActive {
		c.announceVideoState(true)
	}
}

func (c *VoiceConnection) heartbeatLoop(ctx context.Context) {
	ticker := c.clk.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.send(signaling.EventHeartbeat, signaling.HeartbeatPayload{ChannelID: c.id.ChannelID})
		}
	}
}

// --- admission control ---

func (c *VoiceConnection) currentTier() Tier {
	return tierFor(c.PeerCount() + c.queue.Len())
}

// dispatchParticipants schedules admissions for an initial participant
// snapshot: staggered individually for small crowds, batched with 5 s gaps
// for large ones.
func (c *VoiceConnection) dispatchParticipants(participants []string) {
	peers := make([]string, 0, len(participants))
	seen := make(map[string]bool)
	for _, id := range participants {
		if id == "" || id == c.id.PeerID || seen[id] {
			continue
		}
		seen[id] = true
		peers = append(peers, id)
	}
	if len(peers) == 0 {
		return
	}

	tier := tierFor(c.PeerCount() + c.queue.Len() + len(peers))
	c.log.Info().
		Int("count", len(peers)).
		Str("tier", tier.Name).
		Msg("dispatching participant list")

	batchSize := tier.MaxPeers
	if batchSize > massJoinBatchCap {
		batchSize = massJoinBatchCap
	}

	if len(peers) <= batchSize {
		for i, id := range peers {
			delay := tier.StaggerBase + time.Duration(i)*tier.StaggerPerPeer + jitter(dispatchJitterMax)
			c.scheduleAdmission(id, delay)
		}
		return
	}

	var lastDelay time.Duration
	for b := 0; b*batchSize < len(peers); b++ {
		batch := peers[b*batchSize:]
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		batchDelay := time.Duration(b) * massJoinBatchGap
		for i, id := range batch {
			delay := batchDelay + tier.StaggerBase + time.Duration(i)*tier.StaggerPerPeer + jitter(dispatchJitterMax)
			if delay > lastDelay {
				lastDelay = delay
			}
			c.scheduleAdmission(id, delay)
		}
	}

	c.mu.Lock()
	c.massJoinUntil = c.clk.Now().Add(lastDelay + massJoinCooldown)
	c.mu.Unlock()
	c.log.Info().Dur("window", lastDelay+massJoinCooldown).Msg("mass join in progress")
}

// scheduleAdmission enqueues a peer after a delay.
func (c *VoiceConnection) scheduleAdmission(peerID string, delay time.Duration) {
	if delay <= 0 {
		c.enqueue(peerID)
		return
	}
	c.afterFunc(delay, func() {
		c.enqueue(peerID)
	})
}

// enqueue pushes a peer through the admission gates into the queue.
func (c *VoiceConnection) enqueue(peerID string) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined || !c.admissible(peerID) {
		return
	}

	if c.queue.Push(peerID) {
		c.metrics.AdmissionQueueLen.Set(float64(c.queue.Len()))
		c.kickPump()
	}
}

// admissible applies the three admission gates: capacity (priority peers
// bypass), cooldown, de-duplication.
func (c *VoiceConnection) admissible(peerID string) bool {
	if peerID == "" || peerID == c.id.PeerID {
		return false
	}

	c.mu.Lock()
	s := c.sessions[peerID]
	count := len(c.sessions)
	prio := c.priority[peerID]
	c.mu.Unlock()

	if s != nil && (s.Connected() || s.Connecting()) {
		return false // ErrAlreadyActive, silently skipped
	}
	if s == nil && count >= c.opts.MaxConnectedPeers && !prio {
		c.log.Debug().Str("peer_id", peerID).Msg("admission rejected at capacity")
		return false // ErrCapacityExceeded, log only
	}
	if c.queue.Contains(peerID) {
		return false
	}
	if c.queue.OnCooldown(peerID, c.clk.Now(), c.currentTier().Cooldown) {
		return false
	}
	return true
}

// kickPump starts the single-flight queue pump if it is not running.
func (c *VoiceConnection) kickPump() {
	c.mu.Lock()
	if c.pumping || !c.joined {
		c.mu.Unlock()
		return
	}
	c.pumping = true
	ctx := c.runCtx
	c.mu.Unlock()

	go c.pump(ctx)
}

// pump drains the admission queue while negotiation slots are free. Each
// admitted peer occupies a slot for the negotiation window, then the slot
// frees and the pump re-kicks.
func (c *VoiceConnection) pump(ctx context.Context) {
	for ctx.Err() == nil {
		tier := c.currentTier()
		if c.queue.Active() >= tier.Concurrent {
			break
		}
		peerID := c.queue.Pop()
		if peerID == "" {
			break
		}
		c.metrics.AdmissionQueueLen.Set(float64(c.queue.Len()))

		// State may have changed while queued.
		if !c.admissible(peerID) {
			continue
		}

		c.queue.StampCooldown(peerID, c.clk.Now())
		c.queue.IncActive()
		c.metrics.ActiveNegotiations.Set(float64(c.queue.Active()))

		if _, err := c.ensureSession(peerID); err != nil {
			c.log.Error().Err(err).Str("peer_id", peerID).Msg("failed to start negotiation")
			c.queue.DecActive()
			c.metrics.ActiveNegotiations.Set(float64(c.queue.Active()))
			continue
		}

		// Free the slot after the in-flight window whether or not the
		// session reached connected; the session keeps negotiating.
		c.afterFunc(negotiationWindow, func() {
			c.queue.DecActive()
			c.metrics.ActiveNegotiations.Set(float64(c.queue.Active()))
			c.kickPump()
		})

		if err := c.clk.Sleep(ctx, tier.StaggerPerPeer); err != nil {
			break
		}
	}

	c.mu.Lock()
	c.pumping = false
	joined := c.joined
	c.mu.Unlock()

	if joined && c.queue.Len() > 0 && c.queue.Active() < c.currentTier().Concurrent {
		c.kickPump()
	}
}

// ensureSession returns the session for a peer, creating it (and attaching
// the shared audio track, which triggers the initial negotiation) if absent.
func (c *VoiceConnection) ensureSession(peerID string) (*PeerSession, error) {
	c.mu.Lock()
	if s := c.sessions[peerID]; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := NewPeerSession(c.id.PeerID, peerID, c.buildLink, c.clk, c.log, c.sessionEvents())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing := c.sessions[peerID]; existing != nil {
		c.mu.Unlock()
		s.Close()
		return existing, nil
	}
	c.sessions[peerID] = s
	count := len(c.sessions)
	c.mu.Unlock()

	c.metrics.ConnectedPeers.Set(float64(count))

	src, err := c.ensureAudioSource()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to create audio source")
	} else if err := s.AddAudioTrack(src.Track()); err != nil {
		c.log.Warn().Err(err).Str("peer_id", peerID).Msg("failed to add audio track")
	}

	return s, nil
}

func (c *VoiceConnection) sessionEvents() SessionEvents {
	return SessionEvents{
		SendOffer: func(to string, sdp webrtc.SessionDescription) {
			_ = c.send(signaling.EventOffer, signaling.OfferPayload{
				To:        to,
				Offer:     descToWire(sdp),
				ChannelID: c.id.ChannelID,
			})
		},
		SendAnswer: func(to string, sdp webrtc.SessionDescription) {
			_ = c.send(signaling.EventAnswer, signaling.AnswerPayload{
				To:        to,
				Answer:    descToWire(sdp),
				ChannelID: c.id.ChannelID,
			})
		},
		SendCandidate: func(to string, cand webrtc.ICECandidateInit) {
			_ = c.send(signaling.EventICECandidate, signaling.ICECandidatePayload{
				To:        to,
				Candidate: candidateToWire(cand),
				ChannelID: c.id.ChannelID,
			})
		},
		Connected: c.onPeerConnected,
		StateChanged: func(remoteID string, state webrtc.PeerConnectionState) {
			_ = c.send(signaling.EventPeerStateReport, signaling.PeerStateReportPayload{
				ChannelID:    c.id.ChannelID,
				TargetPeerID: remoteID,
				State:        state.String(),
				Timestamp:    c.clk.Now().UnixMilli(),
			})
		},
		Closed: func(remoteID string) {
			c.metrics.PeerSessionsTotal.WithLabelValues("failed").Inc()
			c.destroySession(remoteID)
		},
		Glare: func() {
			c.metrics.NegotiationGlare.Inc()
		},
		ICERestarted: func() {
			c.metrics.ICERestarts.Inc()
		},
	}
}

// onPeerConnected fires once per session lifetime: late joiners get the
// video track attached and the pacers realigned so their first frames are
// in sync.
func (c *VoiceConnection) onPeerConnected(remoteID string) {
	c.metrics.PeerSessionsTotal.WithLabelValues("connected").Inc()

	c.mu.Lock()
	s := c.sessions[remoteID]
	videoSrc := c.videoSource
	videoPlaying := c.videoPacer != nil
	if !c.firstClosed && c.firstPeer != nil {
		c.firstClosed = true
		close(c.firstPeer)
	}
	c.mu.Unlock()

	if s == nil {
		return
	}

	if videoSrc != nil && videoPlaying {
		if err := s.AttachVideoTrack(videoSrc.Track()); err != nil {
			c.log.Warn().Err(err).Str("peer_id", remoteID).Msg("failed to attach video track")
		}
		c.resyncAV()
	}
}

// destroySession removes and closes a peer session.
func (c *VoiceConnection) destroySession(peerID string) {
	c.mu.Lock()
	s := c.sessions[peerID]
	delete(c.sessions, peerID)
	count := len(c.sessions)
	c.mu.Unlock()

	c.metrics.ConnectedPeers.Set(float64(count))
	if s != nil {
		s.Close()
		c.log.Debug().Str("peer_id", peerID).Msg("peer session destroyed")
	}
}

// SetPeerPriority flags a peer to bypass the admission capacity cap.
func (c *VoiceConnection) SetPeerPriority(peerID string, isPriority bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isPriority {
		c.priority[peerID] = true
	} else {
		delete(c.priority, peerID)
	}
}

// --- media operations ---

func (c *VoiceConnection) mediaCfg() media.DecoderConfig {
	return media.DecoderConfig{
		FFmpegPath:      c.opts.Media.FFmpegPath,
		FFprobePath:     c.opts.Media.FFprobePath,
		AudioRingFrames: c.opts.Media.AudioRingFrames,
		VideoRingFrames: c.opts.Media.VideoRingFrames,
		UserAgent:       c.opts.Media.HTTPUserAgent,
	}
}

func (c *VoiceConnection) ensureAudioSource() (*media.MediaSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioSource != nil {
		return c.audioSource, nil
	}
	src, err := media.NewMediaSource(media.TrackAudio)
	if err != nil {
		return nil, err
	}
	c.audioSource = src
	return src, nil
}

// PlayFile decodes a local container file to the shared audio track.
func (c *VoiceConnection) PlayFile(path string, opts PlayOptions) error {
	return c.playAudio(path, opts, true)
}

// PlayURL decodes an HTTP(S) stream to the shared audio track.
func (c *VoiceConnection) PlayURL(url string, opts PlayOptions) error {
	return c.playAudio(url, opts, false)
}

func (c *VoiceConnection) playAudio(input string, opts PlayOptions, fixedFile bool) error {
	c.StopAudio()

	src, err := c.ensureAudioSource()
	if err != nil {
		return err
	}

	dec := media.NewDecoder(media.DecoderJob{
		Input:  input,
		Kind:   media.TrackAudio,
		Loop:   opts.Loop,
		Effect: opts.Effect,
	}, c.mediaCfg(), c.clk, c.log)

	dec.OnWarning(func(line string) {
		c.log.Debug().Str("warning", line).Msg("audio decoder warning")
	})
	dec.OnError(func(err error) {
		c.log.Error().Err(err).Msg("audio playback failed")
		c.StopAudio()
		if c.events.OnError != nil {
			c.events.OnError(err)
		}
	})
	dec.OnRestart(func() {
		c.metrics.DecoderRestarts.Inc()
	})
	dec.OnFinish(func() {
		c.log.Info().Msg("audio playback finished")
		c.StopAudio()
		if c.events.OnFinish != nil {
			c.events.OnFinish(media.TrackAudio)
		}
	})

	ctx := c.mediaContext()
	if err := dec.Start(ctx); err != nil {
		return err
	}

	pacer := media.NewPacer(media.PacerConfig{
		Kind:          media.TrackAudio,
		FrameDuration: media.AudioFrameDuration,
		FixedFile:     fixedFile && !opts.Loop,
	}, dec.Ring(), c.meteredSink(src, media.TrackAudio), c.clk, c.log)

	pacer.OnStutter(func() {
		c.metrics.Stutters.WithLabelValues(string(media.TrackAudio)).Inc()
		if c.events.OnStutter != nil {
			c.events.OnStutter(media.TrackAudio)
		}
	})

	c.mu.Lock()
	c.audioDecoder = dec
	c.audioPacer = pacer
	c.mu.Unlock()

	pacer.Prime(ctx)
	go c.releaseAudio(ctx, pacer)

	c.log.Info().Str("input", input).Bool("loop", opts.Loop).Msg("audio playback primed")
	return nil
}

// releaseAudio holds the primed audio pacer until the connection gate
// opens (first connected peer, or the fallback window for an empty room).
func (c *VoiceConnection) releaseAudio(ctx context.Context, pacer *media.Pacer) {
	c.waitPeerGate(ctx)

	c.mu.Lock()
	current := c.audioPacer
	videoPacer := c.videoPacer
	c.mu.Unlock()
	if current != pacer {
		return // superseded by a newer playback
	}

	if videoPacer != nil && !videoPacer.Running() {
		// Dual-track start is coordinated by the video release path.
		return
	}
	pacer.Unpause(time.Time{})
}

// PlayVideo decodes a file or stream to a fresh shared video track and
// coordinates its start against any running audio.
func (c *VoiceConnection) PlayVideo(input string, opts VideoOptions) error {
	c.StopVideo()

	if opts.Kind == "" {
		opts.Kind = VideoScreen
	}

	src, err := media.NewMediaSource(media.TrackVideo)
	if err != nil {
		return err
	}

	dec := media.NewDecoder(media.DecoderJob{
		Input:  input,
		Kind:   media.TrackVideo,
		Loop:   opts.Loop,
		Width:  c.opts.Media.VideoWidth,
		Height: c.opts.Media.VideoHeight,
	}, c.mediaCfg(), c.clk, c.log)

	dec.OnWarning(func(line string) {
		c.log.Debug().Str("warning", line).Msg("video decoder warning")
	})
	dec.OnError(func(err error) {
		c.log.Error().Err(err).Msg("video playback failed")
		c.StopVideo()
		if c.events.OnError != nil {
			c.events.OnError(err)
		}
	})
	dec.OnRestart(func() {
		c.metrics.DecoderRestarts.Inc()
	})
	dec.OnFinish(func() {
		c.log.Info().Msg("video playback finished")
		c.StopVideo()
		if c.events.OnFinish != nil {
			c.events.OnFinish(media.TrackVideo)
		}
	})

	ctx := c.mediaContext()
	if err := dec.Start(ctx); err != nil {
		return err
	}

	pacer := media.NewPacer(media.PacerConfig{
		Kind:          media.TrackVideo,
		FrameDuration: dec.FrameDuration(),
	}, dec.Ring(), c.meteredSink(src, media.TrackVideo), c.clk, c.log)

	pacer.OnStutter(func() {
		c.metrics.Stutters.WithLabelValues(string(media.TrackVideo)).Inc()
		if c.events.OnStutter != nil {
			c.events.OnStutter(media.TrackVideo)
		}
	})

	c.mu.Lock()
	c.videoSource = src
	c.videoDecoder = dec
	c.videoPacer = pacer
	c.videoKind = opts.Kind
	c.mu.Unlock()

	pacer.Prime(ctx)

	// Wire the new track into every established session; the replace path
	// keeps repeat playbacks from double-wiring.
	for _, s := range c.connectedSessions() {
		if err := s.AttachVideoTrack(src.Track()); err != nil {
			c.log.Warn().Err(err).Str("peer_id", s.RemoteID()).Msg("failed to attach video track")
		}
	}

	c.announceVideoState(true)
	go c.releaseVideo(ctx, dec, pacer)

	c.log.Info().
		Str("input", input).
		Str("kind", string(opts.Kind)).
		Float64("fps", dec.TargetFPS()).
		Msg("video playback primed")
	return nil
}

// releaseVideo implements the coordinated A/V start: wait for the first
// decoded frame (or the fallback window), then release audio and video at
// one shared barrier instant.
func (c *VoiceConnection) releaseVideo(ctx context.Context, dec *media.Decoder, pacer *media.Pacer) {
	c.waitPeerGate(ctx)

	deadline := c.clk.Now().Add(videoFrameFallback)
	for dec.Ring().Frames() == 0 && c.clk.Now().Before(deadline) {
		if err := c.clk.Sleep(ctx, 50*time.Millisecond); err != nil {
			return
		}
	}

	c.mu.Lock()
	audioPacer := c.audioPacer
	current := c.videoPacer
	c.mu.Unlock()
	if current != pacer {
		return
	}

	barrier := c.clk.Now().Add(resyncBarrierLead)

	if audioPacer != nil {
		if audioPacer.Running() {
			// Audio is mid-flight: realign video to its position before the
			// joint restart.
			pos := audioPacer.Position()
			audioPacer.Pause()
			pacer.Resync(pos)
		}
		audioPacer.Unpause(barrier)
	}
	pacer.Unpause(barrier)
}

// waitPeerGate blocks until the first peer connects, the gate window
// elapses, or ctx is cancelled. With an empty room playback proceeds on
// the fallback so a solo bot still streams.
func (c *VoiceConnection) waitPeerGate(ctx context.Context) {
	if c.Connected() {
		return
	}

	c.mu.Lock()
	gate := c.firstPeer
	c.mu.Unlock()
	if gate == nil {
		gate = make(chan struct{}) // never closed: fall through on timeout
	}

	select {
	case <-gate:
	case <-c.clk.After(peerGateTimeout):
	case <-ctx.Done():
	}
}

// StopAudio terminates the audio pipeline. Idempotent.
func (c *VoiceConnection) StopAudio() {
	c.mu.Lock()
	dec := c.audioDecoder
	pacer := c.audioPacer
	c.audioDecoder = nil
	c.audioPacer = nil
	c.mu.Unlock()

	if pacer != nil {
		pacer.Stop()
	}
	if dec != nil {
		dec.Stop()
	}
}

// StopVideo terminates the video pipeline, detaches the track from every
// session and announces the disabled state. Idempotent.
func (c *VoiceConnection) StopVideo() {
	c.mu.Lock()
	dec := c.videoDecoder
	pacer := c.videoPacer
	src := c.videoSource
	c.videoDecoder = nil
	c.videoPacer = nil
	c.videoSource = nil
	c.mu.Unlock()

	if pacer != nil {
		pacer.Stop()
	}
	if dec != nil {
		dec.Stop()
	}
	if src == nil {
		return
	}

	src.Dispose()
	for _, s := range c.allSessions() {
		if err := s.RemoveVideoTrack(); err != nil {
			c.log.Debug().Err(err).Str("peer_id", s.RemoteID()).Msg("failed to remove video track")
		}
	}
	c.announceVideoState(false)

	c.mu.Lock()
	c.videoKind = ""
	c.mu.Unlock()
}

// SetVolume adjusts the outgoing audio gain.
func (c *VoiceConnection) SetVolume(v float64) {
	c.mu.Lock()
	pacer := c.audioPacer
	c.mu.Unlock()
	if pacer != nil {
		pacer.SetVolume(v)
	}
}

// Position returns the current audio playback position.
func (c *VoiceConnection) Position() time.Duration {
	c.mu.Lock()
	pacer := c.audioPacer
	c.mu.Unlock()
	if pacer == nil {
		return 0
	}
	return pacer.Position()
}

// resyncAV realigns the video pacer to the audio position and restarts
// both at a shared barrier slightly in the future, so a late joiner sees
// aligned A/V from its first frame.
func (c *VoiceConnection) resyncAV() {
	c.mu.Lock()
	audioPacer := c.audioPacer
	videoPacer := c.videoPacer
	c.mu.Unlock()

	if audioPacer == nil || videoPacer == nil {
		return
	}

	pos := audioPacer.Position()
	audioPacer.Pause()
	videoPacer.Pause()
	videoPacer.Resync(pos)

	barrier := c.clk.Now().Add(resyncBarrierLead)
	audioPacer.Unpause(barrier)
	videoPacer.Unpause(barrier)

	c.log.Debug().Dur("position", pos).Msg("resynced A/V pacers")
}

// announceVideoState emits the camera/screen-share announcement,
// de-duplicated by the last-sent key so transport churn stays quiet.
func (c *VoiceConnection) announceVideoState(enabled bool) {
	c.mu.Lock()
	event := signaling.EventVideo
	if c.videoKind == VideoScreen {
		event = signaling.EventScreenShare
	}
	key := string(event) + ":" + strconv.FormatBool(enabled)
	if c.lastAnnounce == key {
		c.mu.Unlock()
		return
	}
	c.lastAnnounce = key
	c.mu.Unlock()

	_ = c.send(event, signaling.VideoStatePayload{
		ChannelID: c.id.ChannelID,
		UserID:    c.id.PeerID,
		Enabled:   enabled,
	})
}

func (c *VoiceConnection) mediaContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *VoiceConnection) meteredSink(src *media.MediaSource, kind media.TrackKind) media.MediaSink {
	return sinkFunc(func(data []byte, d time.Duration) error {
		c.metrics.FramesSent.WithLabelValues(string(kind)).Inc()
		return src.WriteFrame(data, d)
	})
}

func (c *VoiceConnection) allSessions() []*PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PeerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *VoiceConnection) connectedSessions() []*PeerSession {
	out := c.allSessions()
	connected := out[:0]
	for _, s := range out {
		if s.Connected() {
			connected = append(connected, s)
		}
	}
	return connected
}

// afterFunc schedules fn on the connection clock, tracking the timer so
// Leave can cancel it.
func (c *VoiceConnection) afterFunc(d time.Duration, fn func()) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	var t *bclock.Timer
	t = c.clk.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, t)
		c.mu.Unlock()
		fn()
	})
	c.timers[t] = struct{}{}
	c.mu.Unlock()
}

// sinkFunc adapts a function to media.MediaSink.
type sinkFunc func(data []byte, d time.Duration) error

func (f sinkFunc) WriteFrame(data []byte, d time.Duration) error {
	return f(data, d)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// --- wire conversions ---

func descToWire(d webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func descFromWire(d signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateToWire(c webrtc.ICECandidateInit) signaling.ICECandidate {
	return signaling.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateFromWire(c signaling.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
