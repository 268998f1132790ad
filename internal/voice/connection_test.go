package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-chat/voicebot/internal/clock"
	"github.com/concord-chat/voicebot/internal/observability"
	"github.com/concord-chat/voicebot/internal/signaling"
)

// fakeBus is an in-memory signalling bus.
type fakeBus struct {
	mu         sync.Mutex
	handlers   map[signaling.EventType][]signaling.Handler
	reconnects []func()
	sent       []signaling.Envelope
	failSend   bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[signaling.EventType][]signaling.Handler)}
}

func (b *fakeBus) Send(event signaling.EventType, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend {
		return signaling.ErrNotConnected
	}
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	b.sent = append(b.sent, env)
	return nil
}

func (b *fakeBus) On(event signaling.EventType, h signaling.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
	idx := len(b.handlers[event]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[event][idx] = nil
	}
}

func (b *fakeBus) OnReconnect(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects = append(b.reconnects, fn)
	return func() {}
}

func (b *fakeBus) emit(event signaling.EventType, payload interface{}) {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	hs := append([]signaling.Handler(nil), b.handlers[event]...)
	b.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(env)
		}
	}
}

func (b *fakeBus) reconnect() {
	b.mu.Lock()
	fns := append([]func(){}, b.reconnects...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (b *fakeBus) sentOf(event signaling.EventType) []signaling.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range b.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (b *fakeBus) countOf(event signaling.EventType) int {
	return len(b.sentOf(event))
}

// linkFactory hands out fakeLinks and remembers them.
type linkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *linkFactory) build() (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := newFakeLink()
	f.links = append(f.links, l)
	return l, nil
}

type connFixture struct {
	conn    *VoiceConnection
	bus     *fakeBus
	factory *linkFactory
	clk     *clock.FrameClock
	advance func(time.Duration)
	stop    chan struct{}
}

func newConnFixture(t *testing.T, opts Options) *connFixture {
	t.Helper()
	clk, mock := clock.NewMock()
	bus := newFakeBus()
	factory := &linkFactory{}

	conn := New(Identity{
		PeerID:    "bot-1",
		ServerID:  "srv-1",
		ChannelID: "chan-1",
	}, bus, factory.build, opts, clk, observability.NewMetrics(nil), observability.NewNopLogger())

	stop := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	})

	// Background advancer: keeps every mock timer and sleep moving.
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				mock.Add(100 * time.Millisecond)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	return &connFixture{
		conn:    conn,
		bus:     bus,
		factory: factory,
		clk:     clk,
		advance: mock.Add,
		stop:    stop,
	}
}

func TestJoinAnnouncesAndHeartbeats(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	joins := f.bus.sentOf(signaling.EventJoin)
	require.Len(t, joins, 1)

	var p signaling.JoinPayload
	require.NoError(t, joins[0].Decode(&p))
	assert.Equal(t, "chan-1", p.ChannelID)
	assert.Equal(t, "srv-1", p.ServerID)
	assert.Equal(t, "bot-1", p.PeerID)

	require.Eventually(t, func() bool {
		return f.bus.countOf(signaling.EventHeartbeat) >= 2
	}, 5*time.Second, 5*time.Millisecond, "heartbeat every 5 s")

	require.NoError(t, f.conn.Leave())
}

func TestDoubleJoinFails(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))
	assert.ErrorIs(t, f.conn.Join(context.Background()), ErrAlreadyActive)
	require.NoError(t, f.conn.Leave())
}

func TestJoinLeaveReturnsToInitialState(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventParticipants, signaling.ParticipantsPayload{
		ChannelID:    "chan-1",
		Participants: []string{"user-2"},
	})
	require.Eventually(t, func() bool { return f.conn.PeerCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.conn.Leave())

	assert.Equal(t, 0, f.conn.PeerCount())
	assert.Equal(t, 0, f.conn.queue.Len())
	assert.Equal(t, 1, f.bus.countOf(signaling.EventLeave))

	// Sessions created before leave are closed.
	f.factory.mu.Lock()
	for _, l := range f.factory.links {
		assert.True(t, l.closed)
	}
	f.factory.mu.Unlock()

	// Leave is idempotent.
	require.NoError(t, f.conn.Leave())
	assert.Equal(t, 1, f.bus.countOf(signaling.EventLeave))
}

func TestParticipantsDispatchOffers(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	select {
	case <-f.conn.Ready():
		t.Fatal("ready before any participants snapshot")
	default:
	}

	f.bus.emit(signaling.EventParticipants, signaling.ParticipantsPayload{
		ChannelID:    "chan-1",
		Participants: []string{"user-2", "user-3", "bot-1"},
	})

	select {
	case <-f.conn.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready never closed")
	}

	require.Eventually(t, func() bool {
		return f.conn.PeerCount() == 2 && f.bus.countOf(signaling.EventOffer) >= 2
	}, 10*time.Second, 5*time.Millisecond, "both peers admitted and offered, local ID skipped")

	require.NoError(t, f.conn.Leave())
}

func TestParticipantsForOtherChannelIgnored(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventParticipants, signaling.ParticipantsPayload{
		ChannelID:    "chan-OTHER",
		Participants: []string{"user-2"},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.conn.PeerCount())
	assert.Equal(t, 0, f.conn.queue.Len())

	require.NoError(t, f.conn.Leave())
}

func TestUserJoinedAcceptsBothKeys(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventUserJoined, signaling.UserJoinedPayload{ID: "user-2"})
	f.bus.emit(signaling.EventUserJoined, signaling.UserJoinedPayload{UserID: "user-3"})

	require.Eventually(t, func() bool { return f.conn.PeerCount() == 2 },
		10*time.Second, 5*time.Millisecond)

	require.NoError(t, f.conn.Leave())
}

func TestInboundOfferCreatesSessionAndAnswers(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})

	assert.Equal(t, 1, f.conn.PeerCount())
	require.Eventually(t, func() bool {
		return f.bus.countOf(signaling.EventAnswer) == 1
	}, 2*time.Second, 5*time.Millisecond)

	answers := f.bus.sentOf(signaling.EventAnswer)
	var p signaling.AnswerPayload
	require.NoError(t, answers[0].Decode(&p))
	assert.Equal(t, "user-2", p.To)
	assert.Equal(t, "chan-1", p.ChannelID)

	require.NoError(t, f.conn.Leave())
}

func TestCandidateBeforeOfferBuffersAtSession(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventICECandidate, signaling.ICECandidatePayload{
		From:      "user-2",
		Candidate: signaling.ICECandidate{Candidate: "candidate:1"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount(), "a first inbound signal creates the session")

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})

	f.factory.mu.Lock()
	link := f.factory.links[0]
	f.factory.mu.Unlock()

	link.mu.Lock()
	got := append([]webrtc.ICECandidateInit(nil), link.candidates...)
	link.mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "candidate:1", got[0].Candidate)

	require.NoError(t, f.conn.Leave())
}

func TestUserLeftDestroysSession(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount())

	f.bus.emit(signaling.EventUserLeft, signaling.UserJoinedPayload{ID: "user-2"})
	assert.Equal(t, 0, f.conn.PeerCount())

	require.NoError(t, f.conn.Leave())
}

func TestForceReconnectBroadcastIsNoOp(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount())

	f.bus.emit(signaling.EventForceReconnect, signaling.ForceReconnectPayload{
		ChannelID:  "chan-1",
		TargetPeer: "*",
		Reason:     "maintenance",
	})
	assert.Equal(t, 1, f.conn.PeerCount(), "broadcast reconnects are ignored")

	f.bus.emit(signaling.EventForceReconnect, signaling.ForceReconnectPayload{
		ChannelID:  "chan-1",
		TargetPeer: "all",
		Reason:     "maintenance",
	})
	assert.Equal(t, 1, f.conn.PeerCount())

	require.NoError(t, f.conn.Leave())
}

func TestForceReconnectTargetedDestroysAndRequeues(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount())

	f.factory.mu.Lock()
	first := f.factory.links[0]
	f.factory.mu.Unlock()

	f.bus.emit(signaling.EventForceReconnect, signaling.ForceReconnectPayload{
		ChannelID:  "chan-1",
		TargetPeer: "user-2",
		Reason:     "stale",
	})

	assert.True(t, first.closed, "targeted session torn down")
	require.Eventually(t, func() bool { return f.conn.PeerCount() == 1 },
		10*time.Second, 5*time.Millisecond, "peer re-admitted with a fresh session")

	require.NoError(t, f.conn.Leave())
}

func TestCapacityGateAndPriorityBypass(t *testing.T) {
	f := newConnFixture(t, Options{MaxConnectedPeers: 1})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount())

	f.conn.enqueue("user-3")
	assert.Equal(t, 0, f.conn.queue.Len(), "at capacity, admission rejected")

	f.conn.SetPeerPriority("user-4", true)
	f.conn.enqueue("user-4")
	require.Eventually(t, func() bool { return f.conn.PeerCount() == 2 },
		10*time.Second, 5*time.Millisecond, "priority peers bypass the cap")

	require.NoError(t, f.conn.Leave())
}

func TestAdmissionDeduplicates(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	// Freeze the pump so pushes accumulate.
	f.conn.mu.Lock()
	f.conn.pumping = true
	f.conn.mu.Unlock()

	f.conn.enqueue("user-2")
	f.conn.enqueue("user-2")
	f.conn.enqueue("user-2")
	assert.Equal(t, 1, f.conn.queue.Len())

	f.conn.mu.Lock()
	f.conn.pumping = false
	f.conn.mu.Unlock()

	require.NoError(t, f.conn.Leave())
}

func TestVideoAnnounceDeduplicated(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.conn.mu.Lock()
	f.conn.videoKind = VideoScreen
	f.conn.mu.Unlock()

	f.conn.announceVideoState(true)
	f.conn.announceVideoState(true)
	assert.Equal(t, 1, f.bus.countOf(signaling.EventScreenShare))

	f.conn.announceVideoState(false)
	f.conn.announceVideoState(false)
	assert.Equal(t, 2, f.bus.countOf(signaling.EventScreenShare))

	require.NoError(t, f.conn.Leave())
}

func TestTransportReconnectRestoresState(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventOffer, signaling.OfferPayload{
		From:      "user-2",
		Offer:     signaling.SessionDescription{Type: "offer", SDP: "v=0 remote"},
		ChannelID: "chan-1",
	})
	require.Equal(t, 1, f.conn.PeerCount())

	f.bus.reconnect()

	assert.GreaterOrEqual(t, f.bus.countOf(signaling.EventJoin), 2, "join re-announced")
	require.Eventually(t, func() bool { return f.conn.PeerCount() == 1 },
		10*time.Second, 5*time.Millisecond, "known peer re-admitted after reconnect")

	require.NoError(t, f.conn.Leave())
}

func TestMassJoinBatches(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	peers := make([]string, 60)
	for i := range peers {
		peers[i] = "user-" + string(rune('A'+i/26)) + string(rune('a'+i%26))
	}

	f.bus.emit(signaling.EventParticipants, signaling.ParticipantsPayload{
		ChannelID:    "chan-1",
		Participants: peers,
	})

	assert.True(t, f.conn.MassJoinInProgress())

	// The pump takes its tier from the current load (sessions plus queue),
	// not from the snapshot; the massive tier's 800 ms dispatch stagger keeps
	// the first admission alone in flight when it lands.
	require.Eventually(t, func() bool { return f.conn.PeerCount() > 0 },
		30*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, f.conn.queue.Active(), 1)

	require.NoError(t, f.conn.Leave())
}

func TestActiveNegotiationsBounded(t *testing.T) {
	f := newConnFixture(t, Options{})
	require.NoError(t, f.conn.Join(context.Background()))

	f.bus.emit(signaling.EventParticipants, signaling.ParticipantsPayload{
		ChannelID:    "chan-1",
		Participants: []string{"u1", "u2", "u3", "u4", "u5", "u6"},
	})

	require.Eventually(t, func() bool { return f.conn.PeerCount() == 6 },
		30*time.Second, 5*time.Millisecond)

	// Small tier never runs more than two negotiations at once.
	assert.LessOrEqual(t, f.conn.queue.Active(), 2)

	require.NoError(t, f.conn.Leave())
}

func TestJoinFailsWhenBusDisconnected(t *testing.T) {
	f := newConnFixture(t, Options{})
	f.bus.failSend = true

	err := f.conn.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportDisconnected)
}
