package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventJoin, JoinPayload{
		ChannelID: "chan-1",
		ServerID:  "srv-1",
		PeerID:    "bot-1",
	})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventJoin, decoded.Event)

	var p JoinPayload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, "chan-1", p.ChannelID)
	assert.Equal(t, "bot-1", p.PeerID)
}

func TestEnvelopeNilPayload(t *testing.T) {
	env, err := NewEnvelope(EventLeave, nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)

	var v struct{}
	assert.ErrorIs(t, env.Decode(&v), ErrInvalidMsg)
}

func TestUserJoinedPayloadAcceptsEitherKey(t *testing.T) {
	var p UserJoinedPayload
	require.NoError(t, json.Unmarshal([]byte(`{"id":"peer-a"}`), &p))
	assert.Equal(t, "peer-a", p.PeerID())

	p = UserJoinedPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"userId":"peer-b"}`), &p))
	assert.Equal(t, "peer-b", p.PeerID())

	// When both appear, the id key wins.
	p = UserJoinedPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":"peer-a","userId":"peer-b"}`), &p))
	assert.Equal(t, "peer-a", p.PeerID())
}

func TestICECandidateOmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(ICECandidate{Candidate: "candidate:1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1"}`, string(data))

	mid := "0"
	idx := uint16(0)
	data, err = json.Marshal(ICECandidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx})
	require.NoError(t, err)
	assert.JSONEq(t, `{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}`, string(data))
}

func TestOfferPayloadWireShape(t *testing.T) {
	env, err := NewEnvelope(EventOffer, OfferPayload{
		To:        "user-2",
		Offer:     SessionDescription{Type: "offer", SDP: "v=0"},
		ChannelID: "chan-1",
	})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Payload, &raw))
	assert.Contains(t, raw, "to")
	assert.Contains(t, raw, "offer")
	assert.Contains(t, raw, "channelId")
	assert.NotContains(t, raw, "from", "outbound offers carry no from key")
}
