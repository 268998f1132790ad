// Package signaling provides the voice gateway event bus: a best-effort,
// at-least-once message channel over which peers exchange presence and
// WebRTC negotiation material before media flows directly between them.
package signaling

import (
	"encoding/json"
	"errors"
)

// EventType identifies the kind of gateway event.
type EventType string

const (
	// Events emitted by this endpoint
	EventJoin            EventType = "voice:join"
	EventLeave           EventType = "voice:leave"
	EventHeartbeat       EventType = "voice:heartbeat"
	EventPeerStateReport EventType = "voice:peer-state-report"
	EventScreenShare     EventType = "voice:screen-share"
	EventVideo           EventType = "voice:video"

	// Events flowing in both directions
	EventOffer        EventType = "voice:offer"
	EventAnswer       EventType = "voice:answer"
	EventICECandidate EventType = "voice:ice-candidate"

	// Events received from the gateway
	EventParticipants   EventType = "voice:participants"
	EventUserJoined     EventType = "voice:user-joined"
	EventUserLeft       EventType = "voice:user-left"
	EventForceReconnect EventType = "voice:force-reconnect"
	EventResyncRequest  EventType = "voice:resync-request"
)

var (
	ErrNotConnected = errors.New("signaling: not connected to gateway")
	ErrInvalidMsg   = errors.New("signaling: invalid message format")
)

// Envelope is the wire form of every gateway event.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler is called when an event of a subscribed type is received.
type Handler func(env Envelope)

// Bus is the abstract signalling transport the voice core talks to. The
// production implementation is the WebSocket Client in client.go; tests substitute
// an in-memory bus.
type Bus interface {
	// Send marshals payload and emits it under the given event type.
	Send(event EventType, payload interface{}) error

	// On subscribes to an event type. The returned function removes the
	// subscription.
	On(event EventType, h Handler) func()

	// OnReconnect registers a hook fired after the transport re-establishes
	// itself. The returned function removes the hook.
	OnReconnect(fn func()) func()
}

// SessionDescription mirrors an SDP offer or answer on the wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors a trickled ICE candidate on the wire. Pointer fields
// distinguish absent from empty, matching browser-side candidate JSON.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// JoinPayload announces this endpoint in a voice channel.
type JoinPayload struct {
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId"`
	PeerID    string `json:"peerId"`
}

// HeartbeatPayload keeps the channel membership alive.
type HeartbeatPayload struct {
	ChannelID string `json:"channelId"`
}

// OfferPayload carries an SDP offer. From is set on inbound events, To on
// outbound ones.
type OfferPayload struct {
	From      string             `json:"from,omitempty"`
	To        string             `json:"to,omitempty"`
	Offer     SessionDescription `json:"offer"`
	ChannelID string             `json:"channelId"`
}

// AnswerPayload carries an SDP answer.
type AnswerPayload struct {
	From      string             `json:"from,omitempty"`
	To        string             `json:"to,omitempty"`
	Answer    SessionDescription `json:"answer"`
	ChannelID string             `json:"channelId"`
}

// ICECandidatePayload carries a trickled candidate.
type ICECandidatePayload struct {
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Candidate ICECandidate `json:"candidate"`
	ChannelID string       `json:"channelId"`
}

// PeerStateReportPayload reports an observed peer connection-state
// transition back to the gateway.
type PeerStateReportPayload struct {
	ChannelID    string `json:"channelId"`
	TargetPeerID string `json:"targetPeerId"`
	State        string `json:"state"`
	Timestamp    int64  `json:"timestamp"`
}

// VideoStatePayload announces camera or screen-share state.
type VideoStatePayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Enabled   bool   `json:"enabled"`
}

// ParticipantsPayload is the gateway's snapshot of channel membership.
type ParticipantsPayload struct {
	ChannelID    string   `json:"channelId"`
	Participants []string `json:"participants"`
}

// UserJoinedPayload announces a single new participant. The gateway sends
// the peer under either key depending on its revision.
type UserJoinedPayload struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// PeerID returns whichever identifier key the gateway populated.
func (p UserJoinedPayload) PeerID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.UserID
}

// UserLeftPayload announces a departed participant, same key variance as
// UserJoinedPayload.
type UserLeftPayload = UserJoinedPayload

// ForceReconnectPayload instructs endpoints to tear down and redial.
type ForceReconnectPayload struct {
	ChannelID  string `json:"channelId"`
	Reason     string `json:"reason"`
	TargetPeer string `json:"targetPeer"`
}

// ResyncRequestPayload asks this endpoint to realign A/V toward the sender.
type ResyncRequestPayload struct {
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
}

// NewEnvelope wraps a payload under an event type.
func NewEnvelope(event EventType, payload interface{}) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into the target struct.
func (e Envelope) Decode(v interface{}) error {
	if e.Payload == nil {
		return ErrInvalidMsg
	}
	return json.Unmarshal(e.Payload, v)
}
