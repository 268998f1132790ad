package voice

import "errors"

var (
	// ErrTransportDisconnected indicates the signalling bus is unavailable.
	ErrTransportDisconnected = errors.New("voice: signalling transport disconnected")

	// ErrPeerConnectionBuild indicates the WebRTC stack refused to construct
	// a connection for a peer.
	ErrPeerConnectionBuild = errors.New("voice: peer connection build failed")

	// ErrNegotiationFailed indicates an offer/answer/candidate operation
	// failed; the step is aborted and retried on the next stable transition.
	ErrNegotiationFailed = errors.New("voice: negotiation step failed")

	// ErrCapacityExceeded indicates admission was rejected at the peer cap.
	ErrCapacityExceeded = errors.New("voice: connected peer capacity exceeded")

	// ErrAlreadyActive indicates a duplicate admission or in-flight offer.
	ErrAlreadyActive = errors.New("voice: peer already active")
)
