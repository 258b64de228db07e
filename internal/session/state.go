// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package session implements the per-connection state machine: the
// handshake-to-open lifecycle, the pair/QR subsystem, pre-key management,
// keep-alive, reconnection, and the typed event bus consumers subscribe to.
package session

// State is one node of the connection lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateHandshaking
	StateAwaitingPair
	StateAuthenticated
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingPair:
		return "awaiting_pair"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Flags are the idempotence guards that gate once-per-connection actions.
// They are part of the state, not incidental booleans, and are reset
// explicitly on the closed to connecting transition.
type Flags struct {
	Registered           bool
	PassiveActiveSent    bool
	PreKeyUploadInFlight bool
	StreamEnded          bool
	QRStopped            bool
	SuccessHandled       bool
	PairSuccessHandled   bool
}

// Reset clears every idempotence flag; it runs on the closed to
// connecting transition.
func (f *Flags) Reset() {
	*f = Flags{}
}
