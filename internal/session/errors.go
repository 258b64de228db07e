// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import "fmt"

// StreamError is the session-level representation of an inbound
// `stream:error` stanza, mapped to a reason and status code.
type StreamError struct {
	Reason     string
	StatusCode int
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("Stream Errored (%s)", e.Reason)
}

// streamErrorMapping is the "name to (reason, statusCode)" table. The
// special "ping" case is handled by the caller as PingAsStreamError
// instead of a StreamError.
var streamErrorMapping = map[string]StreamError{
	"conflict":        {Reason: "conflict", StatusCode: 409},
	"replaced":        {Reason: "replaced", StatusCode: 409},
	"shutdown":        {Reason: "shutdown", StatusCode: 503},
	"system-shutdown": {Reason: "system-shutdown", StatusCode: 515},
}

// MapStreamError implements the stream-error name→(reason,code) mapping.
// The caller must special-case "ping" before calling this (it never
// produces a StreamError, per PingAsStreamError).
func MapStreamError(name string, attrCode string) *StreamError {
	if mapped, ok := streamErrorMapping[name]; ok {
		return &mapped
	}
	code := 500
	if attrCode != "" {
		fmt.Sscanf(attrCode, "%d", &code)
	}
	return &StreamError{Reason: name, StatusCode: code}
}

// PingAsStreamError marks a malformed-ping stream error. It must never be
// surfaced to external consumers; the session always closes with reason
// "pong malformed" instead.
type PingAsStreamError struct{}

func (e *PingAsStreamError) Error() string { return "pong malformed" }

// TransportError is the session layer's own transport failure, raised when
// the keep-alive watchdog sees the connection go silent. shouldReconnect
// treats it as reconnect-eligible without a close code; failures of the
// WebSocket itself arrive as transport.TransportError, whose close code
// decides eligibility.
type TransportError struct {
	Message string
}

func (e *TransportError) Error() string { return "transport error: " + e.Message }

// PersistenceError is re-raised when a durable-state write fails. It is
// surfaced upstream without closing the session, provided the previous
// creds snapshot is still consistent.
type PersistenceError struct {
	Message string
}

func (e *PersistenceError) Error() string { return "persistence error: " + e.Message }

// ProtocolError marks an unexpected stanza for the current state. It is
// logged and ignored unless the stanza is a direct IQ request that
// requires a reply.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Message }
