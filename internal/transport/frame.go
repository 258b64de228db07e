// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package transport owns the WebSocket connection and the WA frame format:
// a one-shot header on the first outbound frame, then a 3-byte big-endian
// length prefix plus payload on every frame. It knows nothing about the
// handshake sequence or session state; it only frames bytes and, once the
// handshake has finished, asks the Noise engine to encrypt/decrypt them.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WAHeader is the one-shot header prepended to the first outbound frame of
// a connection: "WA" + protocol version 6 + dictionary version 3.
const WAHeader = "WA\x06\x03"

const (
	gatewayOrigin = "https://web.whatsapp.com"
)

// Noise is the subset of *core.NoiseEngine the transport needs. Declared
// here so frame.go can be unit tested against a fake without touching the
// real handshake state.
type Noise interface {
	IsFinished() bool
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Frame is a single inbound logical frame: the raw payload, already
// Noise-decrypted when the handshake has finished.
type Frame struct {
	Payload []byte
}

// Transport owns one WebSocket connection and the rolling inbound buffer
// needed to split it into WA frames.
type Transport struct {
	ws     *websocket.Conn
	noise  Noise
	logger *zap.SugaredLogger

	mu         sync.Mutex
	headerSent bool

	inbound bytesBuffer
}

// bytesBuffer is a minimal append-only byte buffer, kept local so Transport
// doesn't need bytes.Buffer's read-cursor semantics (we repeatedly re-scan
// the head of the buffer via extractFrame).
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) append(p []byte) {
	b.data = append(b.data, p...)
}

// DialOptions configures Dial.
type DialOptions struct {
	URL    string
	Origin string

	// ProxyURL routes the dial through an HTTP CONNECT or SOCKS5 proxy
	// ("http://host:port", "socks5://host:port"). Empty means direct,
	// still honoring the standard proxy environment variables.
	ProxyURL string
}

// proxyHTTPClient builds the HTTP client the WebSocket dial goes through.
// An explicit proxy URL wins over the environment.
func proxyHTTPClient(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment}}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, &TransportError{Stage: "proxy", Message: err.Error()}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &TransportError{Stage: "proxy", Message: "proxy url needs a scheme and host: " + proxyURL}
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}, nil
}

// Dial opens the WebSocket connection. noise may be nil for tests that
// exercise only the framing logic.
func Dial(ctx context.Context, opts DialOptions, noise Noise, logger *zap.SugaredLogger) (*Transport, error) {
	origin := opts.Origin
	if origin == "" {
		origin = gatewayOrigin
	}

	httpClient, err := proxyHTTPClient(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: map[string][]string{"Origin": {origin}},
	})
	if err != nil {
		return nil, &TransportError{Stage: "dial", Message: err.Error()}
	}

	return &Transport{ws: ws, noise: noise, logger: logger}, nil
}

// Send encodes and writes one logical frame: Noise-encrypts it first if the
// handshake has finished, prepends the WA header exactly once per
// connection, then writes the 3-byte length prefix and payload.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	if t.noise != nil && t.noise.IsFinished() {
		encrypted, err := t.noise.Encrypt(data)
		if err != nil {
			t.mu.Unlock()
			return &TransportError{Stage: "encrypt", Message: err.Error()}
		}
		data = encrypted
	}
	out := encodeFrame(data, !t.headerSent)
	t.headerSent = true
	t.mu.Unlock()

	if err := t.ws.Write(ctx, websocket.MessageBinary, out); err != nil {
		return &TransportError{Stage: "write", Message: err.Error()}
	}
	return nil
}

// encodeFrame builds one outbound frame: an optional one-shot WA header,
// followed by the 3-byte big-endian length prefix and payload.
func encodeFrame(data []byte, includeHeader bool) []byte {
	out := make([]byte, 0, len(WAHeader)+3+len(data))
	if includeHeader {
		out = append(out, []byte(WAHeader)...)
	}
	length := len(data)
	out = append(out, byte(length>>16), byte(length>>8), byte(length))
	out = append(out, data...)
	return out
}

// extractFrame slices one complete length-prefixed frame off the head of
// buf. Returns ok=false if buf doesn't yet hold a full frame.
func extractFrame(buf []byte) (payload []byte, rest []byte, ok bool) {
	if len(buf) < 3 {
		return nil, buf, false
	}
	length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
	if length+3 > len(buf) {
		return nil, buf, false
	}
	payload = make([]byte, length)
	copy(payload, buf[3:3+length])
	return payload, buf[3+length:], true
}

// ReadFrame blocks for the next WebSocket message, feeds it into the
// rolling inbound buffer, and returns the first complete logical frame it
// can extract. A single WebSocket message may contain zero, one, or many
// logical frames; ReadFrame returns at most one per call, buffering any
// remainder for the next call.
func (t *Transport) ReadFrame(ctx context.Context) (*Frame, error) {
	for {
		if frame, ok := t.tryExtractFrame(); ok {
			return frame, nil
		}

		_, data, err := t.ws.Read(ctx)
		if err != nil {
			return nil, &TransportError{Stage: "read", Message: err.Error(), CloseCode: int(websocket.CloseStatus(err))}
		}

		t.mu.Lock()
		t.inbound.append(data)
		t.mu.Unlock()
	}
}

// tryExtractFrame pulls complete frames off the inbound buffer, skipping
// (and logging) any that fail Noise decryption, until it returns one usable
// frame or the buffer is exhausted.
func (t *Transport) tryExtractFrame() (*Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		payload, rest, ok := extractFrame(t.inbound.data)
		if !ok {
			return nil, false
		}
		t.inbound.data = rest

		if t.noise != nil && t.noise.IsFinished() {
			decrypted, err := t.noise.Decrypt(payload)
			if err != nil {
				if t.logger != nil {
					t.logger.Warnw("dropping undecryptable frame", "error", err)
				}
				continue
			}
			payload = decrypted
		}

		return &Frame{Payload: payload}, true
	}
}

// Close closes the underlying WebSocket with the given WA close status and
// reason.
func (t *Transport) Close(code websocket.StatusCode, reason string) error {
	return t.ws.Close(code, reason)
}

// TransportError reports a failure at the WebSocket/framing layer: dial,
// write, or read. Distinct from core.HandshakeError (handshake semantics)
// and core.DecryptError (a single frame's GCM tag mismatch, which is
// handled inline by dropping the frame rather than surfaced here).
// CloseCode is the WebSocket close code when Stage is "read" and the
// peer closed normally/abnormally (-1 if the error wasn't a close), used
// by the session layer to decide reconnect eligibility.
type TransportError struct {
	Stage     string
	Message   string
	CloseCode int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s]: %s", e.Stage, e.Message)
}
