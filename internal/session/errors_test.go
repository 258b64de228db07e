// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapStreamErrorKnownNames(t *testing.T) {
	cases := []struct {
		name       string
		wantReason string
		wantCode   int
	}{
		{"conflict", "conflict", 409},
		{"replaced", "replaced", 409},
		{"shutdown", "shutdown", 503},
		{"system-shutdown", "system-shutdown", 515},
	}
	for _, tc := range cases {
		got := MapStreamError(tc.name, "")
		assert.Equal(t, tc.wantReason, got.Reason)
		assert.Equal(t, tc.wantCode, got.StatusCode)
	}
}

func TestMapStreamErrorUnknownUsesAttrCodeOrDefault(t *testing.T) {
	got := MapStreamError("rate-overlimit", "503")
	assert.Equal(t, "rate-overlimit", got.Reason)
	assert.Equal(t, 503, got.StatusCode)

	fallback := MapStreamError("rate-overlimit", "")
	assert.Equal(t, 500, fallback.StatusCode)
}

func TestPingAsStreamErrorMessage(t *testing.T) {
	var err error = &PingAsStreamError{}
	assert.Equal(t, "pong malformed", err.Error())
}
