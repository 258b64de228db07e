// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "awaiting_pair", StateAwaitingPair.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
}

func TestFlagsReset(t *testing.T) {
	f := Flags{
		Registered:           true,
		PassiveActiveSent:    true,
		PreKeyUploadInFlight: true,
		StreamEnded:          true,
		QRStopped:            true,
		SuccessHandled:       true,
		PairSuccessHandled:   true,
	}
	f.Reset()
	assert.Equal(t, Flags{}, f)
}
