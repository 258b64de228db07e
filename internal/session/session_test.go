// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
	"github.com/wavault/wagateway/internal/transport"
)

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Config{SessionID: "s1"})
	assert.Equal(t, defaultWSURL, s.cfg.WSURL)
	assert.Equal(t, StateClosed, s.State())
	require.NotNil(t, s.cfg.Clock)
}

func TestMeJIDToUsername(t *testing.T) {
	assert.Equal(t, uint64(15551234567), meJIDToUsername("15551234567@s.whatsapp.net"))
	assert.Equal(t, uint64(0), meJIDToUsername("@s.whatsapp.net"))
}

func TestMeJIDToDevice(t *testing.T) {
	assert.Equal(t, uint32(0), meJIDToDevice("15551234567@s.whatsapp.net"))
	assert.Equal(t, uint32(0), meJIDToDevice("15551234567@s.whatsapp.net:0"))
	assert.Equal(t, uint32(3), meJIDToDevice("15551234567@s.whatsapp.net:3"))
	assert.Equal(t, uint32(12), meJIDToDevice("15551234567@s.whatsapp.net:12"))
}

func TestGenerateRegistrationIDRange(t *testing.T) {
	for i := 0; i < 64; i++ {
		id, err := generateRegistrationID()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, id, uint32(1))
		assert.LessOrEqual(t, id, uint32(16383))
	}
}

func TestHasChildTag(t *testing.T) {
	n := &core.Node{Content: []*core.Node{{Tag: "ping"}, {Tag: "other"}}}
	assert.True(t, hasChildTag(n, "ping"))
	assert.False(t, hasChildTag(n, "missing"))
	assert.False(t, hasChildTag(&core.Node{}, "ping"))
}

func newTestSessionWithCreds() *Session {
	s := New(Config{SessionID: "s1"})
	s.creds = &store.AuthCreds{
		Registered:        true,
		Me:                &store.MeInfo{ID: "123@s.whatsapp.net"},
		NoiseKey:          store.KeyPair{Public: [32]byte{1}, Private: [32]byte{2}},
		SignedIdentityKey: store.KeyPair{Public: [32]byte{3}, Private: [32]byte{4}},
	}
	return s
}

func TestShouldReconnectRespectsMaxAttempts(t *testing.T) {
	s := newTestSessionWithCreds()
	s.reconnectAttempts = reconnectMaxAttempt
	assert.False(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1006}))
}

func TestShouldReconnectRequiresCompleteCreds(t *testing.T) {
	s := New(Config{SessionID: "s1"})
	s.creds = nil
	assert.False(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1006}))
}

func TestShouldReconnectOnEligibleCloseCode(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.True(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1011}))
	assert.False(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1000}))
}

func TestShouldReconnectCode1006RequiresPriorOpen(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.False(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1006}))

	s.everOpened = true
	assert.True(t, s.shouldReconnect(&transport.TransportError{CloseCode: 1006}))
}

func TestShouldReconnectOnKeepAliveLoss(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.True(t, s.shouldReconnect(&TransportError{Message: "Connection was lost"}))
}

func TestCredsCompleteRequiresKeyMaterial(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.True(t, s.credsComplete())

	s.creds.NoiseKey = store.KeyPair{}
	assert.False(t, s.credsComplete())
}

func TestShouldReconnectOnStreamErrorAlwaysTrue(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.True(t, s.shouldReconnect(&StreamError{Reason: "conflict", StatusCode: 409}))
}

func TestShouldReconnectFalseForPingAndProtocolErrors(t *testing.T) {
	s := newTestSessionWithCreds()
	assert.False(t, s.shouldReconnect(&PingAsStreamError{}))
	assert.False(t, s.shouldReconnect(&ProtocolError{Message: "unexpected"}))
}

// newTestSessionAuthenticated returns a session with fully-provisioned
// creds (so maybeUploadPreKeys is a no-op) and PassiveActiveSent already
// true (so handleAuthenticatedEntry never reaches the nil *transport.Transport),
// parked in StateAuthenticated, as runLoop leaves a registered login.
func newTestSessionAuthenticated() *Session {
	s := newTestSessionWithCreds()
	s.creds.ServerHasPreKeys = true
	s.flags.PassiveActiveSent = true
	s.state = StateAuthenticated
	return s
}

func TestHandleSuccessNodeTransitionsAuthenticatedToOpen(t *testing.T) {
	s := newTestSessionAuthenticated()

	var updates []ConnectionUpdate
	s.Events.OnConnectionUpdate(func(u ConnectionUpdate) { updates = append(updates, u) })

	s.handleSuccessNode(context.Background())

	assert.Equal(t, StateOpen, s.State())
	assert.True(t, s.flags.SuccessHandled)
	require.Len(t, updates, 1)
	assert.Equal(t, "open", updates[0].Connection)
}

func TestHandleSuccessNodeIsIdempotent(t *testing.T) {
	s := newTestSessionAuthenticated()

	var opens int
	s.Events.OnConnectionUpdate(func(u ConnectionUpdate) {
		if u.Connection == "open" {
			opens++
		}
	})

	s.handleSuccessNode(context.Background())
	s.handleSuccessNode(context.Background())

	assert.Equal(t, 1, opens)
}

func TestHandleInboundMessageEmitsMessagesUpsert(t *testing.T) {
	s := newTestSessionAuthenticated()

	var got MessagesUpsert
	s.Events.OnMessagesUpsert(func(u MessagesUpsert) { got = u })

	msg := &core.Node{Tag: "message", Attrs: map[string]string{"from": "999@s.whatsapp.net"}}
	s.handleInboundNode(context.Background(), msg)

	assert.Equal(t, "notify", got.Type)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "message", got.Messages[0].Tag)
}

func TestInitFreshCredsPopulatesIdentityBundle(t *testing.T) {
	creds, err := initFreshCreds()
	require.NoError(t, err)

	var zero [32]byte
	assert.NotEqual(t, zero, creds.NoiseKey.Private)
	assert.NotEqual(t, zero, creds.SignedIdentityKey.Private)
	assert.NotEqual(t, zero, creds.PairingEphemeralKey.Private)
	assert.NotEqual(t, zero, creds.AdvSecretKey)
	assert.GreaterOrEqual(t, creds.RegistrationID, uint32(1))
	assert.LessOrEqual(t, creds.RegistrationID, uint32(16383))

	ok := core.XEdDSAVerify(creds.SignedIdentityKey.Public,
		core.PrefixedPublicKey(creds.SignedPreKey.KeyPair.Public),
		creds.SignedPreKey.Signature)
	assert.True(t, ok)
}

func TestHandleSuccessNodeIgnoredOutsideAuthenticated(t *testing.T) {
	s := newTestSessionWithCreds()
	s.state = StateClosed

	var updates []ConnectionUpdate
	s.Events.OnConnectionUpdate(func(u ConnectionUpdate) { updates = append(updates, u) })

	s.handleSuccessNode(context.Background())

	assert.Equal(t, StateClosed, s.State())
	assert.False(t, s.flags.SuccessHandled)
	assert.Empty(t, updates)
}

// newTestSessionWithStore is newTestSessionWithCreds plus a real
// t.TempDir()-backed FileStore and an empty KeyStore, for tests that
// exercise the persistence calls ConsumePreKey makes.
func newTestSessionWithStore(t *testing.T) *Session {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s := newTestSessionWithCreds()
	s.store = fs
	s.keys = store.NewKeyStore()
	return s
}

func TestConsumePreKeyMarksUsedWithoutRefillAboveThreshold(t *testing.T) {
	s := newTestSessionWithStore(t)
	s.creds.NextPreKeyID = 12
	for id := uint32(1); id < 12; id++ {
		s.keys.PreKeys[id] = store.PreKey{KeyID: id}
	}

	err := s.ConsumePreKey(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, s.keys.PreKeys[1].Used)
	assert.Equal(t, uint32(12), s.creds.NextPreKeyID)
}

func TestConsumePreKeyRefillsBelowThreshold(t *testing.T) {
	s := newTestSessionWithStore(t)
	s.creds.NextPreKeyID = 5
	for id := uint32(1); id < 5; id++ {
		s.keys.PreKeys[id] = store.PreKey{KeyID: id}
	}

	var credsUpdates int
	s.Events.OnCredsUpdate(func(CredsUpdate) { credsUpdates++ })

	err := s.ConsumePreKey(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, s.keys.PreKeys[1].Used)
	assert.Equal(t, uint32(5+PreKeyBatchSize), s.creds.NextPreKeyID)
	assert.Equal(t, 1, credsUpdates)
	assert.GreaterOrEqual(t, AvailableCount(s.keys), PreKeyRefillThreshold)
}

func TestBuildPreKeyUploadIQShape(t *testing.T) {
	s := newTestSessionWithCreds()
	s.creds.RegistrationID = 0x0102
	s.creds.SignedPreKey = store.SignedPreKey{
		KeyID:   1,
		KeyPair: store.KeyPair{Public: [32]byte{7}},
	}

	batch := []store.PreKey{
		{KeyID: 0x010203, KeyPair: store.KeyPair{Public: [32]byte{8}}},
	}
	iq := s.buildPreKeyUploadIQ(batch)

	assert.Equal(t, "iq", iq.Tag)
	assert.Equal(t, "set", iq.Attrs["type"])
	assert.Equal(t, "encrypt", iq.Attrs["xmlns"])

	children, ok := iq.Content.([]*core.Node)
	require.True(t, ok)
	require.Len(t, children, 5)

	assert.Equal(t, "registration", children[0].Tag)
	assert.Equal(t, []byte{0, 0, 1, 2}, children[0].Content)

	list := children[3]
	keys, ok := list.Content.([]*core.Node)
	require.True(t, ok)
	require.Len(t, keys, 1)
	keyFields := keys[0].Content.([]*core.Node)
	assert.Equal(t, []byte{1, 2, 3}, keyFields[0].Content)
}

func TestInitFreshCredsReservesFirstUploadBatch(t *testing.T) {
	creds, err := initFreshCreds()
	require.NoError(t, err)

	assert.Equal(t, uint32(1), creds.FirstUnuploadedPreKeyID)
	assert.Equal(t, uint32(1+PreKeyBatchSize), creds.NextPreKeyID)

	batch, err := PrepareUploadBatch(creds, nil)
	require.NoError(t, err)
	assert.Len(t, batch, PreKeyBatchSize)
}
