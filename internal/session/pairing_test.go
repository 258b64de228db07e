// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
)

func TestExtractPairDeviceRefs(t *testing.T) {
	pairDevice := &core.Node{
		Tag: "pair-device",
		Content: []*core.Node{
			{Tag: "ref", Content: []byte("ref-one")},
			{Tag: "ref", Content: []byte("ref-two")},
			{Tag: "not-a-ref", Content: []byte("ignored")},
		},
	}
	refs := ExtractPairDeviceRefs(pairDevice)
	assert.Equal(t, []string{"ref-one", "ref-two"}, refs)
}

func TestExtractPairDeviceRefsNoChildren(t *testing.T) {
	assert.Nil(t, ExtractPairDeviceRefs(&core.Node{Tag: "pair-device"}))
}

func TestComposeQRList(t *testing.T) {
	var noisePub, identityPub, adv [32]byte
	noisePub[0] = 1
	identityPub[0] = 2
	adv[0] = 3

	list := ComposeQRList([]string{"r1", "r2"}, noisePub, identityPub, adv)
	require.Len(t, list, 2)
	for i, qr := range list {
		parts := strings.Split(qr, ",")
		require.Len(t, parts, 4)
		assert.Equal(t, []string{"r1", "r2"}[i], parts[0])
	}
}

func TestQRRotatorEmitsFirstEntryImmediately(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	r := NewQRRotator([]string{"a", "b"}, func(cur string) {
		mu.Lock()
		seen = append(seen, cur)
		mu.Unlock()
	}, func() {})
	defer r.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, seen)
}

func TestQRRotatorAdvanceAndExpire(t *testing.T) {
	var advanced []string
	expired := false
	r := &QRRotator{list: []string{"x", "y"}, onAdvance: func(s string) { advanced = append(advanced, s) }, onExpired: func() { expired = true }}

	r.advance() // index 0 -> 1, "y"
	assert.Equal(t, []string{"y"}, advanced)
	assert.False(t, expired)

	r.advance() // index 1 -> 2, off the end
	assert.True(t, expired)
}

func TestQRRotatorStopIsIdempotent(t *testing.T) {
	r := NewQRRotator([]string{"only"}, func(string) {}, func() {})
	r.Stop()
	r.Stop() // must not panic
}

func TestQRRotatorEmptyListExpiresImmediately(t *testing.T) {
	expired := false
	NewQRRotator(nil, func(string) {}, func() { expired = true })
	assert.True(t, expired)
}

func TestParsePairSuccess(t *testing.T) {
	node := &core.Node{
		Tag: "pair-success",
		Content: []*core.Node{
			{Tag: "device", Attrs: map[string]string{"jid": "15551234567@s.whatsapp.net", "lid": "999@lid"}},
			{Tag: "platform", Attrs: map[string]string{"name": "smba"}},
			{Tag: "biz", Attrs: map[string]string{"name": "Acme Corp"}},
		},
	}

	info, err := ParsePairSuccess(node)
	require.NoError(t, err)
	assert.Equal(t, "15551234567@s.whatsapp.net", info.DeviceJID)
	assert.Equal(t, "999@lid", info.LID)
	assert.Equal(t, "smba", info.Platform)
	assert.Equal(t, "Acme Corp", info.BizName)
}

func TestParsePairSuccessMissingDeviceErrors(t *testing.T) {
	node := &core.Node{Tag: "pair-success", Content: []*core.Node{{Tag: "platform", Attrs: map[string]string{"name": "smba"}}}}
	_, err := ParsePairSuccess(node)
	assert.Error(t, err)
}

func TestParsePairSuccessNoChildrenErrors(t *testing.T) {
	_, err := ParsePairSuccess(&core.Node{Tag: "pair-success"})
	assert.Error(t, err)
}

func TestApplyPairSuccess(t *testing.T) {
	creds := &store.AuthCreds{}
	info := &PairSuccessInfo{DeviceJID: "123@s.whatsapp.net", BizName: "Acme", LID: "1@lid", Platform: "smba"}

	ApplyPairSuccess(creds, info, 1700000000)

	require.NotNil(t, creds.Me)
	assert.Equal(t, "123@s.whatsapp.net", creds.Me.ID)
	assert.Equal(t, "Acme", creds.Me.Name)
	assert.Equal(t, "1@lid", creds.Me.LID)
	assert.Equal(t, "smba", creds.Platform)
	assert.True(t, creds.Registered)
	assert.Equal(t, int64(1700000000), creds.LastAccountSyncTimestamp)
}

func TestApplyPairSuccessPrunesAndSeedsSignalIdentities(t *testing.T) {
	var identityPub [32]byte
	identityPub[0] = 9
	creds := &store.AuthCreds{
		SignedIdentityKey: store.KeyPair{Public: identityPub},
		SignalIdentities: map[string][32]byte{
			"123@s.whatsapp.net": {1},
			"999@s.whatsapp.net": {2},
		},
	}
	info := &PairSuccessInfo{DeviceJID: "123@s.whatsapp.net", Platform: "smba"}

	ApplyPairSuccess(creds, info, 1700000000)

	assert.Len(t, creds.SignalIdentities, 1)
	assert.Equal(t, identityPub, creds.SignalIdentities["123@s.whatsapp.net"])
	_, stale := creds.SignalIdentities["999@s.whatsapp.net"]
	assert.False(t, stale)
}
