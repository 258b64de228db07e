// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

// Package store defines the durable auth/key state model and a file-backed
// implementation of it.
package store

import "github.com/wavault/wagateway/internal/core"

// KeyPair mirrors core.KeyPair; re-exported under the store's own name so
// JSON tags can live here without reaching into internal/core for
// persistence concerns.
type KeyPair = core.KeyPair

// SignedPreKey is a Curve25519 key pair signed (via XEdDSA) by the
// session's identity key.
type SignedPreKey struct {
	KeyID     uint32   `json:"keyId"` // 24-bit on the wire
	KeyPair   KeyPair  `json:"keyPair"`
	Signature [64]byte `json:"signature"`
}

// PreKey is one single-use Curve25519 key pair offered to peers for
// session establishment.
type PreKey struct {
	KeyID   uint32  `json:"keyId"`
	KeyPair KeyPair `json:"keyPair"`
	Used    bool    `json:"used"`
}

// MeInfo identifies the authenticated account once pairing has completed.
type MeInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	LID  string `json:"lid,omitempty"`
}

// AuthCreds is the durable credential set for one session. Invariants:
// Registered implies Me.ID != ""; NextPreKeyID >= FirstUnuploadedPreKeyID.
type AuthCreds struct {
	NoiseKey                 KeyPair      `json:"noiseKey"`
	SignedIdentityKey        KeyPair      `json:"signedIdentityKey"`
	SignedPreKey             SignedPreKey `json:"signedPreKey"`
	RegistrationID           uint32       `json:"registrationId"` // 1..16383
	AdvSecretKey             [32]byte     `json:"advSecretKey"`
	PairingEphemeralKey      KeyPair      `json:"pairingEphemeralKey"`
	NextPreKeyID             uint32       `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID  uint32       `json:"firstUnuploadedPreKeyId"`
	ServerHasPreKeys         bool         `json:"serverHasPreKeys"`
	Me                       *MeInfo      `json:"me,omitempty"`
	Platform                 string       `json:"platform,omitempty"`
	Registered               bool         `json:"registered"`
	CompanionKey             *[32]byte    `json:"companionKey,omitempty"`
	LastAccountSyncTimestamp int64        `json:"lastAccountSyncTimestamp"`

	// SignalIdentities is the trust table of known identity public keys,
	// keyed by bare JID (device 0 only; this gateway doesn't fan a peer's
	// identity out across multiple devices). Maintained
	// step 2: pruned down to the newly paired device's own entry, and
	// seeded with the local signedIdentityKey.public, on every pair-success.
	SignalIdentities map[string][32]byte `json:"signalIdentities,omitempty"`
}

// Valid checks AuthCreds' two documented invariants.
func (c *AuthCreds) Valid() error {
	if c.Registered && (c.Me == nil || c.Me.ID == "") {
		return &ValidationError{Message: "registered creds must have me.id set"}
	}
	if c.NextPreKeyID < c.FirstUnuploadedPreKeyID {
		return &ValidationError{Message: "nextPreKeyId must be >= firstUnuploadedPreKeyId"}
	}
	return nil
}

// ValidationError reports an AuthCreds invariant violation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// SessionKey identifies a per-peer Signal session record.
type SessionKey struct {
	JID    string
	Device uint32
}

// SenderKeyKey identifies a per-group, per-sender sender-key record.
type SenderKeyKey struct {
	GroupID  string
	SenderID string
}

// KeyStore is the full durable per-session key material besides AuthCreds:
// pre-keys, Signal session records, sender keys, and app-state sync
// material. The Sessions, SenderKeys and AppStateSyncKeys records are raw
// bytes; callers decide their own encoding.
type KeyStore struct {
	PreKeys          map[uint32]PreKey
	Sessions         map[SessionKey][]byte
	SenderKeys       map[SenderKeyKey][]byte
	AppStateSyncKeys map[string][]byte
	AppStateVersions map[string]uint64
}

// NewKeyStore returns an empty KeyStore with all maps initialized.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		PreKeys:          make(map[uint32]PreKey),
		Sessions:         make(map[SessionKey][]byte),
		SenderKeys:       make(map[SenderKeyKey][]byte),
		AppStateSyncKeys: make(map[string][]byte),
		AppStateVersions: make(map[string]uint64),
	}
}
