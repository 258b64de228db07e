// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package session

import (
	"fmt"

	"github.com/wavault/wagateway/internal/core"
	"github.com/wavault/wagateway/internal/store"
)

// Pre-key batch sizing: upload in batches of 100, refill once fewer than
// 10 unused keys remain.
const (
	PreKeyRefillThreshold = 10
	PreKeyBatchSize       = 100
)

// NeedsUpload reports whether creds require a pre-key upload: either the
// server has never received any, or the unsynced backlog has reached a
// full batch.
func NeedsUpload(creds *store.AuthCreds) bool {
	if !creds.ServerHasPreKeys {
		return true
	}
	return creds.NextPreKeyID-creds.FirstUnuploadedPreKeyID >= PreKeyBatchSize
}

// GenerateSignedPreKey creates a fresh SignedPreKey signed by identityKey,
// such that verify(signature, identityPubKey, 0x05||pub) holds.
func GenerateSignedPreKey(identityKey store.KeyPair, keyID uint32) (store.SignedPreKey, error) {
	kp, err := core.GenerateKeyPair()
	if err != nil {
		return store.SignedPreKey{}, fmt.Errorf("session: generate signed pre-key: %w", err)
	}
	sig, err := core.XEdDSASign(identityKey.Private, core.PrefixedPublicKey(kp.Public))
	if err != nil {
		return store.SignedPreKey{}, fmt.Errorf("session: sign pre-key: %w", err)
	}
	return store.SignedPreKey{KeyID: keyID, KeyPair: kp, Signature: sig}, nil
}

// GeneratePreKeyRange generates one KeyPair-backed PreKey for every id in
// [from, to), for ids not already present in existing.
func GeneratePreKeyRange(from, to uint32, existing map[uint32]store.PreKey) ([]store.PreKey, error) {
	var out []store.PreKey
	for id := from; id < to; id++ {
		if _, ok := existing[id]; ok {
			continue
		}
		kp, err := core.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("session: generate pre-key %d: %w", id, err)
		}
		out = append(out, store.PreKey{KeyID: id, KeyPair: kp})
	}
	return out, nil
}

// PrepareUploadBatch ensures pre-keys exist for every id in
// [creds.FirstUnuploadedPreKeyID, creds.NextPreKeyID), generating any that
// are missing.
func PrepareUploadBatch(creds *store.AuthCreds, existing map[uint32]store.PreKey) ([]store.PreKey, error) {
	return GeneratePreKeyRange(creds.FirstUnuploadedPreKeyID, creds.NextPreKeyID, existing)
}

// MarkUploaded advances creds after a successful upload: the server now
// has every pre-key up to NextPreKeyID.
func MarkUploaded(creds *store.AuthCreds) {
	creds.ServerHasPreKeys = true
	creds.FirstUnuploadedPreKeyID = creds.NextPreKeyID
}

// NeedsRefill reports whether the available (unused) pre-key count has
// dropped below the refill threshold.
func NeedsRefill(availableCount int) bool {
	return availableCount < PreKeyRefillThreshold
}

// RefillBatch generates a fresh batch of PreKeyBatchSize pre-keys starting
// at creds.NextPreKeyID, advancing it accordingly. The batch is not yet
// uploaded; callers should follow with PrepareUploadBatch/MarkUploaded.
func RefillBatch(creds *store.AuthCreds) ([]store.PreKey, error) {
	from := creds.NextPreKeyID
	to := from + PreKeyBatchSize
	batch, err := GeneratePreKeyRange(from, to, nil)
	if err != nil {
		return nil, err
	}
	creds.NextPreKeyID = to
	return batch, nil
}

// AvailableCount returns the number of not-yet-used pre-keys in ks.
func AvailableCount(ks *store.KeyStore) int {
	n := 0
	for _, pk := range ks.PreKeys {
		if !pk.Used {
			n++
		}
	}
	return n
}
