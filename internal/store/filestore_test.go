package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleCreds() *AuthCreds {
	return &AuthCreds{
		NoiseKey:          KeyPair{Public: [32]byte{1}, Private: [32]byte{2}},
		SignedIdentityKey: KeyPair{Public: [32]byte{3}, Private: [32]byte{4}},
		SignedPreKey: SignedPreKey{
			KeyID:     7,
			KeyPair:   KeyPair{Public: [32]byte{5}, Private: [32]byte{6}},
			Signature: [64]byte{9, 9, 9},
		},
		RegistrationID:           1234,
		AdvSecretKey:             [32]byte{10},
		PairingEphemeralKey:      KeyPair{Public: [32]byte{11}, Private: [32]byte{12}},
		NextPreKeyID:             100,
		FirstUnuploadedPreKeyID:  50,
		ServerHasPreKeys:         true,
		Registered:               false,
		LastAccountSyncTimestamp: 1700000000,
	}
}

func TestLoadCredsReturnsNilWhenAbsent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	creds, err := fs.LoadCreds("session-a")
	require.NoError(t, err)
	require.Nil(t, creds)
}

func TestSaveCredsRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	original := sampleCreds()
	require.NoError(t, fs.SaveCreds("session-a", original))

	loaded, err := fs.LoadCreds("session-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, original.NoiseKey, loaded.NoiseKey)
	require.Equal(t, original.SignedPreKey.Signature, loaded.SignedPreKey.Signature)
	require.Equal(t, original.AdvSecretKey, loaded.AdvSecretKey)
	require.Equal(t, original.NextPreKeyID, loaded.NextPreKeyID)
}

func TestSaveCredsRoundTripsSignalIdentities(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	original := sampleCreds()
	original.SignalIdentities = map[string][32]byte{
		"123@s.whatsapp.net": {9, 9},
	}
	require.NoError(t, fs.SaveCreds("session-a", original))

	loaded, err := fs.LoadCreds("session-a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, original.SignalIdentities, loaded.SignalIdentities)
}

func TestSaveCredsRejectsInvariantViolation(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	creds := sampleCreds()
	creds.Registered = true
	creds.Me = nil

	err = fs.SaveCreds("session-a", creds)
	require.Error(t, err)
}

func TestPreKeyPutMarkUsedAndLoad(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	pk := PreKey{KeyID: 42, KeyPair: KeyPair{Public: [32]byte{1}, Private: [32]byte{2}}}
	require.NoError(t, fs.PutPreKey("session-a", pk))
	require.NoError(t, fs.MarkPreKeyUsed("session-a", 42))

	ks, err := fs.LoadKeys("session-a")
	require.NoError(t, err)
	got, ok := ks.PreKeys[42]
	require.True(t, ok)
	require.True(t, got.Used)
	require.Equal(t, pk.KeyPair, got.KeyPair)
}

func TestMarkPreKeyUsedOnMissingKeyIsNoop(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.MarkPreKeyUsed("session-a", 999))
}

func TestSessionRecordRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	record := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, fs.PutSession("session-a", "1234567890@s.whatsapp.net", 0, record))

	got, err := fs.GetSession("session-a", "1234567890@s.whatsapp.net", 0)
	require.NoError(t, err)
	require.Equal(t, record, got)

	missing, err := fs.GetSession("session-a", "nobody@s.whatsapp.net", 0)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRemoveAllCascades(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.SaveCreds("session-a", sampleCreds()))
	require.NoError(t, fs.PutPreKey("session-a", PreKey{KeyID: 1}))
	require.NoError(t, fs.PutSession("session-a", "x@s.whatsapp.net", 0, []byte("hi")))

	require.NoError(t, fs.RemoveAll("session-a"))

	creds, err := fs.LoadCreds("session-a")
	require.NoError(t, err)
	require.Nil(t, creds)

	ks, err := fs.LoadKeys("session-a")
	require.NoError(t, err)
	require.Empty(t, ks.PreKeys)
	require.Empty(t, ks.Sessions)
}

func TestAppStateVersionRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.PutAppStateVersion("session-a", "regular", 7))
	require.NoError(t, fs.PutAppStateVersion("session-a", "critical_unblock_low", 3))

	ks, err := fs.LoadKeys("session-a")
	require.NoError(t, err)
	require.Equal(t, uint64(7), ks.AppStateVersions["regular"])
	require.Equal(t, uint64(3), ks.AppStateVersions["critical_unblock_low"])
}
