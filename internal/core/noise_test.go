package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildCertChain constructs a minimal CertChain protobuf with the given
// intermediate issuerSerial, for exercising ProcessServerHello's
// certificate check without a real WA server.
func buildCertChain(issuerSerial uint64) []byte {
	details := pbVarint(fieldDetailsIssuer, issuerSerial)
	noiseCert := pbBytes(fieldCertDetails, details)
	intermediate := pbBytes(fieldCertIntermediate, noiseCert)
	return intermediate
}

// serverSide simulates the responder half of Noise_XX for test purposes: it
// holds its own ephemeral/static key pairs and performs the same DH/mix
// steps the real WA server would, so the client NoiseEngine under test can
// run a genuine handshake against it.
type serverSide struct {
	ephemeral KeyPair
	static    KeyPair
	hash      []byte
	salt      []byte
	encKey    []byte
	decKey    []byte
}

func newServerSide(clientEphemeralPub [32]byte) (*serverSide, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	static, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	s := &serverSide{ephemeral: ephemeral, static: static}
	hash := SHA256Sum([]byte(NoiseProtocolName))
	s.hash = hash
	s.salt = append([]byte{}, hash...)
	s.encKey = append([]byte{}, hash...)
	s.decKey = append([]byte{}, hash...)

	s.authenticate([]byte(NoiseHeader))
	s.authenticate(clientEphemeralPub[:])
	s.authenticate(s.ephemeral.Public[:])

	shared1, err := DH(s.ephemeral.Private, clientEphemeralPub)
	if err != nil {
		return nil, err
	}
	if err := s.mixIntoKey(shared1); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *serverSide) authenticate(data []byte) {
	s.hash = SHA256Sum(append(append([]byte{}, s.hash...), data...))
}

func (s *serverSide) mixIntoKey(data []byte) error {
	key, err := HKDFExpand(data, s.salt, nil, 64)
	if err != nil {
		return err
	}
	s.salt = key[:32]
	s.encKey = key[32:]
	s.decKey = key[32:]
	return nil
}

func (s *serverSide) encrypt(counter uint32, plaintext []byte) ([]byte, error) {
	ct, err := AESGCMEncrypt(s.encKey, generateIV(counter), s.hash, plaintext)
	if err != nil {
		return nil, err
	}
	s.authenticate(ct)
	return ct, nil
}

// buildServerHello produces a full HandshakeMessage.ServerHello: encrypted
// static key (counter 0, since the server's write counter starts at 0
// after the ephemeral-ephemeral mix) and encrypted cert payload (counter 0
// again, since the static-ephemeral mixIntoKey resets the counters).
func (s *serverSide) buildServerHello(clientEphemeralPriv KeyPair) ([]byte, error) {
	encStatic, err := s.encrypt(0, s.static.Public[:])
	if err != nil {
		return nil, err
	}

	shared2, err := DH(s.static.Private, clientEphemeralPriv.Public)
	if err != nil {
		return nil, err
	}
	if err := s.mixIntoKey(shared2); err != nil {
		return nil, err
	}

	cert := buildCertChain(0)
	encCert, err := s.encrypt(0, cert)
	if err != nil {
		return nil, err
	}

	return encodeServerHello(s.ephemeral.Public[:], encStatic, encCert), nil
}

func TestNoiseHandshakeAndTransport(t *testing.T) {
	clientStatic, err := GenerateKeyPair()
	require.NoError(t, err)

	client, err := NewNoiseEngine(clientStatic)
	require.NoError(t, err)

	clientHello := client.BuildClientHello()
	require.NotEmpty(t, clientHello)

	server, err := newServerSide(client.EphemeralPublic())
	require.NoError(t, err)

	serverHelloMsg, err := server.buildServerHello(KeyPair{Public: client.ephemeral.Public, Private: client.ephemeral.Private})
	require.NoError(t, err)

	require.NoError(t, client.ProcessServerHello(serverHelloMsg))

	payload := EncodeClientPayload(ClientPayloadOptions{Registered: true, Username: 5511999, Device: 0})
	clientFinish, err := client.BuildClientFinish(payload)
	require.NoError(t, err)
	require.NotEmpty(t, clientFinish)

	require.True(t, client.IsFinished())
	require.Equal(t, uint32(0), client.ReadCounter())
	require.Equal(t, uint32(0), client.WriteCounter())

	ct, err := client.Encrypt([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), client.WriteCounter())

	// finishInit splits the derived key into distinct encKey and decKey, so
	// the client cannot decrypt its own ciphertext; instead assert tamper
	// detection.
	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xFF
	_, err = client.Decrypt(tampered)
	require.Error(t, err)
	var decErr *DecryptError
	require.ErrorAs(t, err, &decErr)
}

func TestProcessServerHelloRejectsBadCert(t *testing.T) {
	clientStatic, err := GenerateKeyPair()
	require.NoError(t, err)
	client, err := NewNoiseEngine(clientStatic)
	require.NoError(t, err)
	_ = client.BuildClientHello()

	server, err := newServerSide(client.EphemeralPublic())
	require.NoError(t, err)

	encStatic, err := server.encrypt(0, server.static.Public[:])
	require.NoError(t, err)

	shared2, err := DH(server.static.Private, client.ephemeral.Public)
	require.NoError(t, err)
	require.NoError(t, server.mixIntoKey(shared2))

	badCert := buildCertChain(42)
	encCert, err := server.encrypt(0, badCert)
	require.NoError(t, err)

	msg := encodeServerHello(server.ephemeral.Public[:], encStatic, encCert)
	err = client.ProcessServerHello(msg)
	require.Error(t, err)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
}

func TestCounterResetsOnMixIntoKey(t *testing.T) {
	static, err := GenerateKeyPair()
	require.NoError(t, err)
	n, err := NewNoiseEngine(static)
	require.NoError(t, err)

	n.writeCounter = 7
	n.readCounter = 3
	require.NoError(t, n.mixIntoKey([]byte("some shared secret")))
	require.Equal(t, uint32(0), n.writeCounter)
	require.Equal(t, uint32(0), n.readCounter)
}
