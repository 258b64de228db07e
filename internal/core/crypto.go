// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is a Curve25519 key pair. Immutable once created.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh Curve25519 key pair using crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DH performs a Curve25519 Diffie-Hellman agreement.
func DH(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HKDFExpand derives outLen bytes from ikm/salt/info using HKDF-SHA256.
func HKDFExpand(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext with a 32-byte key, a 12-byte IV and AAD.
func AESGCMEncrypt(key, iv, aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, aad), nil
}

// AESGCMDecrypt opens ciphertext with a 32-byte key, a 12-byte IV and AAD.
func AESGCMDecrypt(key, iv, aad, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, &DecryptError{Message: err.Error()}
	}
	return plaintext, nil
}

// SHA256Sum hashes data with SHA-256.
func SHA256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// --- XEdDSA: signing with a Curve25519 (Montgomery) key pair -----------
//
// WhatsApp signs signed pre-keys with the device's Curve25519 identity key
// using the XEdDSA construction (Signal's scheme for reusing an X25519 key
// pair as an Ed25519-shaped signing key). The math below implements the
// twisted Edwards curve (edwards25519) directly with math/big since no
// library in this module's dependency graph exposes raw point arithmetic.

var (
	fieldP     = mustBig("57896044618658097711785492504343953926634992332820282019728792003956564819949") // 2^255 - 19
	edOrderL   = mustBig("7237005577332262213973186563042994240857116359379907606001950938285454250989")   // 2^252 + 27742317777372353535851937790883648493
	edD        = mustBig("37095705934669439343138083508754565189542113879843219016388785533085940283555")
	edBaseX, _ = new(big.Int).SetString("15112221349535400772501151409588531511454012693041857206046113283949847762202", 10)
	edBaseY, _ = new(big.Int).SetString("46316835694926478169428394003475163141307993866256225615783033603165251855960", 10)
)

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad constant: " + s)
	}
	return n
}

// edPoint is an extended-coordinates twisted Edwards point (X:Y:Z:T) with
// x = X/Z, y = Y/Z, xy = T/Z. Using the "add-2008-hwcd" unified formula,
// which is complete for edwards25519 (a=-1 is a quadratic residue mod p).
type edPoint struct {
	X, Y, Z, T *big.Int
}

func edIdentity() edPoint {
	return edPoint{big.NewInt(0), big.NewInt(1), big.NewInt(1), big.NewInt(0)}
}

func edBasepoint() edPoint {
	return edPoint{new(big.Int).Set(edBaseX), new(big.Int).Set(edBaseY), big.NewInt(1), new(big.Int).Mod(new(big.Int).Mul(edBaseX, edBaseY), fieldP)}
}

func fmod(a *big.Int) *big.Int {
	return new(big.Int).Mod(a, fieldP)
}

func finv(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, fieldP)
}

// edAdd implements the unified addition law for twisted Edwards curves with
// a = -1: given P1, P2 it returns P1+P2, and also correctly returns 2P when
// P1 == P2 (the formula is complete on edwards25519).
func edAdd(p1, p2 edPoint) edPoint {
	A := fmod(new(big.Int).Mul(p1.X, p2.X))
	B := fmod(new(big.Int).Mul(p1.Y, p2.Y))
	C := fmod(new(big.Int).Mul(edD, fmod(new(big.Int).Mul(p1.T, p2.T))))
	D := fmod(new(big.Int).Mul(p1.Z, p2.Z))
	E := fmod(new(big.Int).Sub(fmod(new(big.Int).Mul(new(big.Int).Add(p1.X, p1.Y), new(big.Int).Add(p2.X, p2.Y))), new(big.Int).Add(A, B)))
	F := fmod(new(big.Int).Sub(D, C))
	G := fmod(new(big.Int).Add(D, C))
	H := fmod(new(big.Int).Add(B, A)) // a = -1 => H = B - a*A = B + A
	return edPoint{
		X: fmod(new(big.Int).Mul(E, F)),
		Y: fmod(new(big.Int).Mul(G, H)),
		Z: fmod(new(big.Int).Mul(F, G)),
		T: fmod(new(big.Int).Mul(E, H)),
	}
}

func edNegate(p edPoint) edPoint {
	return edPoint{fmod(new(big.Int).Neg(p.X)), new(big.Int).Set(p.Y), new(big.Int).Set(p.Z), fmod(new(big.Int).Neg(p.T))}
}

// edScalarMult computes scalar*P via double-and-add. Not constant time;
// used only for an offline signing primitive, not a live secret-dependent
// network operation.
func edScalarMult(scalar *big.Int, p edPoint) edPoint {
	result := edIdentity()
	base := p
	s := new(big.Int).Set(scalar)
	zero := big.NewInt(0)
	for s.Cmp(zero) > 0 {
		if s.Bit(0) == 1 {
			result = edAdd(result, base)
		}
		base = edAdd(base, base)
		s.Rsh(s, 1)
	}
	return result
}

func edScalarMultBase(scalar *big.Int) edPoint {
	return edScalarMult(scalar, edBasepoint())
}

// affine returns the affine (x, y) coordinates of a point.
func (p edPoint) affine() (x, y *big.Int) {
	zInv := finv(p.Z)
	return fmod(new(big.Int).Mul(p.X, zInv)), fmod(new(big.Int).Mul(p.Y, zInv))
}

// edSqrt computes a square root mod p (p = 2^255-19, p ≡ 5 mod 8) using the
// standard Ed25519 square-root-via-exponentiation trick.
func edSqrt(a *big.Int) (*big.Int, bool) {
	// candidate = a^((p+3)/8) mod p
	exp := new(big.Int).Add(fieldP, big.NewInt(3))
	exp.Rsh(exp, 3)
	candidate := new(big.Int).Exp(a, exp, fieldP)
	sq := fmod(new(big.Int).Mul(candidate, candidate))
	if sq.Cmp(fmod(a)) == 0 {
		return candidate, true
	}
	// Try candidate * sqrt(-1)
	sqrtM1 := new(big.Int).Exp(big.NewInt(2), new(big.Int).Rsh(new(big.Int).Sub(fieldP, big.NewInt(1)), 2), fieldP)
	candidate2 := fmod(new(big.Int).Mul(candidate, sqrtM1))
	sq2 := fmod(new(big.Int).Mul(candidate2, candidate2))
	if sq2.Cmp(fmod(a)) == 0 {
		return candidate2, true
	}
	return nil, false
}

// montgomeryUToEdwards converts a Curve25519 (Montgomery) u-coordinate into
// the corresponding edwards25519 point with x forced even (sign bit 0),
// which is the convention XEdDSA uses so that a public key can be shared
// verbatim between X25519 and the signing scheme.
func montgomeryUToEdwards(u *big.Int) (edPoint, error) {
	one := big.NewInt(1)
	denom := finv(fmod(new(big.Int).Add(u, one)))
	y := fmod(new(big.Int).Mul(fmod(new(big.Int).Sub(u, one)), denom))

	y2 := fmod(new(big.Int).Mul(y, y))
	num := fmod(new(big.Int).Sub(y2, one))
	den := fmod(new(big.Int).Add(one, fmod(new(big.Int).Mul(edD, y2))))
	x2 := fmod(new(big.Int).Mul(num, finv(den)))

	x, ok := edSqrt(x2)
	if !ok {
		return edPoint{}, errors.New("xeddsa: not a valid curve point")
	}
	if x.Bit(0) == 1 {
		x = fmod(new(big.Int).Neg(x))
	}
	return edPoint{X: x, Y: y, Z: one, T: fmod(new(big.Int).Mul(x, y))}, nil
}

func edwardsYToMontgomeryU(y *big.Int) *big.Int {
	one := big.NewInt(1)
	num := fmod(new(big.Int).Add(one, y))
	den := finv(fmod(new(big.Int).Sub(one, y)))
	return fmod(new(big.Int).Mul(num, den))
}

// encodeEdPoint produces the standard 32-byte little-endian compressed form
// (y with the sign of x folded into the top bit).
func encodeEdPoint(p edPoint) [32]byte {
	x, y := p.affine()
	var out [32]byte
	yb := y.Bytes() // big-endian
	for i := 0; i < len(yb) && i < 32; i++ {
		out[i] = yb[len(yb)-1-i]
	}
	if x.Bit(0) == 1 {
		out[31] |= 0x80
	}
	return out
}

func decodeScalar(b [32]byte) *big.Int {
	le := make([]byte, 32)
	for i := range b {
		le[i] = b[31-i]
	}
	return new(big.Int).SetBytes(le)
}

func encodeScalarMod(s *big.Int) [32]byte {
	r := new(big.Int).Mod(s, edOrderL)
	be := r.Bytes()
	var out [32]byte
	for i := 0; i < len(be); i++ {
		out[len(be)-1-i] = be[i]
	}
	return out
}

func hash1(data []byte) *big.Int {
	prefix := make([]byte, 32)
	prefix[0] = 0xFE
	for i := 1; i < 32; i++ {
		prefix[i] = 0xFF
	}
	h := sha512.Sum512(append(prefix, data...))
	return new(big.Int).Mod(new(big.Int).SetBytes(reverse(h[:])), edOrderL)
}

func hashScalar(data []byte) *big.Int {
	h := sha512.Sum512(data)
	return new(big.Int).Mod(new(big.Int).SetBytes(reverse(h[:])), edOrderL)
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// XEdDSASign signs message with a Curve25519 private key, returning a
// 64-byte Ed25519-shaped signature (R || s) that XEdDSAVerify can check
// against the corresponding Montgomery public key.
func XEdDSASign(priv [32]byte, message []byte) ([64]byte, error) {
	var sig [64]byte
	clamped := priv
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64
	a := decodeScalar(clamped)
	A := edScalarMultBase(a)
	ax, _ := A.affine()
	if ax.Bit(0) == 1 {
		a = new(big.Int).Mod(new(big.Int).Sub(edOrderL, new(big.Int).Mod(a, edOrderL)), edOrderL)
		A = edScalarMultBase(a)
	}
	encA := encodeEdPoint(A)

	z, err := RandomBytes(64)
	if err != nil {
		return sig, err
	}
	aBytes := encodeScalarMod(a)
	r := hash1(append(append(append([]byte{}, aBytes[:]...), message...), z...))
	R := edScalarMultBase(r)
	encR := encodeEdPoint(R)

	h := hashScalar(append(append(append([]byte{}, encR[:]...), encA[:]...), message...))
	s := new(big.Int).Mod(new(big.Int).Add(r, new(big.Int).Mul(h, a)), edOrderL)
	encS := encodeScalarMod(s)

	copy(sig[:32], encR[:])
	copy(sig[32:], encS[:])
	return sig, nil
}

// XEdDSAVerify verifies a 64-byte XEdDSA signature against a Curve25519
// (Montgomery) public key.
func XEdDSAVerify(pub [32]byte, message []byte, sig [64]byte) bool {
	u := decodeScalar(pub)
	if u.Cmp(fieldP) >= 0 {
		return false
	}
	A, err := montgomeryUToEdwards(u)
	if err != nil {
		return false
	}
	encA := encodeEdPoint(A)

	var encR [32]byte
	copy(encR[:], sig[:32])
	s := decodeScalar([32]byte(sig[32:]))
	if s.Cmp(edOrderL) >= 0 {
		return false
	}

	h := hashScalar(append(append(append([]byte{}, encR[:]...), encA[:]...), message...))
	sB := edScalarMultBase(s)
	hA := edScalarMult(h, A)
	Rcheck := edAdd(sB, edNegate(hA))

	return encodeEdPoint(Rcheck) == encR
}

// DJBType is the 0x05 type byte WhatsApp prefixes onto a raw Curve25519
// public key before signing or transmitting it (DJB = Daniel J. Bernstein,
// the curve's designer).
const DJBType = 0x05

// PrefixedPublicKey returns 0x05 || pub, the form that is actually signed.
func PrefixedPublicKey(pub [32]byte) []byte {
	out := make([]byte, 33)
	out[0] = DJBType
	copy(out[1:], pub[:])
	return out
}
