// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package core

// Manual Protobuf encoder/decoder for the handshake and login envelopes.
//
// This avoids a dependency on protoc-generated code while remaining
// wire-compatible with a standard varint/length-delimited Protobuf stream:
// every message below is just tag+length+value fields, which is all the
// handshake needs. Field numbers are this module's own numbering, not
// reverse-engineered from any upstream .proto; see DESIGN.md.

import "fmt"

// Wire types
const (
	wireVarint = 0
	wireBytes  = 2
)

// Field numbers for HandshakeMessage
const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4
)

// Field numbers shared by ClientHello/ServerHello/ClientFinish
const (
	fieldEphemeral = 1
	fieldStatic    = 2
	fieldPayload   = 3
)

// Field numbers for CertChain / NoiseCertificate / Details
const (
	fieldCertLeaf         = 1
	fieldCertIntermediate = 2
	fieldCertDetails      = 1
	fieldCertSignature    = 2
	fieldDetailsSerial    = 1
	fieldDetailsIssuer    = 2
	fieldDetailsKey       = 3
)

// Field numbers for ClientPayload
const (
	fieldCPUsername          = 1
	fieldCPPassive           = 2
	fieldCPUserAgent         = 3
	fieldCPPull              = 5
	fieldCPDevicePairingData = 6
	fieldCPDevice            = 7
)

// Field numbers for ClientPayload.UserAgent
const (
	fieldUAPlatform       = 1
	fieldUAReleaseChannel = 2
	fieldUALocale         = 3
	fieldUACountry        = 4
)

// Field numbers for ClientPayload.DeviceProps
const (
	fieldDPPlatformType = 1
)

// Field numbers for DevicePairingData
const (
	fieldDPDBuildHash   = 1
	fieldDPDDeviceProps = 2
	fieldDPDERegid      = 3
	fieldDPDEKeytype    = 4
	fieldDPDEIdent      = 5
	fieldDPDESkeyID     = 6
	fieldDPDESkeyVal    = 7
	fieldDPDESkeySig    = 8
)

// UserAgent platform/release-channel enum values.
const (
	UserAgentPlatformWeb = 1
	ReleaseChannelStable = 0
)

// DeviceProps platform-type enum values.
const (
	PlatformTypeWebBrowser = 0
	PlatformTypeDarwin     = 1
	PlatformTypeWin32      = 2
)

// encodeVarint encodes an unsigned integer as a Protobuf varint.
func encodeVarint(n uint64) []byte {
	if n == 0 {
		return []byte{0}
	}
	var buf []byte
	for n > 0 {
		b := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// decodeVarint decodes a varint from data, returning the value and the
// number of bytes consumed (0 on malformed input).
func decodeVarint(data []byte) (uint64, int) {
	var n uint64
	var shift uint
	for i, b := range data {
		n |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return n, i + 1
		}
		shift += 7
		if shift >= 64 {
			return 0, 0
		}
	}
	return 0, 0
}

func encodeTag(fieldNum int, wireType int) []byte {
	return encodeVarint(uint64(fieldNum<<3 | wireType))
}

func pbBytes(fieldNum int, data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := append([]byte{}, encodeTag(fieldNum, wireBytes)...)
	out = append(out, encodeVarint(uint64(len(data)))...)
	out = append(out, data...)
	return out
}

func pbVarint(fieldNum int, n uint64) []byte {
	out := append([]byte{}, encodeTag(fieldNum, wireVarint)...)
	out = append(out, encodeVarint(n)...)
	return out
}

func pbBool(fieldNum int, b bool) []byte {
	if !b {
		return nil
	}
	return pbVarint(fieldNum, 1)
}

// --- HandshakeMessage ----------------------------------------------------

// EncodeClientHello builds HandshakeMessage{clientHello: {ephemeral}}.
func EncodeClientHello(ephemeral []byte) []byte {
	clientHello := pbBytes(fieldEphemeral, ephemeral)
	return pbBytes(fieldClientHello, clientHello)
}

// EncodeClientFinish builds HandshakeMessage{clientFinish: {static, payload}}.
func EncodeClientFinish(static, payload []byte) []byte {
	var clientFinish []byte
	clientFinish = append(clientFinish, pbBytes(fieldStatic, static)...)
	clientFinish = append(clientFinish, pbBytes(fieldPayload, payload)...)
	return pbBytes(fieldClientFinish, clientFinish)
}

// ServerHelloData holds the parsed fields of HandshakeMessage.ServerHello.
type ServerHelloData struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// DecodeServerHello extracts HandshakeMessage.serverHello's fields.
func DecodeServerHello(data []byte) (*ServerHelloData, error) {
	serverHelloBytes, err := findField(data, fieldServerHello)
	if err != nil {
		return nil, fmt.Errorf("serverHello field missing: %w", err)
	}

	result := &ServerHelloData{}
	if ephemeral, err := findField(serverHelloBytes, fieldEphemeral); err == nil {
		result.Ephemeral = ephemeral
	}
	if static, err := findField(serverHelloBytes, fieldStatic); err == nil {
		result.Static = static
	}
	if payload, err := findField(serverHelloBytes, fieldPayload); err == nil {
		result.Payload = payload
	}

	if len(result.Ephemeral) != 32 {
		return nil, fmt.Errorf("serverHello.ephemeral has length %d, want 32", len(result.Ephemeral))
	}
	if len(result.Static) == 0 {
		return nil, fmt.Errorf("serverHello.static missing")
	}
	if len(result.Payload) == 0 {
		return nil, fmt.Errorf("serverHello.payload missing")
	}
	return result, nil
}

// encodeServerHello is the test-only mirror of DecodeServerHello, used to
// build synthetic handshake fixtures.
func encodeServerHello(ephemeral, static, payload []byte) []byte {
	var sh []byte
	sh = append(sh, pbBytes(fieldEphemeral, ephemeral)...)
	sh = append(sh, pbBytes(fieldStatic, static)...)
	sh = append(sh, pbBytes(fieldPayload, payload)...)
	return pbBytes(fieldServerHello, sh)
}

// --- CertChain -------------------------------------------------------------

// CertChainIntermediateIssuerSerial decodes a CertChain message and returns
// intermediate.details.issuerSerial. A successful handshake requires this
// to be 0.
func CertChainIntermediateIssuerSerial(certBytes []byte) (int64, error) {
	intermediate, err := findField(certBytes, fieldCertIntermediate)
	if err != nil {
		return 0, fmt.Errorf("certChain.intermediate missing: %w", err)
	}
	details, err := findField(intermediate, fieldCertDetails)
	if err != nil {
		return 0, fmt.Errorf("certChain.intermediate.details missing: %w", err)
	}
	issuer, n := decodeVarint(skipTagGetValue(details, fieldDetailsIssuer))
	if n == 0 {
		return 0, fmt.Errorf("certChain.intermediate.details.issuerSerial missing")
	}
	return int64(issuer), nil
}

// skipTagGetValue extracts the raw varint bytes for a scalar field without
// going through findField's bytes-field assumption.
func skipTagGetValue(data []byte, targetField int) []byte {
	pos := 0
	for pos < len(data) {
		tag, n := decodeVarint(data[pos:])
		if n == 0 {
			return nil
		}
		pos += n
		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)
		switch wireType {
		case wireVarint:
			val, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil
			}
			if fieldNum == targetField {
				return encodeVarint(val)
			}
			pos += n
		case wireBytes:
			length, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil
			}
			pos += n
			if pos+int(length) > len(data) {
				return nil
			}
			pos += int(length)
		default:
			return nil
		}
	}
	return nil
}

// --- ClientPayload ---------------------------------------------------------

// DevicePairingData carries the registration-time identity bundle uploaded
// in ClientPayload.devicePairingData for a brand new (unregistered) device.
type DevicePairingData struct {
	BuildHash   []byte
	DeviceProps []byte
	ERegID      uint32
	EKeytype    byte
	EIdent      [32]byte
	ESkeyID     uint32 // 24-bit on the wire
	ESkeyVal    [32]byte
	ESkeySig    [64]byte
}

func encodeDevicePairingData(d DevicePairingData) []byte {
	var out []byte
	out = append(out, pbBytes(fieldDPDBuildHash, d.BuildHash)...)
	out = append(out, pbBytes(fieldDPDDeviceProps, d.DeviceProps)...)

	regid := make([]byte, 4)
	regid[0] = byte(d.ERegID >> 24)
	regid[1] = byte(d.ERegID >> 16)
	regid[2] = byte(d.ERegID >> 8)
	regid[3] = byte(d.ERegID)
	out = append(out, pbBytes(fieldDPDERegid, regid)...)
	out = append(out, pbBytes(fieldDPDEKeytype, []byte{d.EKeytype})...)
	out = append(out, pbBytes(fieldDPDEIdent, d.EIdent[:])...)

	skeyID := []byte{byte(d.ESkeyID >> 16), byte(d.ESkeyID >> 8), byte(d.ESkeyID)}
	out = append(out, pbBytes(fieldDPDESkeyID, skeyID)...)
	out = append(out, pbBytes(fieldDPDESkeyVal, d.ESkeyVal[:])...)
	out = append(out, pbBytes(fieldDPDESkeySig, d.ESkeySig[:])...)
	return out
}

// EncodeDeviceProps builds ClientPayload.DevicePairingData.deviceProps.
func EncodeDeviceProps(platformType int) []byte {
	return pbVarint(fieldDPPlatformType, uint64(platformType))
}

// ClientPayloadOptions configures EncodeClientPayload for either the
// registration shape (brand new device) or the login shape (resuming a
// registered device).
type ClientPayloadOptions struct {
	Registered bool

	// Login fields.
	Username uint64
	Device   uint32

	// Registration fields.
	Pairing DevicePairingData

	Locale  string
	Country string
}

// EncodeClientPayload builds the ClientPayload message that accompanies
// ClientFinish.
func EncodeClientPayload(opts ClientPayloadOptions) []byte {
	var out []byte

	ua := encodeUserAgent(opts.Locale, opts.Country)
	out = append(out, pbBytes(fieldCPUserAgent, ua)...)
	out = append(out, pbBool(fieldCPPassive, false)...)

	if opts.Registered {
		out = append(out, pbBool(fieldCPPull, true)...)
		out = append(out, pbVarint(fieldCPUsername, opts.Username)...)
		out = append(out, pbVarint(fieldCPDevice, uint64(opts.Device))...)
	} else {
		out = append(out, pbBool(fieldCPPull, false)...)
		out = append(out, pbBytes(fieldCPDevicePairingData, encodeDevicePairingData(opts.Pairing))...)
	}

	return out
}

func encodeUserAgent(locale, country string) []byte {
	var out []byte
	out = append(out, pbVarint(fieldUAPlatform, UserAgentPlatformWeb)...)
	out = append(out, pbVarint(fieldUAReleaseChannel, ReleaseChannelStable)...)
	if locale == "" {
		locale = "en"
	}
	out = append(out, pbBytes(fieldUALocale, []byte(locale))...)
	if country != "" {
		out = append(out, pbBytes(fieldUACountry, []byte(country))...)
	}
	return out
}

// DevicePropsPlatformType maps a human platform name to the wire enum:
// "Mac OS" to DARWIN, "Windows" to WIN32, anything else to WEB_BROWSER.
func DevicePropsPlatformType(platform string) int {
	switch platform {
	case "Mac OS":
		return PlatformTypeDarwin
	case "Windows":
		return PlatformTypeWin32
	default:
		return PlatformTypeWebBrowser
	}
}

// --- shared field scanning -------------------------------------------------

// findField searches for a specific field number in a Protobuf byte string
// and returns its bytes-field value (the handshake/login messages here only
// nest bytes-typed submessages and scalar fields read via skipTagGetValue).
func findField(data []byte, targetField int) ([]byte, error) {
	pos := 0
	for pos < len(data) {
		tag, n := decodeVarint(data[pos:])
		if n == 0 {
			break
		}
		pos += n

		fieldNum := int(tag >> 3)
		wireType := int(tag & 0x7)

		switch wireType {
		case wireVarint:
			_, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil, ErrInvalidProtobuf
			}
			pos += n

		case wireBytes:
			length, n := decodeVarint(data[pos:])
			if n == 0 {
				return nil, ErrInvalidProtobuf
			}
			pos += n

			if pos+int(length) > len(data) {
				return nil, ErrInvalidProtobuf
			}

			if fieldNum == targetField {
				return data[pos : pos+int(length)], nil
			}
			pos += int(length)

		default:
			return nil, ErrInvalidProtobuf
		}
	}

	return nil, ErrFieldNotFound
}

// Protobuf errors
type ProtobufError struct {
	Message string
}

func (e *ProtobufError) Error() string {
	return e.Message
}

var (
	ErrInvalidProtobuf = &ProtobufError{Message: "invalid protobuf data"}
	ErrFieldNotFound   = &ProtobufError{Message: "field not found"}
)
