// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Node is a node in the binary-XML stanza format: a tag, an unordered set
// of attributes, and content that is either absent, raw bytes, or an
// ordered list of children. Content ordering matters; attribute key order
// does not.
type Node struct {
	Tag     string
	Attrs   map[string]string
	Content interface{} // nil, []byte, or []*Node
}

// Control markers. Strings below 0xF8 that aren't dictionary indices are
// impossible by construction (the token tables are capped in tokens.go),
// so these never collide with a single-byte token index.
const (
	markerDoubleByte   = 0xF8
	markerLiteralShort = 0xF9 // 1-byte length literal string
	markerLiteralLong  = 0xFA // 2-byte length literal string
	markerBinaryShort  = 0xFB // 1-byte length raw bytes
	markerBinaryLong   = 0xFC // 4-byte length raw bytes

	contentBytes    = 0x01
	contentNodeList = 0x02
)

// EncodeBinaryNode encodes a Node to its binary wire form.
func EncodeBinaryNode(node *Node) []byte {
	buf := new(bytes.Buffer)
	encodeNode(buf, node)
	return buf.Bytes()
}

// DecodeBinaryNode decodes a Node from its binary wire form.
func DecodeBinaryNode(data []byte) (*Node, error) {
	reader := bytes.NewReader(data)
	return decodeNode(reader)
}

func encodeNode(buf *bytes.Buffer, node *Node) {
	numAttrs := len(node.Attrs)
	descriptor := numAttrs << 1
	hasContent := node.Content != nil
	if hasContent {
		descriptor |= 1
	}
	buf.WriteByte(byte(descriptor))

	encodeString(buf, node.Tag)

	// Attribute order on the wire is irrelevant to the data model but must
	// be deterministic so re-encoding the same logical node is reproducible.
	keys := make([]string, 0, numAttrs)
	for k := range node.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		encodeString(buf, k)
		encodeString(buf, node.Attrs[k])
	}

	if !hasContent {
		return
	}

	switch content := node.Content.(type) {
	case []byte:
		buf.WriteByte(contentBytes)
		encodeBytes(buf, content)
	case []*Node:
		buf.WriteByte(contentNodeList)
		writeCount(buf, len(content))
		for _, child := range content {
			encodeNode(buf, child)
		}
	default:
		panic(fmt.Sprintf("core: unsupported node content type %T", content))
	}
}

func decodeNode(reader *bytes.Reader) (*Node, error) {
	descriptor, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	numAttrs := int(descriptor >> 1)
	hasContent := descriptor&1 == 1

	tag, err := decodeString(reader)
	if err != nil {
		return nil, fmt.Errorf("core: decode tag: %w", err)
	}

	var attrs map[string]string
	if numAttrs > 0 {
		attrs = make(map[string]string, numAttrs)
		for i := 0; i < numAttrs; i++ {
			key, err := decodeString(reader)
			if err != nil {
				return nil, fmt.Errorf("core: decode attr key: %w", err)
			}
			val, err := decodeString(reader)
			if err != nil {
				return nil, fmt.Errorf("core: decode attr value %q: %w", key, err)
			}
			attrs[key] = val
		}
	}

	node := &Node{Tag: tag, Attrs: attrs}

	if !hasContent {
		return node, nil
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("core: decode content kind: %w", err)
	}

	switch kind {
	case contentBytes:
		data, err := decodeBytes(reader)
		if err != nil {
			return nil, fmt.Errorf("core: decode content bytes: %w", err)
		}
		node.Content = data
	case contentNodeList:
		count, err := readCount(reader)
		if err != nil {
			return nil, err
		}
		children := make([]*Node, count)
		for i := range children {
			child, err := decodeNode(reader)
			if err != nil {
				return nil, fmt.Errorf("core: decode child %d: %w", i, err)
			}
			children[i] = child
		}
		node.Content = children
	default:
		return nil, fmt.Errorf("core: unknown content kind 0x%02x", kind)
	}

	return node, nil
}

func encodeString(buf *bytes.Buffer, s string) {
	if idx, ok := tokenIndexSingle[s]; ok {
		buf.WriteByte(byte(idx))
		return
	}
	if idx, ok := tokenIndexDouble[s]; ok {
		buf.WriteByte(markerDoubleByte)
		buf.WriteByte(byte(idx))
		return
	}
	if len(s) < 256 {
		buf.WriteByte(markerLiteralShort)
		buf.WriteByte(byte(len(s)))
		buf.WriteString(s)
		return
	}
	buf.WriteByte(markerLiteralLong)
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func decodeString(reader *bytes.Reader) (string, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return "", err
	}

	switch b {
	case markerDoubleByte:
		idx, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		if int(idx) >= len(doubleByteTokens) {
			return "", fmt.Errorf("unknown double-byte token %d", idx)
		}
		return doubleByteTokens[idx], nil
	case markerLiteralShort:
		n, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		return readRawString(reader, int(n))
	case markerLiteralLong:
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return "", err
		}
		return readRawString(reader, int(n))
	default:
		if int(b) >= len(singleByteTokens) || singleByteTokens[b] == "" {
			return "", fmt.Errorf("unknown token byte 0x%02x", b)
		}
		return singleByteTokens[b], nil
	}
}

func readRawString(reader *bytes.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := readFull(reader, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeBytes(buf *bytes.Buffer, data []byte) {
	if len(data) < 256 {
		buf.WriteByte(markerBinaryShort)
		buf.WriteByte(byte(len(data)))
	} else {
		buf.WriteByte(markerBinaryLong)
		binary.Write(buf, binary.BigEndian, uint32(len(data)))
	}
	buf.Write(data)
}

func decodeBytes(reader *bytes.Reader) ([]byte, error) {
	marker, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	var length int
	switch marker {
	case markerBinaryShort:
		n, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		length = int(n)
	case markerBinaryLong:
		var n uint32
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		length = int(n)
	default:
		return nil, fmt.Errorf("unknown binary marker 0x%02x", marker)
	}

	buf := make([]byte, length)
	if _, err := readFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeCount(buf *bytes.Buffer, n int) {
	if n < 256 {
		buf.WriteByte(byte(n))
		return
	}
	buf.WriteByte(0xFF)
	binary.Write(buf, binary.BigEndian, uint32(n))
}

func readCount(reader *bytes.Reader) (int, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0xFF {
		return int(b), nil
	}
	var n uint32
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return 0, err
	}
	return int(n), nil
}

func readFull(reader *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read: got %d, want %d", total, len(buf))
		}
	}
	return total, nil
}
