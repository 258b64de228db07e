package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinaryNodeRoundTrip(t *testing.T) {
	cases := []*Node{
		{Tag: "iq", Attrs: map[string]string{"type": "get", "id": "abc123", "xmlns": "urn:xmpp:ping"}},
		{Tag: "message", Attrs: map[string]string{"to": "s.whatsapp.net"}, Content: []byte("hello world")},
		{
			Tag:   "stream:error",
			Attrs: map[string]string{"code": "409"},
			Content: []*Node{
				{Tag: "conflict", Attrs: map[string]string{"type": "replaced"}},
			},
		},
		{Tag: "custom-unlisted-tag-name", Attrs: map[string]string{"custom-attr-key": "custom-attr-value"}},
		{Tag: "longstring", Content: []byte(make([]byte, 400))},
	}

	for _, n := range cases {
		encoded := EncodeBinaryNode(n)
		decoded, err := DecodeBinaryNode(encoded)
		require.NoError(t, err)
		require.Equal(t, n.Tag, decoded.Tag)
		require.Equal(t, len(n.Attrs), len(decoded.Attrs))
		for k, v := range n.Attrs {
			require.Equal(t, v, decoded.Attrs[k])
		}
		switch want := n.Content.(type) {
		case nil:
			require.Nil(t, decoded.Content)
		case []byte:
			require.Equal(t, want, decoded.Content)
		case []*Node:
			got, ok := decoded.Content.([]*Node)
			require.True(t, ok)
			require.Equal(t, len(want), len(got))
			for i := range want {
				require.Equal(t, want[i].Tag, got[i].Tag)
			}
		}
	}
}

func TestEncodeStringUsesTokenTables(t *testing.T) {
	n := &Node{Tag: "iq"}
	encoded := EncodeBinaryNode(n)
	// "iq" is in the single-byte dictionary, so tag encodes to exactly its
	// token index, not a length-prefixed literal.
	require.Equal(t, byte(tokenIndexSingle["iq"]), encoded[1])
}

func TestDecodeUnknownTokenIsError(t *testing.T) {
	// 0xF6 is above the populated single-byte index range but below the
	// control markers, so it can only be an unknown token.
	_, err := DecodeBinaryNode([]byte{0x00, 0xF6})
	require.Error(t, err)

	// A truncated literal is an error too.
	_, err = DecodeBinaryNode([]byte{0x00, 0xF9, 0xFF})
	require.Error(t, err)
}
