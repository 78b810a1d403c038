package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeVarintMatchesWireConstant(t *testing.T) {
	// spec.md §6: "version varint \"10\"" is the varint for zero.
	require.Equal(t, "10", string(EncodeVarint(0)))
}

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 15, 16, 255, 4096, (1 << 60) - 1}
	for _, n := range cases {
		encoded := EncodeVarint(n)
		for _, tail := range [][]byte{nil, []byte("x"), []byte("remaining-bytes")} {
			data := append(append([]byte{}, encoded...), tail...)
			got, rest, err := DecodeVarint(data)
			require.NoError(t, err)
			require.Equal(t, n, got)
			require.Equal(t, tail, rest)
		}
	}
}

func TestEncodeVarintRejectsOversize(t *testing.T) {
	_, err := EncodeVarintChecked(1 << 60)
	require.ErrorIs(t, err, ErrOversizeInteger)
}

func TestDecodeVarintTruncated(t *testing.T) {
	// Declares 5 hex digits of data but only provides 2.
	_, _, err := DecodeVarint([]byte("5ab"))
	require.ErrorIs(t, err, ErrMalformedVarint)
}

func TestDecodeVarintBadDigit(t *testing.T) {
	_, _, err := DecodeVarint([]byte("1z"))
	require.ErrorIs(t, err, ErrMalformedVarint)
}

func TestDecodeVarintEmpty(t *testing.T) {
	_, _, err := DecodeVarint(nil)
	require.ErrorIs(t, err, ErrMalformedVarint)
}

func TestHashDeterministicAndMagic(t *testing.T) {
	data := []byte("hello world")
	h1 := Hash(data)
	h2 := Hash(data)
	require.Equal(t, h1, h2)
	require.True(t, strings.HasPrefix(h1, Magic+"10"))
}

func TestHashDiffersOnInput(t *testing.T) {
	require.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}
