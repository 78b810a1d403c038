// Package protocol implements the wire frames of spec.md §4.E: parsing
// and producing PING/PONG/REQUEST/RESPONSE-NONBINARY/
// RESPONSE-BINARY-FRAGMENT datagrams.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/rafdp/engine/internal/ident"
)

// Wire constants, bit-exact per spec.md §6.
var (
	pingLiteral = []byte("RAFDPPING")
	pongLiteral = []byte("RAFDPPONG")
)

const (
	opRequest  byte = 0x00
	opResponse byte = 0x01

	subtypeNonBinary byte = 0x00
	subtypeBinary    byte = 0x01
)

// FragmentPayloadSize bounds a binary response fragment's chunk bytes to
// stay within conservative MTU assumptions (spec.md §4.E).
const FragmentPayloadSize = 508

// Kind classifies a parsed inbound frame.
type Kind int

const (
	// KindUnknown is returned for frames that do not match any recognized
	// shape; spec.md §4.E: "logged and ignored".
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindRequest
	KindResponseNonBinary
	KindResponseBinaryFragment
)

// ErrMalformedFrame is returned when a frame's declared shape does not
// match its actual bytes (truncated header, bad varint, unrecognized
// opcode region).
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Classify identifies which frame kind data represents, without fully
// decoding it.
func Classify(data []byte) Kind {
	switch {
	case bytes.Equal(data, pingLiteral):
		return KindPing
	case bytes.Equal(data, pongLiteral):
		return KindPong
	case len(data) >= 1 && data[0] == opRequest:
		return KindRequest
	case len(data) >= 2 && data[0] == opResponse && data[1] == subtypeNonBinary:
		return KindResponseNonBinary
	case len(data) >= 2 && data[0] == opResponse && data[1] == subtypeBinary:
		return KindResponseBinaryFragment
	default:
		return KindUnknown
	}
}

// EncodePing returns the literal PING frame.
func EncodePing() []byte { return append([]byte{}, pingLiteral...) }

// EncodePong returns the literal PONG frame.
func EncodePong() []byte { return append([]byte{}, pongLiteral...) }

// EncodeRequest builds a REQUEST frame asking for id.
func EncodeRequest(id string) []byte {
	return append([]byte{opRequest}, []byte(id)...)
}

// DecodeRequest extracts the requested identifier from a REQUEST frame.
func DecodeRequest(data []byte) (string, error) {
	if len(data) < 1 || data[0] != opRequest {
		return "", fmt.Errorf("%w: not a REQUEST frame", ErrMalformedFrame)
	}
	return string(data[1:]), nil
}

// EncodeResponseNonBinary builds a RESPONSE-NONBINARY frame carrying an
// internal node's ASCII payload.
func EncodeResponseNonBinary(payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, opResponse, subtypeNonBinary)
	return append(out, payload...)
}

// DecodeResponseNonBinary extracts the ASCII payload from a
// RESPONSE-NONBINARY frame.
func DecodeResponseNonBinary(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != opResponse || data[1] != subtypeNonBinary {
		return nil, fmt.Errorf("%w: not a RESPONSE-NONBINARY frame", ErrMalformedFrame)
	}
	return data[2:], nil
}

// EncodeResponseBinaryFragments splits a leaf's materialized payload
// (varint(index)++data) into as many RESPONSE-BINARY-FRAGMENT frames as
// needed to stay within FragmentPayloadSize bytes of payload each.
func EncodeResponseBinaryFragments(id string, payload []byte) [][]byte {
	fragCount := (len(payload) + FragmentPayloadSize - 1) / FragmentPayloadSize
	if fragCount == 0 {
		fragCount = 1 // an empty payload still needs one (empty) fragment.
	}

	idBytes := []byte(id)
	idLen := ident.MustEncodeVarint(uint64(len(idBytes)))
	fragCountVarint := ident.MustEncodeVarint(uint64(fragCount))

	frames := make([][]byte, 0, fragCount)
	for i := 0; i < fragCount; i++ {
		start := i * FragmentPayloadSize
		end := start + FragmentPayloadSize
		if end > len(payload) {
			end = len(payload)
		}

		out := []byte{opResponse, subtypeBinary}
		out = append(out, ident.MustEncodeVarint(uint64(i))...)
		out = append(out, fragCountVarint...)
		out = append(out, idLen...)
		out = append(out, idBytes...)
		out = append(out, payload[start:end]...)
		frames = append(frames, out)
	}
	return frames
}

// ResponseBinaryFragment is one decoded RESPONSE-BINARY-FRAGMENT frame.
type ResponseBinaryFragment struct {
	FragIndex uint64
	FragCount uint64
	ID        string
	Data      []byte
}

// DecodeResponseBinaryFragment parses a RESPONSE-BINARY-FRAGMENT frame.
func DecodeResponseBinaryFragment(data []byte) (ResponseBinaryFragment, error) {
	if len(data) < 2 || data[0] != opResponse || data[1] != subtypeBinary {
		return ResponseBinaryFragment{}, fmt.Errorf("%w: not a RESPONSE-BINARY-FRAGMENT frame", ErrMalformedFrame)
	}
	rest := data[2:]

	fragIndex, rest, err := ident.DecodeVarint(rest)
	if err != nil {
		return ResponseBinaryFragment{}, fmt.Errorf("%w: fragIndex: %v", ErrMalformedFrame, err)
	}
	fragCount, rest, err := ident.DecodeVarint(rest)
	if err != nil {
		return ResponseBinaryFragment{}, fmt.Errorf("%w: fragCount: %v", ErrMalformedFrame, err)
	}
	idLen, rest, err := ident.DecodeVarint(rest)
	if err != nil {
		return ResponseBinaryFragment{}, fmt.Errorf("%w: idLen: %v", ErrMalformedFrame, err)
	}
	if uint64(len(rest)) < idLen {
		return ResponseBinaryFragment{}, fmt.Errorf("%w: truncated identifier", ErrMalformedFrame)
	}
	id := string(rest[:idLen])
	fragBytes := rest[idLen:]

	return ResponseBinaryFragment{
		FragIndex: fragIndex,
		FragCount: fragCount,
		ID:        id,
		Data:      fragBytes,
	}, nil
}
