// Package ident derives printable content identifiers and implements the
// varint encoding used throughout the wire protocol and the hash tree.
package ident

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Magic is the fixed prefix every identifier carries.
const Magic = "RAFDP"

// hashAlgorithm is the multihash code for SHA-256, matching the original's
// "sha2-256" multiformats name.
const hashAlgorithm = multihash.SHA2_256

const baseEncoding = multibase.Base58BTC

// versionVarint is the single varint for version 0, precomputed once.
var versionVarint = string(EncodeVarint(0))

// ErrMalformedVarint is returned when a varint cannot be decoded.
var ErrMalformedVarint = errors.New("ident: malformed varint")

// ErrOversizeInteger is returned when EncodeVarint is given a value that
// does not fit in 15 hex digits (>= 2^60).
var ErrOversizeInteger = errors.New("ident: integer too large for varint")

// maxVarintDigits is the maximum number of hex digits a varint's value may
// occupy: values must be representable in < 2^60.
const maxVarintDigits = 15

// Hash derives the printable identifier for data: magic header, version
// varint, then a base58-btc multibase encoding of a SHA-256 multihash of
// data. Identical inputs always produce identical identifiers.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	mh, err := multihash.Encode(sum[:], hashAlgorithm)
	if err != nil {
		// multihash.Encode only fails for unknown codes or truncated
		// digests; SHA2_256 with a full 32-byte digest never hits this.
		panic(fmt.Sprintf("ident: unexpected multihash encode failure: %v", err))
	}
	encoded, err := multibase.Encode(baseEncoding, mh)
	if err != nil {
		panic(fmt.Sprintf("ident: unexpected multibase encode failure: %v", err))
	}
	return Magic + versionVarint + encoded
}

// MustEncodeVarint is like EncodeVarint but panics on overflow. Useful for
// compile-time-known small constants.
func MustEncodeVarint(n uint64) []byte {
	b, err := encodeVarint(n)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeVarint renders n as the self-delimiting hex varint: one hex digit
// giving the length in hex digits, followed by that many hex digits of n,
// big-endian. Panics if n does not fit in 15 hex digits (>= 2^60); callers
// that need to surface this as an error should use encodeVarint directly
// via EncodeVarintChecked.
func EncodeVarint(n uint64) []byte {
	return MustEncodeVarint(n)
}

// EncodeVarintChecked is EncodeVarint without the panic, for call sites
// (the tree builder) where an oversize integer is a recoverable error per
// spec.md §7 ("Oversize integer ... hard error at the tree-builder layer").
func EncodeVarintChecked(n uint64) ([]byte, error) {
	return encodeVarint(n)
}

func encodeVarint(n uint64) ([]byte, error) {
	digits := strconv.FormatUint(n, 16)
	if len(digits) > maxVarintDigits {
		return nil, fmt.Errorf("%w: %d", ErrOversizeInteger, n)
	}
	lengthDigit := strconv.FormatInt(int64(len(digits)), 16)
	return []byte(lengthDigit + digits), nil
}

// DecodeVarint parses a leading varint off data, returning the value and
// the remaining bytes. Fails with ErrMalformedVarint if the declared
// length exceeds the available data or any byte is not a hex digit.
func DecodeVarint(data []byte) (uint64, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("%w: empty input", ErrMalformedVarint)
	}
	length, ok := hexDigitValue(data[0])
	if !ok {
		return 0, nil, fmt.Errorf("%w: bad length digit %q", ErrMalformedVarint, data[0])
	}
	rest := data[1:]
	if len(rest) < length {
		return 0, nil, fmt.Errorf("%w: declares %d digits, only %d available", ErrMalformedVarint, length, len(rest))
	}
	digits, remaining := rest[:length], rest[length:]
	for _, c := range digits {
		if _, ok := hexDigitValue(c); !ok {
			return 0, nil, fmt.Errorf("%w: non-hex digit %q", ErrMalformedVarint, c)
		}
	}
	value, err := strconv.ParseUint(string(digits), 16, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedVarint, err)
	}
	return value, remaining, nil
}

func hexDigitValue(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	default:
		return 0, false
	}
}
