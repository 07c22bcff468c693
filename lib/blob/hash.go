// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest of a blob's plaintext content.
type Hash [32]byte

// domainKey keys the BLAKE3 hasher so blob digests never collide with
// digests computed for other purposes over the same bytes. Changing it
// invalidates every stored address.
var domainKey = [32]byte{
	'c', 'o', 'm', 'p', 'y', 'm', 'a', 'c', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c',
	't', '.', 'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Sum returns the digest of content.
func Sum(content []byte) Hash {
	hasher := NewHasher()
	hasher.Write(content)
	return hasher.Sum()
}

// Hasher computes a digest incrementally. It implements io.Writer so
// streaming paths can tee content through it.
type Hasher struct {
	state *blake3.Hasher
}

// NewHasher returns a Hasher in its initial keyed state.
func NewHasher() *Hasher {
	state, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic("blob: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{state: state}
}

// Write adds content to the digest. It never fails.
func (h *Hasher) Write(content []byte) (int, error) {
	return h.state.Write(content)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Hash {
	var result Hash
	copy(result[:], h.state.Sum(nil))
	return result
}

// String returns the lowercase hex form used in the database and on
// disk.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (no hash).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses the 64-character hex form of a digest.
func ParseHash(text string) (Hash, error) {
	var result Hash
	if len(text) != hex.EncodedLen(len(result)) {
		return Hash{}, fmt.Errorf("blob: hash %q: want %d hex characters, got %d",
			text, hex.EncodedLen(len(result)), len(text))
	}
	if _, err := hex.Decode(result[:], []byte(text)); err != nil {
		return Hash{}, fmt.Errorf("blob: hash %q: %w", text, err)
	}
	return result, nil
}
