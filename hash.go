// Package pwacache holds the identifiers shared by every part of the offline
// cache: the version registry that names cache namespaces and the BLAKE3
// digests used to verify stored response bodies.
package pwacache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 sum.
type Hash [HashSize]byte

// HashBytes returns the BLAKE3 sum of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ParseHash parses a lowercase or uppercase hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h was never set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
