package pwacache

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a body digest.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
)

// Digest is the integrity reference stored alongside every cached response
// body, combining an algorithm identifier with a hash.
type Digest struct {
	Alg  Algorithm
	Hash Hash
}

// DigestOf returns the BLAKE3 digest of body.
func DigestOf(body []byte) Digest {
	return Digest{Alg: AlgBLAKE3, Hash: HashBytes(body)}
}

// ParseDigest parses a digest string in the form "algorithm:hex".
// The algorithm is case-insensitive and normalised to lowercase.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	algoStr, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q missing algorithm prefix", s)
	}

	switch Algorithm(strings.ToLower(algoStr)) {
	case AlgBLAKE3:
	default:
		return Digest{}, fmt.Errorf("unsupported algorithm %q in digest %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return Digest{}, fmt.Errorf("invalid hash in digest %q: %w", s, err)
	}

	return Digest{Alg: AlgBLAKE3, Hash: h}, nil
}

// String returns the canonical string form "algorithm:hex".
func (d Digest) String() string {
	return string(d.Alg) + ":" + d.Hash.String()
}

// Matches reports whether body hashes to this digest.
func (d Digest) Matches(body []byte) bool {
	return HashBytes(body) == d.Hash
}
