package cryptoutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	SHA1   = "sha1"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Algorithms lists the accepted names for NewHash.
var Algorithms = []string{SHA1, SHA256, BLAKE3}

// NewHash returns a fresh digest for alg. Names are case-insensitive.
func NewHash(alg string) (hash.Hash, error) {
	switch NormalizeAlgorithm(alg) {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q (valid algorithms are %s)", alg, strings.Join(Algorithms, "|"))
}

// NormalizeAlgorithm lowercases alg and maps "" to the default SHA1.
func NormalizeAlgorithm(alg string) string {
	a := strings.ToLower(strings.TrimSpace(alg))
	if a == "" {
		return SHA1
	}
	return a
}

// HexDigest returns the lowercase hex encoding of h.Sum(nil).
func HexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// SHA256Hex returns the hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
