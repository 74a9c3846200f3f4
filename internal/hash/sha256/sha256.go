// Package sha256 provides the SHA-256 digest used for URL fingerprints and
// record UIDs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. A canonical URL always hashes to the
// same fingerprint, which is what makes the seen set stable across runs.
func (h *Hasher) Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
