package util

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Signer computes keyed blake2b-256 MACs over a list of fields. Routers sharing a secret can verify each other's
// confirmation records and peer messages.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for secret. blake2b accepts keys up to 64 bytes, longer secrets are hashed first.
func NewSigner(secret string) *Signer {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}

	return &Signer{key: key}
}

// Sign returns the hex encoded MAC of the fields joined by '|'.
func (s *Signer) Sign(fields ...string) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// only possible with a key longer than 64 bytes, which NewSigner prevents
		panic(err)
	}

	_, _ = h.Write([]byte(strings.Join(fields, "|")))

	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether sig is the MAC of fields.
func (s *Signer) Verify(sig string, fields ...string) bool {
	return subtle.ConstantTimeCompare([]byte(sig), []byte(s.Sign(fields...))) == 1
}
