// Package idgen generates identifiers for persisted entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string. Used for rows that are never shown
// to users, such as ledger entries.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 24 hex chars (12 random bytes), e.g. "ofr_3fa9...".
// Conversation IDs use this so they are opaque and never sequential.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
