// Package meshid validates and mints the opaque identifiers used across
// the mesh: PeerId (server-assigned or user-chosen) and ConnectionId
// (locally generated per data channel).
package meshid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

// peerIDPattern matches §3's "alphanumeric with dashes/underscores" rule.
var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidatePeerID reports whether id is a syntactically valid PeerId.
func ValidatePeerID(id string) bool {
	return id != "" && peerIDPattern.MatchString(id)
}

// NewConnectionID mints a fresh, globally-unique ConnectionId. Connection
// ids need only be unique within the lifetime of the process — a UUID is
// overkill on uniqueness but gives us the lexicographic-ordering behavior
// the dedup algorithm (§4.2) sorts on, for free.
func NewConnectionID(label string) string {
	return fmt.Sprintf("mc_%s_%s", label, uuid.NewString())
}

// Token returns a random opaque string suitable for the signaling socket's
// `token` query parameter (§4.6) — proves continuity of a session across a
// reconnect without being a PeerId itself.
func Token() string {
	return uuid.NewString()
}

// RandomPIN returns a random numeric string of the given length, grounded
// on the teacher's generatePIN helper (internal/signaling/ws.go) and reused
// here for the numeric suffix of the example signaling server's assigned
// PeerIds.
func RandomPIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
