// Package ids provides the identifier and hashing helpers used throughout
// the control plane: UUID generation/validation (grounded on
// pkg/blackboard's isValidUUID in the teacher repo) and deterministic
// SHA-256 hashing for idempotency keys, part checksums, and request
// fingerprints.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh random UUID in canonical string form.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a syntactically valid UUID.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Require returns an error unless s is a valid UUID, naming field in the message.
func Require(field, s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid %s: not a valid UUID", field)
	}
	return nil
}

// HashHex returns the lowercase hex-encoded SHA-256 digest of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString is a convenience wrapper around HashHex for string inputs.
func HashString(s string) string {
	return HashHex([]byte(s))
}

// Checksum computes the deterministic checksum of a part payload, used to
// satisfy the "deterministic checksum over payload" requirement of §3. The
// checksum is over the raw bytes as submitted — callers are responsible for
// canonicalising JSON upstream if byte-stability across re-marshalling
// matters to their handler.
func Checksum(payload []byte) string {
	return HashHex(payload)
}

// Fingerprint computes the deterministic request fingerprint described in
// §4.9: SHA-256 over a fixed-order concatenation of the salient request
// attributes, each length-prefixed to avoid ambiguous concatenation
// (e.g. agentID="ab"+ip="c" colliding with agentID="a"+ip="bc").
func Fingerprint(agentID, ip, userAgent, acceptLanguage string) string {
	var b strings.Builder
	for _, part := range []string{agentID, ip, userAgent, acceptLanguage} {
		fmt.Fprintf(&b, "%d:%s|", len(part), part)
	}
	return HashString(b.String())
}

// ScopedKeyHash computes the hash half of an idempotency key's (scope,
// keyHash) unique pair: SHA-256 over the caller-supplied key string. The
// scope (operation tag + optional target id) is stored and compared
// separately — see internal/idempotency.
func ScopedKeyHash(key string) string {
	return HashString(key)
}

// SortedJoin deterministically joins a set of strings for use as hash input
// when order is not already meaningful (e.g. a set of required part keys).
func SortedJoin(ss []string) string {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return strings.Join(cp, "\x1f")
}
