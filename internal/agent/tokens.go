// ABOUTME: Opaque bearer-token issuance and digest comparison for machines
// ABOUTME: Tokens are random secrets, stored as SHA-256 digests, compared not decoded

package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// NewToken generates a fresh machine bearer token. The raw value is shown to
// the operator once at issuance; only its digest is persisted.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 digest stored for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares a presented token against a stored digest in constant
// time. Callers reveal nothing about which part mismatched.
func VerifyToken(token, storedDigest string) bool {
	presented := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedDigest)) == 1
}
