package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// TokenBytes is the entropy of minted bearer and confirmation tokens.
const TokenBytes = 32

// RandomToken returns 32 random bytes, base64url-encoded without padding.
func RandomToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of s. Bearer tokens
// and deletion tokens are stored only in this form.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without short-circuiting on a
// prefix mismatch. Unequal lengths return false immediately; equal-length
// inputs are compared branchlessly.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// KeyIDFromSPKI derives the sealed-input key id from a base64url-encoded
// SPKI public key: base64url(SHA-256(DER)) without padding.
func KeyIDFromSPKI(spkiB64 string) (string, error) {
	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(spkiB64, "="))
	if err != nil {
		return "", fmt.Errorf("failed to decode SPKI: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// ParseBearer extracts the opaque token from an Authorization header value.
func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
