package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of a token. Stores key records by this
// value so the raw token never becomes a map or Redis key.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Redact shortens a token for logs.
func Redact(token string) string {
	if len(token) <= 8 {
		return "..."
	}
	return token[:8] + "..."
}
