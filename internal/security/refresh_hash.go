package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken hex-encodes the SHA-256 of a token string. The token store keeps
// only this hash; a database leak exposes no usable refresh secrets.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenHashEqual compares a presented token against a stored hash in constant
// time.
func TokenHashEqual(providedToken, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(providedToken)), []byte(storedHash)) == 1
}
