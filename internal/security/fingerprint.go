package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeviceFingerprint derives a stable, hashed device identifier from the
// user-agent string and client IP. The raw strings are never stored as the
// identifier; sessions are correlated by the hash alone.
func DeviceFingerprint(userAgent, ipAddress string) string {
	h := sha256.Sum256([]byte(userAgent + ":" + ipAddress))
	return hex.EncodeToString(h[:])
}
