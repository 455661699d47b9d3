package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCookie is returned when a signed cookie fails to decode, carries a
// bad signature, or is older than the allowed age.
var ErrInvalidCookie = errors.New("invalid signed cookie")

// SessionInfo is the non-sensitive session metadata exposed to the client in
// the signed session_info cookie. It carries no token material.
type SessionInfo struct {
	SessionID   string `json:"session_id"`
	Fingerprint string `json:"device_fingerprint"`
	RememberMe  bool   `json:"remember_me"`
}

type signedEnvelope struct {
	Data      SessionInfo `json:"data"`
	Signature string      `json:"signature"`
	Timestamp int64       `json:"timestamp"`
}

// CookieSigner signs and verifies the session_info cookie with HMAC-SHA256.
// The embedded timestamp is validated on every read; signatures older than
// maxAge are rejected even if otherwise valid.
type CookieSigner struct {
	secret []byte
	maxAge time.Duration
	nowF   func() time.Time
}

// NewCookieSigner returns a CookieSigner with the given secret and max cookie age.
// maxAge <= 0 defaults to 24h.
func NewCookieSigner(secret []byte, maxAge time.Duration) *CookieSigner {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &CookieSigner{secret: secret, maxAge: maxAge, nowF: time.Now}
}

func (s *CookieSigner) mac(payload []byte, ts int64) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	m.Write([]byte{'.'})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(ts >> (8 * (7 - i)))
	}
	m.Write(buf[:])
	return hex.EncodeToString(m.Sum(nil))
}

// Sign serializes info, binds it to the current timestamp, and returns the
// base64-encoded signed cookie value.
func (s *CookieSigner) Sign(info SessionInfo) (string, error) {
	payload, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	ts := s.nowF().Unix()
	env := signedEnvelope{Data: info, Signature: s.mac(payload, ts), Timestamp: ts}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify decodes value, checks the HMAC in constant time, and enforces the
// embedded timestamp against the signer's max age.
func (s *CookieSigner) Verify(value string) (*SessionInfo, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrInvalidCookie
	}
	var env signedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidCookie
	}
	payload, err := json.Marshal(env.Data)
	if err != nil {
		return nil, ErrInvalidCookie
	}
	expected := s.mac(payload, env.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return nil, ErrInvalidCookie
	}
	issued := time.Unix(env.Timestamp, 0)
	now := s.nowF()
	if issued.After(now.Add(time.Minute)) || now.Sub(issued) > s.maxAge {
		return nil, ErrInvalidCookie
	}
	return &env.Data, nil
}
