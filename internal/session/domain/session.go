package domain

import "time"

// Session is one device's authenticated presence for a user. Each session is
// bound to exactly one token family; terminating the session revokes the
// family and vice versa.
type Session struct {
	ID                string
	UserID            int64
	FamilyID          string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	Location          string
	IsRememberMe      bool
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	TerminationReason string
}

// Active reports whether the session is neither revoked nor past expiry.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Evicted describes a session terminated to make room under the per-user
// session ceiling.
type Evicted struct {
	SessionID         string
	FamilyID          string
	DeviceFingerprint string
	IPAddress         string
}
