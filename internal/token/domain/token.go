package domain

import "time"

// Kind distinguishes access from refresh token records.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Record is one issued token. Refresh records carry the SHA-256 hash of the
// token secret; the raw secret is never stored. A record is mutated only to
// set RevokedAt, and deleted by the sweeper after expiry plus a grace window.
type Record struct {
	JTI       string
	FamilyID  string
	UserID    int64
	Kind      Kind
	TokenHash string // refresh tokens only
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time // nil when not revoked
}

// Revoked reports whether the record has been revoked.
func (r *Record) Revoked() bool { return r.RevokedAt != nil }

// Expired reports whether the record's expiry has passed at now.
func (r *Record) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }
