package repository

import (
	"context"
	"errors"
	"time"

	"virtualspace/backend/internal/token/domain"
)

// Sentinel outcomes for rotation; the auth service maps ErrRevoked to replay handling.
var (
	ErrNotFound = errors.New("token not found")
	ErrRevoked  = errors.New("token revoked")
	ErrExpired  = errors.New("token expired")
)

// Repository defines persistence for token records.
type Repository interface {
	// Record inserts the token record. Idempotent: re-inserting an existing jti is a no-op.
	Record(ctx context.Context, rec *domain.Record) error
	// Lookup returns the record for jti, or nil if not found.
	Lookup(ctx context.Context, jti string) (*domain.Record, error)
	// IsBlacklisted reports whether jti must be rejected: record missing, revoked, or expired.
	IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error)
	// Revoke marks a single record revoked. Idempotent.
	Revoke(ctx context.Context, jti string) error
	// RevokeFamily revokes every record in the family and marks the linked
	// session revoked in the same transaction. Returns the number of token
	// records newly revoked. Idempotent.
	RevokeFamily(ctx context.Context, familyID, reason string) (int, error)
	// Rotate atomically persists the new access/refresh records and revokes the
	// old refresh record, in that order, within one transaction. The old record
	// is re-checked under lock: ErrNotFound if missing, ErrRevoked if already
	// rotated (replay), ErrExpired if past expiry.
	Rotate(ctx context.Context, oldJTI string, now time.Time, newRecs ...*domain.Record) error
	// PurgeExpired deletes up to limit records whose expires_at+grace is before now.
	// Returns the count removed.
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error)
}
