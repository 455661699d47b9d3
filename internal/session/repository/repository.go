package repository

import (
	"context"
	"errors"
	"time"

	"virtualspace/backend/internal/session/domain"
)

// ErrNotFound is returned when a session lookup by ID matches nothing.
var ErrNotFound = errors.New("session not found")

// Repository is the multi-device session registry.
type Repository interface {
	// CreateEnforcingLimit inserts the session and, if the user's active
	// session count would exceed limit, terminates the least recently active
	// sessions (and revokes their token families) in the same transaction.
	// Returns the evicted sessions, oldest first.
	CreateEnforcingLimit(ctx context.Context, s *domain.Session, limit int) ([]domain.Evicted, error)

	// GetByID returns the session, or nil when absent.
	GetByID(ctx context.Context, id string) (*domain.Session, error)

	// GetByFamily returns the session bound to the token family, or nil.
	GetByFamily(ctx context.Context, familyID string) (*domain.Session, error)

	// ListActive returns the user's active sessions, most recently active
	// first.
	ListActive(ctx context.Context, userID int64, now time.Time) ([]*domain.Session, error)

	// Touch advances last_activity_at for an active session.
	Touch(ctx context.Context, id string, at time.Time) error

	// Terminate revokes the session and its token family. Idempotent; a
	// second call with a different reason does not overwrite the first.
	Terminate(ctx context.Context, id, reason string) error

	// TerminateAll revokes every active session of the user, and all their
	// token families, returning how many sessions were revoked.
	TerminateAll(ctx context.Context, userID int64, reason string) (int, error)

	// RevokeInactive revokes sessions whose last activity predates cutoff,
	// up to limit rows. Used by the sweeper.
	RevokeInactive(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// PurgeExpired deletes sessions past expiry plus grace, up to limit rows.
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error)
}
