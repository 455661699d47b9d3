package repository

import (
	"context"
	"time"

	"virtualspace/backend/internal/secevent/domain"
)

// Repository is the durable security event store.
type Repository interface {
	// Insert persists the event.
	Insert(ctx context.Context, ev *domain.Event) error

	// ListRecent returns the user's events newer than since, newest first,
	// up to limit.
	ListRecent(ctx context.Context, userID int64, since time.Time, limit int) ([]*domain.Event, error)

	// PurgeOlder deletes events created before cutoff, up to limit rows.
	PurgeOlder(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
