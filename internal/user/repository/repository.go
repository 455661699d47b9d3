package repository

import (
	"context"
	"errors"
	"time"

	"virtualspace/backend/internal/user/domain"
)

// ErrDuplicate reports a unique-constraint hit on email or username. Create
// returns it when a concurrent registration wins the race past the
// service-level existence checks.
var ErrDuplicate = errors.New("email or username already taken")

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	// RecordLoginSuccess stamps last_login_at/last_login_ip and resets the failed-attempt counter.
	RecordLoginSuccess(ctx context.Context, id int64, at time.Time, ip string) error
	// RecordLoginFailure increments the failed-attempt counter.
	RecordLoginFailure(ctx context.Context, id int64) error
}
