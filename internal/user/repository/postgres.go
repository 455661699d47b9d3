package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"virtualspace/backend/internal/user/domain"
)

const userColumns = `id, email, username, password_hash, is_active, is_admin, credits,
	failed_login_attempts, last_login_at, last_login_ip, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a user repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	u := &domain.User{}
	var lastIP *string
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.IsActive, &u.IsAdmin,
		&u.Credits, &u.FailedLoginAttempts, &u.LastLoginAt, &lastIP, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastIP != nil {
		u.LastLoginIP = *lastIP
	}
	return u, nil
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user for email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByEmail: %w", err)
	}
	return u, nil
}

// GetByUsername returns the user for username, or nil if not found.
func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetByUsername: %w", err)
	}
	return u, nil
}

// Create persists the user and fills in the generated id. A unique-constraint
// violation maps to ErrDuplicate.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash, is_active, is_admin, credits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 RETURNING id`,
		u.Email, u.Username, u.PasswordHash, u.IsActive, u.IsAdmin, u.Credits, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrUniqueViolation {
			return fmt.Errorf("userRepo.Create: %w", ErrDuplicate)
		}
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

// SQLSTATE 23505.
const pgerrUniqueViolation = "23505"

// RecordLoginSuccess stamps the login bookkeeping fields and resets failed_login_attempts.
func (r *PostgresRepository) RecordLoginSuccess(ctx context.Context, id int64, at time.Time, ip string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET last_login_at = $2, last_login_ip = $3, failed_login_attempts = 0, updated_at = $2
		 WHERE id = $1`, id, at, ip)
	if err != nil {
		return fmt.Errorf("userRepo.RecordLoginSuccess: %w", err)
	}
	return nil
}

// RecordLoginFailure increments failed_login_attempts.
func (r *PostgresRepository) RecordLoginFailure(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("userRepo.RecordLoginFailure: %w", err)
	}
	return nil
}
