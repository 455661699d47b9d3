package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/session/domain"
	"virtualspace/backend/internal/token/cache"
)

const sessionColumns = `id, user_id, family_id, device_fingerprint, ip_address, user_agent,
	location, is_remember_me, created_at, last_activity_at, expires_at, revoked_at, termination_reason`

// PostgresRepository is the durable session registry. Terminating a session
// revokes its token family in the same transaction; with a revocation cache
// attached those jtis also land in the cache so the access-token read path
// sees the revocation without a Postgres round trip.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	cache cache.RevocationCache // may be nil
	log   *zap.Logger
}

// NewPostgresRepository returns a session repository backed by the given pool.
// revCache may be nil to disable revocation-cache feeding.
func NewPostgresRepository(pool *pgxpool.Pool, revCache cache.RevocationCache, log *zap.Logger) *PostgresRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresRepository{pool: pool, cache: revCache, log: log}
}

func (r *PostgresRepository) cacheRevoked(ctx context.Context, jtis map[string]time.Time) {
	if r.cache == nil || len(jtis) == 0 {
		return
	}
	if err := r.cache.MarkRevoked(ctx, jtis); err != nil {
		r.log.Warn("revocation cache write failed", zap.Error(err))
	}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	s := &domain.Session{}
	var location, reason *string
	err := row.Scan(&s.ID, &s.UserID, &s.FamilyID, &s.DeviceFingerprint, &s.IPAddress,
		&s.UserAgent, &location, &s.IsRememberMe, &s.CreatedAt, &s.LastActivityAt,
		&s.ExpiresAt, &s.RevokedAt, &reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if location != nil {
		s.Location = *location
	}
	if reason != nil {
		s.TerminationReason = *reason
	}
	return s, nil
}

// collectRevoked drains rows of (jti, expires_at) pairs from a revoking
// UPDATE ... RETURNING.
func collectRevoked(rows pgx.Rows, err error) (map[string]time.Time, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	revoked := map[string]time.Time{}
	for rows.Next() {
		var jti string
		var exp time.Time
		if err := rows.Scan(&jti, &exp); err != nil {
			return nil, err
		}
		revoked[jti] = exp
	}
	return revoked, rows.Err()
}

// CreateEnforcingLimit inserts the session and evicts the least recently
// active sessions above the ceiling. A per-user advisory lock serializes
// concurrent logins so two racing inserts cannot both slip under the limit.
func (r *PostgresRepository) CreateEnforcingLimit(ctx context.Context, s *domain.Session, limit int) ([]domain.Evicted, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.UserID); err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}

	var location *string
	if s.Location != "" {
		location = &s.Location
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, user_id, family_id, device_fingerprint, ip_address, user_agent,
		   location, is_remember_me, created_at, last_activity_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.UserID, s.FamilyID, s.DeviceFingerprint, s.IPAddress, s.UserAgent,
		location, s.IsRememberMe, s.CreatedAt, s.LastActivityAt, s.ExpiresAt)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}

	// Oldest-activity sessions beyond the ceiling lose their seat. The fresh
	// insert carries the newest last_activity_at, so it is never a candidate.
	rows, err := tx.Query(ctx,
		`SELECT id, family_id, device_fingerprint, ip_address FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		 ORDER BY last_activity_at DESC, created_at DESC
		 OFFSET $2`, s.UserID, limit)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}
	var evicted []domain.Evicted
	for rows.Next() {
		var e domain.Evicted
		if err := rows.Scan(&e.SessionID, &e.FamilyID, &e.DeviceFingerprint, &e.IPAddress); err != nil {
			rows.Close()
			return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
		}
		evicted = append(evicted, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}

	revoked := map[string]time.Time{}
	for _, e := range evicted {
		rv, err := terminateTx(ctx, tx, e.SessionID, "session_limit")
		if err != nil {
			return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
		}
		for jti, exp := range rv {
			revoked[jti] = exp
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, db.WrapErr("sessionRepo.CreateEnforcingLimit", err)
	}
	r.cacheRevoked(ctx, revoked)
	// Oldest first for event ordering.
	for i, j := 0, len(evicted)-1; i < j; i, j = i+1, j-1 {
		evicted[i], evicted[j] = evicted[j], evicted[i]
	}
	return evicted, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.GetByID", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetByFamily(ctx context.Context, familyID string) (*domain.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE family_id = $1`, familyID)
	s, err := scanSession(row)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.GetByFamily", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, userID int64, now time.Time) ([]*domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
		 ORDER BY last_activity_at DESC`, userID, now)
	if err != nil {
		return nil, db.WrapErr("sessionRepo.ListActive", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, db.WrapErr("sessionRepo.ListActive", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapErr("sessionRepo.ListActive", err)
	}
	return sessions, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET last_activity_at = $2
		 WHERE id = $1 AND revoked_at IS NULL AND last_activity_at < $2`, id, at)
	if err != nil {
		return db.WrapErr("sessionRepo.Touch", err)
	}
	return nil
}

// terminateTx revokes one session and its token family inside tx, returning
// the newly revoked jtis with their expiries for cache population. The
// session's first termination reason wins.
func terminateTx(ctx context.Context, tx pgx.Tx, id, reason string) (map[string]time.Time, error) {
	var familyID string
	err := tx.QueryRow(ctx,
		`UPDATE sessions SET revoked_at = NOW(), termination_reason = $2
		 WHERE id = $1 AND revoked_at IS NULL
		 RETURNING family_id`, id, reason).Scan(&familyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return collectRevoked(tx.Query(ctx,
		`UPDATE token_records SET revoked_at = NOW() WHERE family_id = $1 AND revoked_at IS NULL
		 RETURNING jti, expires_at`, familyID))
}

func (r *PostgresRepository) Terminate(ctx context.Context, id, reason string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return db.WrapErr("sessionRepo.Terminate", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	revoked, err := terminateTx(ctx, tx, id, reason)
	if err != nil {
		return db.WrapErr("sessionRepo.Terminate", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return db.WrapErr("sessionRepo.Terminate", err)
	}
	r.cacheRevoked(ctx, revoked)
	return nil
}

func (r *PostgresRepository) TerminateAll(ctx context.Context, userID int64, reason string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, db.WrapErr("sessionRepo.TerminateAll", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE sessions SET revoked_at = NOW(), termination_reason = $2
		 WHERE user_id = $1 AND revoked_at IS NULL
		 RETURNING family_id`, userID, reason)
	if err != nil {
		return 0, db.WrapErr("sessionRepo.TerminateAll", err)
	}
	var families []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return 0, db.WrapErr("sessionRepo.TerminateAll", err)
		}
		families = append(families, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, db.WrapErr("sessionRepo.TerminateAll", err)
	}

	revoked := map[string]time.Time{}
	if len(families) > 0 {
		revoked, err = collectRevoked(tx.Query(ctx,
			`UPDATE token_records SET revoked_at = NOW() WHERE family_id = ANY($1) AND revoked_at IS NULL
			 RETURNING jti, expires_at`, families))
		if err != nil {
			return 0, db.WrapErr("sessionRepo.TerminateAll", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, db.WrapErr("sessionRepo.TerminateAll", err)
	}
	r.cacheRevoked(ctx, revoked)
	return len(families), nil
}

func (r *PostgresRepository) RevokeInactive(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE sessions SET revoked_at = NOW(), termination_reason = 'inactivity'
		 WHERE id IN (
		   SELECT id FROM sessions
		   WHERE revoked_at IS NULL AND last_activity_at < $1
		   LIMIT $2
		 )
		 RETURNING family_id`, cutoff, limit)
	if err != nil {
		return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
	}
	var families []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			rows.Close()
			return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
		}
		families = append(families, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
	}

	revoked := map[string]time.Time{}
	if len(families) > 0 {
		revoked, err = collectRevoked(tx.Query(ctx,
			`UPDATE token_records SET revoked_at = NOW() WHERE family_id = ANY($1) AND revoked_at IS NULL
			 RETURNING jti, expires_at`, families))
		if err != nil {
			return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, db.WrapErr("sessionRepo.RevokeInactive", err)
	}
	r.cacheRevoked(ctx, revoked)
	return int64(len(families)), nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE ctid IN (
		   SELECT ctid FROM sessions WHERE expires_at + $2 < $1 LIMIT $3
		 )`, now, grace, limit)
	if err != nil {
		return 0, db.WrapErr("sessionRepo.PurgeExpired", err)
	}
	return tag.RowsAffected(), nil
}
