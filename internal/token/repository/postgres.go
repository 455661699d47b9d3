package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/token/cache"
	"virtualspace/backend/internal/token/domain"
)

const recordColumns = `jti, family_id, user_id, kind, token_hash, issued_at, expires_at, revoked_at`

// PostgresRepository is the durable token store. When a revocation cache is
// attached, every revocation also feeds the cache so the read path can answer
// without touching Postgres; cache failures are logged and ignored.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	cache cache.RevocationCache // may be nil
	log   *zap.Logger
}

// NewPostgresRepository returns a token repository backed by the given pool.
// revCache may be nil to disable the revocation cache.
func NewPostgresRepository(pool *pgxpool.Pool, revCache cache.RevocationCache, log *zap.Logger) *PostgresRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresRepository{pool: pool, cache: revCache, log: log}
}

func scanRecord(row pgx.Row) (*domain.Record, error) {
	rec := &domain.Record{}
	var hash *string
	err := row.Scan(&rec.JTI, &rec.FamilyID, &rec.UserID, &rec.Kind, &hash,
		&rec.IssuedAt, &rec.ExpiresAt, &rec.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if hash != nil {
		rec.TokenHash = *hash
	}
	return rec, nil
}

// Record inserts the token record; re-inserting an existing jti is a no-op.
func (r *PostgresRepository) Record(ctx context.Context, rec *domain.Record) error {
	var hash *string
	if rec.TokenHash != "" {
		hash = &rec.TokenHash
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO token_records (jti, family_id, user_id, kind, token_hash, issued_at, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		 ON CONFLICT (jti) DO NOTHING`,
		rec.JTI, rec.FamilyID, rec.UserID, rec.Kind, hash, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return db.WrapErr("tokenRepo.Record", err)
	}
	return nil
}

// Lookup returns the record for jti, or nil if not found.
func (r *PostgresRepository) Lookup(ctx context.Context, jti string) (*domain.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM token_records WHERE jti = $1`, jti)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, db.WrapErr("tokenRepo.Lookup", err)
	}
	return rec, nil
}

// IsBlacklisted reports whether jti must be rejected. The revocation cache is
// consulted first; a cache outage degrades to the database check.
func (r *PostgresRepository) IsBlacklisted(ctx context.Context, jti string, now time.Time) (bool, error) {
	if r.cache != nil {
		revoked, err := r.cache.IsRevoked(ctx, jti)
		if err != nil {
			r.log.Warn("revocation cache read failed", zap.Error(err))
		} else if revoked {
			return true, nil
		}
	}
	rec, err := r.Lookup(ctx, jti)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Revoked() || rec.Expired(now) {
		return true, nil
	}
	return false, nil
}

func (r *PostgresRepository) cacheRevoked(ctx context.Context, jtis map[string]time.Time) {
	if r.cache == nil || len(jtis) == 0 {
		return
	}
	if err := r.cache.MarkRevoked(ctx, jtis); err != nil {
		r.log.Warn("revocation cache write failed", zap.Error(err))
	}
}

// Revoke marks a single record revoked. Idempotent.
func (r *PostgresRepository) Revoke(ctx context.Context, jti string) error {
	var expiresAt time.Time
	err := r.pool.QueryRow(ctx,
		`UPDATE token_records SET revoked_at = NOW() WHERE jti = $1 AND revoked_at IS NULL
		 RETURNING expires_at`, jti).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return db.WrapErr("tokenRepo.Revoke", err)
	}
	r.cacheRevoked(ctx, map[string]time.Time{jti: expiresAt})
	return nil
}

// RevokeFamily revokes every live record in the family and marks the linked
// session revoked in the same transaction. Terminating a session and revoking
// its family always travel together; this is one direction of that link.
func (r *PostgresRepository) RevokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, db.WrapErr("tokenRepo.RevokeFamily", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	revoked, err := revokeFamilyTx(ctx, tx, familyID, reason)
	if err != nil {
		return 0, db.WrapErr("tokenRepo.RevokeFamily", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, db.WrapErr("tokenRepo.RevokeFamily", err)
	}
	r.cacheRevoked(ctx, revoked)
	return len(revoked), nil
}

// revokeFamilyTx revokes a family's token records and its session inside tx.
// Returns the newly revoked jtis with their expiries for cache population.
func revokeFamilyTx(ctx context.Context, tx pgx.Tx, familyID, reason string) (map[string]time.Time, error) {
	rows, err := tx.Query(ctx,
		`UPDATE token_records SET revoked_at = NOW() WHERE family_id = $1 AND revoked_at IS NULL
		 RETURNING jti, expires_at`, familyID)
	if err != nil {
		return nil, err
	}
	revoked := map[string]time.Time{}
	for rows.Next() {
		var jti string
		var exp time.Time
		if err := rows.Scan(&jti, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		revoked[jti] = exp
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE sessions SET revoked_at = NOW(), termination_reason = $2
		 WHERE family_id = $1 AND revoked_at IS NULL`, familyID, reason)
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// Rotate locks the old refresh record, re-checks its state, persists the new
// records, and only then revokes the old one, all in one transaction. An
// interrupted rotation therefore never leaves the old token revoked without
// the new pair durably stored.
func (r *PostgresRepository) Rotate(ctx context.Context, oldJTI string, now time.Time, newRecs ...*domain.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return db.WrapErr("tokenRepo.Rotate", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM token_records WHERE jti = $1 FOR UPDATE`, oldJTI)
	old, err := scanRecord(row)
	if err != nil {
		return db.WrapErr("tokenRepo.Rotate", err)
	}
	if old == nil {
		return ErrNotFound
	}
	if old.Revoked() {
		return ErrRevoked
	}
	if old.Expired(now) {
		return ErrExpired
	}

	for _, rec := range newRecs {
		var hash *string
		if rec.TokenHash != "" {
			hash = &rec.TokenHash
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO token_records (jti, family_id, user_id, kind, token_hash, issued_at, expires_at, revoked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
			rec.JTI, rec.FamilyID, rec.UserID, rec.Kind, hash, rec.IssuedAt, rec.ExpiresAt)
		if err != nil {
			return db.WrapErr("tokenRepo.Rotate", err)
		}
	}

	_, err = tx.Exec(ctx, `UPDATE token_records SET revoked_at = NOW() WHERE jti = $1`, oldJTI)
	if err != nil {
		return db.WrapErr("tokenRepo.Rotate", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return db.WrapErr("tokenRepo.Rotate", err)
	}
	r.cacheRevoked(ctx, map[string]time.Time{oldJTI: old.ExpiresAt})
	return nil
}

// PurgeExpired deletes up to limit records past expiry plus grace. Batched by
// ctid so the sweeper never takes long-lived locks against request traffic.
func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM token_records WHERE ctid IN (
		   SELECT ctid FROM token_records WHERE expires_at + $2 < $1 LIMIT $3
		 )`, now, grace, limit)
	if err != nil {
		return 0, db.WrapErr("tokenRepo.PurgeExpired", err)
	}
	return tag.RowsAffected(), nil
}
