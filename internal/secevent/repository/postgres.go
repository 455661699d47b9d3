package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/secevent/domain"
)

// PostgresRepository stores security events in Postgres with the detail map
// as jsonb.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Insert(ctx context.Context, ev *domain.Event) error {
	var detail []byte
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return db.WrapErr("seceventRepo.Insert", err)
		}
		detail = b
	}
	var sessionID *string
	if ev.SessionID != "" {
		sessionID = &ev.SessionID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO security_events (id, user_id, session_id, event_type, severity,
		   ip_address, device_fingerprint, user_agent, success, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.UserID, sessionID, ev.Type, ev.Severity,
		ev.IPAddress, ev.DeviceFingerprint, ev.UserAgent, ev.Success, detail, ev.CreatedAt)
	if err != nil {
		return db.WrapErr("seceventRepo.Insert", err)
	}
	return nil
}

func (r *PostgresRepository) ListRecent(ctx context.Context, userID int64, since time.Time, limit int) ([]*domain.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, session_id, event_type, severity, ip_address,
		   device_fingerprint, user_agent, success, detail, created_at
		 FROM security_events
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, db.WrapErr("seceventRepo.ListRecent", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev := &domain.Event{}
		var sessionID *string
		var detail []byte
		err := rows.Scan(&ev.ID, &ev.UserID, &sessionID, &ev.Type, &ev.Severity,
			&ev.IPAddress, &ev.DeviceFingerprint, &ev.UserAgent, &ev.Success, &detail, &ev.CreatedAt)
		if err != nil {
			return nil, db.WrapErr("seceventRepo.ListRecent", err)
		}
		if sessionID != nil {
			ev.SessionID = *sessionID
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, db.WrapErr("seceventRepo.ListRecent", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, db.WrapErr("seceventRepo.ListRecent", err)
	}
	return events, nil
}

func (r *PostgresRepository) PurgeOlder(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM security_events WHERE ctid IN (
		   SELECT ctid FROM security_events WHERE created_at < $1 LIMIT $2
		 )`, cutoff, limit)
	if err != nil {
		return 0, db.WrapErr("seceventRepo.PurgeOlder", err)
	}
	return tag.RowsAffected(), nil
}
