package secevent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"virtualspace/backend/internal/secevent/domain"
	"virtualspace/backend/internal/secevent/repository"
)

const (
	maxDetailKeys     = 16
	maxDetailValueLen = 256
)

// severityFor fixes the severity for each event type. Callers cannot raise or
// lower it; classification lives in exactly one place.
var severityFor = map[domain.EventType]domain.Severity{
	domain.TypeLoginSuccess:        domain.SeverityLow,
	domain.TypeRegistration:        domain.SeverityLow,
	domain.TypeTokenRefresh:        domain.SeverityLow,
	domain.TypeLogout:              domain.SeverityLow,
	domain.TypeSessionTerminated:   domain.SeverityLow,
	domain.TypeLogoutAll:           domain.SeverityMedium,
	domain.TypeFailedLogin:         domain.SeverityMedium,
	domain.TypeSessionEvicted:      domain.SeverityMedium,
	domain.TypeFingerprintMismatch: domain.SeverityMedium,
	domain.TypeInvalidRefreshToken: domain.SeverityHigh,
	domain.TypeReplayDetected:      domain.SeverityCritical,
}

// Entry is what callers hand to the logger; severity is derived from Type.
type Entry struct {
	UserID            *int64
	SessionID         string
	Type              domain.EventType
	IPAddress         string
	DeviceFingerprint string
	UserAgent         string
	Success           bool
	Detail            map[string]string
}

// Logger persists security events. Recording is best effort for low severity
// and insistent for medium and above: those are retried once and, if storage
// still refuses, written to the application log so the trace is never lost.
type Logger struct {
	repo repository.Repository
	log  *zap.Logger
	nowF func() time.Time
}

// Repo exposes the underlying store for read paths such as the security summary.
func (l *Logger) Repo() repository.Repository { return l.repo }

func NewLogger(repo repository.Repository, log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{repo: repo, log: log, nowF: time.Now}
}

// Record classifies and persists the entry. It never returns an error; a
// security event must not fail the operation that produced it.
func (l *Logger) Record(ctx context.Context, e Entry) {
	sev, ok := severityFor[e.Type]
	if !ok {
		sev = domain.SeverityMedium
	}
	ev := &domain.Event{
		ID:                uuid.NewString(),
		UserID:            e.UserID,
		SessionID:         e.SessionID,
		Type:              e.Type,
		Severity:          sev,
		IPAddress:         e.IPAddress,
		DeviceFingerprint: e.DeviceFingerprint,
		UserAgent:         e.UserAgent,
		Success:           e.Success,
		Detail:            boundDetail(e.Detail),
		CreatedAt:         l.nowF().UTC(),
	}

	err := l.repo.Insert(ctx, ev)
	if err != nil && sev.AtLeast(domain.SeverityMedium) {
		err = l.repo.Insert(ctx, ev)
	}
	if err == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event_type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("session_id", ev.SessionID),
		zap.String("ip_address", ev.IPAddress),
		zap.Error(err),
	}
	if ev.UserID != nil {
		fields = append(fields, zap.Int64("user_id", *ev.UserID))
	}
	if sev.AtLeast(domain.SeverityMedium) {
		l.log.Error("security event not persisted", fields...)
	} else {
		l.log.Debug("security event dropped", fields...)
	}
}

// boundDetail caps the free-form detail so one event cannot bloat a row.
func boundDetail(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if len(out) >= maxDetailKeys {
			break
		}
		if len(v) > maxDetailValueLen {
			v = v[:maxDetailValueLen]
		}
		out[k] = v
	}
	return out
}
