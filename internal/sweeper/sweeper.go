// Package sweeper runs the periodic cleanup pass over tokens, sessions, and
// security events.
package sweeper

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/metrics"
)

// TokenStore is the token-side surface the sweeper needs.
type TokenStore interface {
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error)
}

// SessionStore is the session-side surface the sweeper needs.
type SessionStore interface {
	RevokeInactive(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int64, error)
}

// EventStore prunes aged security events.
type EventStore interface {
	PurgeOlder(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Options tunes one sweep cycle.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	TokenGrace     time.Duration
	SessionGrace   time.Duration
	IdleCutoff     time.Duration
	EventRetention time.Duration
}

// Sweeper deletes expired token records past their grace window, revokes and
// later deletes dead sessions, and prunes old security events. One cycle at a
// time; a slow cycle causes the next tick to be skipped rather than stacked.
type Sweeper struct {
	tokens   TokenStore
	sessions SessionStore
	events   EventStore
	opts     Options
	log      *zap.Logger
	nowF     func() time.Time
	running  atomic.Bool
}

func New(tokens TokenStore, sessions SessionStore, events EventStore, opts Options, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Sweeper{tokens: tokens, sessions: sessions, events: events,
		opts: opts, log: log, nowF: time.Now}
}

// Run sweeps on the configured interval until ctx is canceled. The first
// sweep happens immediately.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup cycle. Returns immediately if a cycle is already in
// flight. Each store is swept independently; one failing store does not stop
// the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("sweep already in flight, skipping")
		return
	}
	defer s.running.Store(false)

	now := s.nowF().UTC()
	start := time.Now()

	tokens := s.drain(ctx, "tokens", func(ctx context.Context) (int64, error) {
		return s.tokens.PurgeExpired(ctx, now, s.opts.TokenGrace, s.opts.BatchSize)
	})
	idle := s.drain(ctx, "idle_sessions", func(ctx context.Context) (int64, error) {
		return s.sessions.RevokeInactive(ctx, now.Add(-s.opts.IdleCutoff), s.opts.BatchSize)
	})
	sessions := s.drain(ctx, "sessions", func(ctx context.Context) (int64, error) {
		return s.sessions.PurgeExpired(ctx, now, s.opts.SessionGrace, s.opts.BatchSize)
	})
	events := s.drain(ctx, "events", func(ctx context.Context) (int64, error) {
		return s.events.PurgeOlder(ctx, now.Add(-s.opts.EventRetention), s.opts.BatchSize)
	})

	if tokens+idle+sessions+events > 0 {
		s.log.Info("sweep complete",
			zap.Int64("tokens_purged", tokens),
			zap.Int64("sessions_revoked_idle", idle),
			zap.Int64("sessions_purged", sessions),
			zap.Int64("events_purged", events),
			zap.Duration("took", time.Since(start)))
	}
}

// drain calls fn until it affects fewer rows than the batch size, so a large
// backlog clears within one cycle while each statement stays small.
func (s *Sweeper) drain(ctx context.Context, entity string, fn func(context.Context) (int64, error)) int64 {
	var total int64
	for {
		if ctx.Err() != nil {
			return total
		}
		n, err := fn(ctx)
		if err != nil {
			s.log.Warn("sweep pass failed", zap.String("entity", entity), zap.Error(err))
			return total
		}
		total += n
		metrics.SweeperDeletions.WithLabelValues(entity).Add(float64(n))
		if n < int64(s.opts.BatchSize) {
			return total
		}
	}
}
