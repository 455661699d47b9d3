// Command sweeper runs a single cleanup cycle and exits. Useful where the
// in-process sweeper is disabled in favor of an external scheduler.
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/config"
	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/logging"
	seceventrepo "virtualspace/backend/internal/secevent/repository"
	sessionrepo "virtualspace/backend/internal/session/repository"
	"virtualspace/backend/internal/sweeper"
	tokenrepo "virtualspace/backend/internal/token/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database unavailable", zap.Error(err))
		os.Exit(1)
	}
	defer pool.Close()

	sw := sweeper.New(
		tokenrepo.NewPostgresRepository(pool, nil, log),
		sessionrepo.NewPostgresRepository(pool, nil, log),
		seceventrepo.NewPostgresRepository(pool),
		sweeper.Options{
			Interval:       cfg.SweepIntervalDur(),
			BatchSize:      cfg.SweepBatch,
			TokenGrace:     cfg.TokenGraceDur(),
			SessionGrace:   cfg.TokenGraceDur(),
			IdleCutoff:     cfg.SessionIdleRetentionDur(),
			EventRetention: cfg.EventRetentionDur(),
		}, log)
	sw.Sweep(ctx)
}
