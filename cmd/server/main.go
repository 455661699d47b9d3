// Command server runs the authentication API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	authhandler "virtualspace/backend/internal/auth/handler"
	authservice "virtualspace/backend/internal/auth/service"
	"virtualspace/backend/internal/config"
	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/logging"
	"virtualspace/backend/internal/secevent"
	seceventrepo "virtualspace/backend/internal/secevent/repository"
	"virtualspace/backend/internal/security"
	"virtualspace/backend/internal/server"
	sessionrepo "virtualspace/backend/internal/session/repository"
	"virtualspace/backend/internal/sweeper"
	tokencache "virtualspace/backend/internal/token/cache"
	tokenrepo "virtualspace/backend/internal/token/repository"
	userrepo "virtualspace/backend/internal/user/repository"
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

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	privateKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return err
	}
	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	provider := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())

	var revCache tokencache.RevocationCache
	if cfg.RedisURL != "" {
		rc, err := tokencache.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			// The cache is an accelerator; Postgres stays authoritative.
			log.Warn("revocation cache disabled", zap.Error(err))
		} else {
			defer func() { _ = rc.Close() }()
			revCache = rc
			log.Info("revocation cache enabled")
		}
	}

	users := userrepo.NewPostgresRepository(pool)
	tokens := tokenrepo.NewPostgresRepository(pool, revCache, log)
	sessions := sessionrepo.NewPostgresRepository(pool, revCache, log)
	events := secevent.NewLogger(seceventrepo.NewPostgresRepository(pool), log)

	svc := authservice.New(users, tokens, sessions, events, provider,
		security.NewHasher(cfg.BcryptCost),
		authservice.Options{
			RefreshTTL:         cfg.RefreshTTL(),
			RefreshTTLRemember: cfg.RefreshTTLRemember(),
			SessionLimit:       cfg.SessionLimit,
			FingerprintStrict:  cfg.FingerprintStrict,
			StorageTimeout:     cfg.StorageTimeoutDur(),
			EventWindow:        7 * 24 * time.Hour,
		}, log)

	signer := security.NewCookieSigner([]byte(cfg.SessionCookieSecret), 24*time.Hour)
	cookies := authhandler.NewCookieManager(cfg.CookieSecure, cfg.SameSite(), cfg.CookieDomain, signer, log)
	h := authhandler.New(svc, cookies, log)
	authn := authhandler.NewAuthenticator(provider, tokens, sessions, cfg.StorageTimeoutDur(), log)

	sw := sweeper.New(tokens, sessions, events.Repo(), sweeper.Options{
		Interval:       cfg.SweepIntervalDur(),
		BatchSize:      cfg.SweepBatch,
		TokenGrace:     cfg.TokenGraceDur(),
		SessionGrace:   cfg.TokenGraceDur(),
		IdleCutoff:     cfg.SessionIdleRetentionDur(),
		EventRetention: cfg.EventRetentionDur(),
	}, log)
	go sw.Run(ctx)

	srv := server.NewHTTPServer(cfg.HTTPAddr, server.NewRouter(cfg, h, authn, log))

	errc := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	return server.Shutdown(srv, 15*time.Second)
}
