// Package service implements the authentication engine: credential checks,
// dual-token issuance, refresh rotation with replay detection, and the
// multi-device session registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/metrics"
	"virtualspace/backend/internal/secevent"
	seceventdomain "virtualspace/backend/internal/secevent/domain"
	seceventrepo "virtualspace/backend/internal/secevent/repository"
	"virtualspace/backend/internal/security"
	sessiondomain "virtualspace/backend/internal/session/domain"
	sessionrepo "virtualspace/backend/internal/session/repository"
	tokendomain "virtualspace/backend/internal/token/domain"
	tokenrepo "virtualspace/backend/internal/token/repository"
	userdomain "virtualspace/backend/internal/user/domain"
	userrepo "virtualspace/backend/internal/user/repository"
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// deactivated accounts alike, so responses never reveal which it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRegistrationConflict means the email or username is already taken.
	ErrRegistrationConflict = errors.New("email or username already registered")
	// ErrTokenInvalid means the presented token is malformed, mis-signed, or unknown.
	ErrTokenInvalid = errors.New("refresh token invalid")
	// ErrTokenExpired means the token was once valid but its lifetime has passed.
	ErrTokenExpired = errors.New("refresh token expired")
	// ErrReplayDetected means a revoked refresh token was presented again;
	// its whole family has been revoked in response.
	ErrReplayDetected = errors.New("refresh token replay detected")
	// ErrFingerprintMismatch is returned in strict mode when the caller's
	// device fingerprint differs from the session's.
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")
	// ErrSessionNotFound means the session does not exist or is not the caller's.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageUnavailable means the backing store did not answer in time.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Client carries the request-level identity of the caller.
type Client struct {
	IP        string
	UserAgent string
}

// Fingerprint derives the device fingerprint for this client.
func (c Client) Fingerprint() string {
	return security.DeviceFingerprint(c.UserAgent, c.IP)
}

// TokenPair is what a login or refresh hands back to the transport layer.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Summary is the per-user security overview.
type Summary struct {
	ActiveSessions []*sessiondomain.Session
	RecentEvents   []*seceventdomain.Event
}

// Options tunes the engine. Zero values are not usable; main fills this from
// configuration.
type Options struct {
	RefreshTTL         time.Duration
	RefreshTTLRemember time.Duration
	SessionLimit       int
	FingerprintStrict  bool
	StorageTimeout     time.Duration
	EventWindow        time.Duration
	EventLimit         int
}

// Service wires the repositories, the token provider, and the event logger
// into the authentication operations.
type Service struct {
	users    userrepo.Repository
	tokens   tokenrepo.Repository
	sessions sessionrepo.Repository
	events   *secevent.Logger
	provider *security.TokenProvider
	hasher   *security.Hasher
	opts     Options
	log      *zap.Logger
	nowF     func() time.Time
}

func New(
	users userrepo.Repository,
	tokens tokenrepo.Repository,
	sessions sessionrepo.Repository,
	events *secevent.Logger,
	provider *security.TokenProvider,
	hasher *security.Hasher,
	opts Options,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.EventLimit <= 0 {
		opts.EventLimit = 50
	}
	return &Service{
		users:    users,
		tokens:   tokens,
		sessions: sessions,
		events:   events,
		provider: provider,
		hasher:   hasher,
		opts:     opts,
		log:      log,
		nowF:     time.Now,
	}
}

// Provider exposes the token provider for transport-level concerns such as
// the auth middleware.
func (s *Service) Provider() *security.TokenProvider { return s.provider }

// opCtx bounds a storage-touching operation so a stalled pool surfaces as
// ErrStorageUnavailable instead of hanging the request.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StorageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.StorageTimeout)
}

func storageErr(err error) error {
	if errors.Is(err, db.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return ErrStorageUnavailable
	}
	return err
}

// Register creates a new account. Email and username collisions both report
// ErrRegistrationConflict.
func (s *Service) Register(ctx context.Context, email, username, password string, client Client) (*userdomain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrRegistrationConflict)
	}
	if len(username) < 3 || len(password) < 8 {
		return nil, fmt.Errorf("%w: username or password too short", ErrRegistrationConflict)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if existing, err := s.users.GetByEmail(ctx, email); err != nil {
		return nil, storageErr(err)
	} else if existing != nil {
		return nil, ErrRegistrationConflict
	}
	if existing, err := s.users.GetByUsername(ctx, username); err != nil {
		return nil, storageErr(err)
	} else if existing != nil {
		return nil, ErrRegistrationConflict
	}

	hash, err := s.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := s.nowF().UTC()
	u := &userdomain.User{
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		// The existence checks above race with concurrent registrations; the
		// unique constraint is the authority.
		if errors.Is(err, userrepo.ErrDuplicate) {
			return nil, ErrRegistrationConflict
		}
		return nil, storageErr(err)
	}

	s.events.Record(ctx, secevent.Entry{
		UserID:            &u.ID,
		Type:              seceventdomain.TypeRegistration,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           true,
	})
	return u, nil
}

// Login verifies credentials and, on success, opens a session with a fresh
// token family and issues the access/refresh pair. Sessions beyond the
// per-user ceiling are evicted, oldest activity first.
func (s *Service) Login(ctx context.Context, email, password string, rememberMe bool, client Client) (*TokenPair, *sessiondomain.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	fingerprint := client.Fingerprint()

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	if u == nil || !u.IsActive {
		s.recordFailedLogin(ctx, nil, client, fingerprint, "unknown_or_inactive")
		metrics.Logins.WithLabelValues("failure").Inc()
		return nil, nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(u.PasswordHash, []byte(password)); err != nil {
		if ferr := s.users.RecordLoginFailure(ctx, u.ID); ferr != nil {
			s.log.Warn("failed-attempt counter not updated", zap.Int64("user_id", u.ID), zap.Error(ferr))
		}
		s.recordFailedLogin(ctx, &u.ID, client, fingerprint, "bad_password")
		metrics.Logins.WithLabelValues("failure").Inc()
		return nil, nil, ErrInvalidCredentials
	}

	now := s.nowF().UTC()
	refreshTTL := s.opts.RefreshTTL
	if rememberMe {
		refreshTTL = s.opts.RefreshTTLRemember
	}
	familyID := uuid.NewString()
	sessionID := uuid.NewString()

	accessToken, accessJTI, accessExp, err := s.provider.IssueAccess(u.ID, u.IsAdmin, sessionID, familyID)
	if err != nil {
		return nil, nil, err
	}
	refreshToken, refreshJTI, refreshExp, err := s.provider.IssueRefresh(u.ID, sessionID, familyID, refreshTTL)
	if err != nil {
		return nil, nil, err
	}

	sess := &sessiondomain.Session{
		ID:                sessionID,
		UserID:            u.ID,
		FamilyID:          familyID,
		DeviceFingerprint: fingerprint,
		IPAddress:         client.IP,
		UserAgent:         client.UserAgent,
		IsRememberMe:      rememberMe,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         refreshExp,
	}
	evicted, err := s.sessions.CreateEnforcingLimit(ctx, sess, s.opts.SessionLimit)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	for _, e := range evicted {
		metrics.SessionEvictions.Inc()
		s.events.Record(ctx, secevent.Entry{
			UserID:            &u.ID,
			SessionID:         e.SessionID,
			Type:              seceventdomain.TypeSessionEvicted,
			IPAddress:         e.IPAddress,
			DeviceFingerprint: e.DeviceFingerprint,
			Success:           true,
			Detail:            map[string]string{"reason": "session_limit", "evicted_by": sessionID},
		})
	}

	// Tokens persist after the session so a crash between the two leaves a
	// session without tokens (harmless) rather than tokens without a session.
	recs := []*tokendomain.Record{
		{JTI: refreshJTI, FamilyID: familyID, UserID: u.ID, Kind: tokendomain.KindRefresh,
			TokenHash: security.HashToken(refreshToken), IssuedAt: now, ExpiresAt: refreshExp},
		{JTI: accessJTI, FamilyID: familyID, UserID: u.ID, Kind: tokendomain.KindAccess,
			IssuedAt: now, ExpiresAt: accessExp},
	}
	for _, rec := range recs {
		if err := s.tokens.Record(ctx, rec); err != nil {
			return nil, nil, storageErr(err)
		}
	}

	if err := s.users.RecordLoginSuccess(ctx, u.ID, now, client.IP); err != nil {
		s.log.Warn("last-login bookkeeping failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &u.ID,
		SessionID:         sessionID,
		Type:              seceventdomain.TypeLoginSuccess,
		IPAddress:         client.IP,
		DeviceFingerprint: fingerprint,
		UserAgent:         client.UserAgent,
		Success:           true,
		Detail:            map[string]string{"remember_me": fmt.Sprintf("%t", rememberMe)},
	})
	metrics.Logins.WithLabelValues("success").Inc()

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExp,
	}, sess, nil
}

func (s *Service) recordFailedLogin(ctx context.Context, userID *int64, client Client, fingerprint, reason string) {
	s.events.Record(ctx, secevent.Entry{
		UserID:            userID,
		Type:              seceventdomain.TypeFailedLogin,
		IPAddress:         client.IP,
		DeviceFingerprint: fingerprint,
		UserAgent:         client.UserAgent,
		Success:           false,
		Detail:            map[string]string{"reason": reason},
	})
}

// Refresh rotates the presented refresh token: the old token is consumed and
// a new access/refresh pair is minted on the same family and session. A
// revoked token presented here is treated as replay and burns the family.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (*TokenPair, error) {
	claims, err := s.provider.ValidateRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, security.ErrExpiredToken) {
			metrics.Refreshes.WithLabelValues("expired").Inc()
			return nil, ErrTokenExpired
		}
		s.recordInvalidRefresh(ctx, nil, "", client, "unverifiable")
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrTokenInvalid
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := s.nowF().UTC()

	rec, err := s.tokens.Lookup(ctx, claims.ID)
	if err != nil {
		return nil, storageErr(err)
	}
	switch {
	case rec == nil:
		// Signed by us but never stored. Either storage lost it or the
		// family was purged; reject loudly.
		s.recordInvalidRefresh(ctx, &userID, claims.SessionID, client, "unknown_jti")
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	case rec.Revoked():
		return nil, s.handleReplay(ctx, rec, claims.SessionID, client)
	case rec.Expired(now):
		metrics.Refreshes.WithLabelValues("expired").Inc()
		return nil, ErrTokenExpired
	case !security.TokenHashEqual(refreshToken, rec.TokenHash):
		s.recordInvalidRefresh(ctx, &userID, claims.SessionID, client, "hash_mismatch")
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	sess, err := s.sessions.GetByFamily(ctx, rec.FamilyID)
	if err != nil {
		return nil, storageErr(err)
	}
	if sess == nil || !sess.Active(now) {
		s.recordInvalidRefresh(ctx, &userID, claims.SessionID, client, "session_gone")
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	fingerprint := client.Fingerprint()
	if fingerprint != sess.DeviceFingerprint {
		metrics.FingerprintMismatches.Inc()
		s.events.Record(ctx, secevent.Entry{
			UserID:            &userID,
			SessionID:         sess.ID,
			Type:              seceventdomain.TypeFingerprintMismatch,
			IPAddress:         client.IP,
			DeviceFingerprint: fingerprint,
			UserAgent:         client.UserAgent,
			Success:           !s.opts.FingerprintStrict,
			Detail:            map[string]string{"expected": sess.DeviceFingerprint},
		})
		if s.opts.FingerprintStrict {
			if err := s.sessions.Terminate(ctx, sess.ID, "fingerprint_mismatch"); err != nil {
				s.log.Error("session not terminated after fingerprint mismatch",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			metrics.Refreshes.WithLabelValues("rejected").Inc()
			return nil, ErrFingerprintMismatch
		}
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	if u == nil || !u.IsActive {
		s.recordInvalidRefresh(ctx, &userID, sess.ID, client, "user_inactive")
		metrics.Refreshes.WithLabelValues("invalid").Inc()
		return nil, ErrTokenInvalid
	}

	accessToken, accessJTI, accessExp, err := s.provider.IssueAccess(userID, u.IsAdmin, sess.ID, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	// The new refresh token inherits the remaining session lifetime instead
	// of restarting it; refreshing extends access, not the session itself.
	newRefreshToken, refreshJTI, refreshExp, err := s.provider.IssueRefresh(userID, sess.ID, rec.FamilyID, sess.ExpiresAt.Sub(now))
	if err != nil {
		return nil, err
	}

	err = s.tokens.Rotate(ctx, rec.JTI, now,
		&tokendomain.Record{JTI: refreshJTI, FamilyID: rec.FamilyID, UserID: userID, Kind: tokendomain.KindRefresh,
			TokenHash: security.HashToken(newRefreshToken), IssuedAt: now, ExpiresAt: refreshExp},
		&tokendomain.Record{JTI: accessJTI, FamilyID: rec.FamilyID, UserID: userID, Kind: tokendomain.KindAccess,
			IssuedAt: now, ExpiresAt: accessExp},
	)
	if err != nil {
		// A concurrent rotation won the race; the loser's token is now
		// revoked, which is exactly the replay shape.
		if errors.Is(err, tokenrepo.ErrRevoked) {
			return nil, s.handleReplay(ctx, rec, sess.ID, client)
		}
		if errors.Is(err, tokenrepo.ErrExpired) {
			metrics.Refreshes.WithLabelValues("expired").Inc()
			return nil, ErrTokenExpired
		}
		if errors.Is(err, tokenrepo.ErrNotFound) {
			metrics.Refreshes.WithLabelValues("invalid").Inc()
			return nil, ErrTokenInvalid
		}
		return nil, storageErr(err)
	}

	if err := s.sessions.Touch(ctx, sess.ID, now); err != nil {
		s.log.Warn("session activity not updated", zap.String("session_id", sess.ID), zap.Error(err))
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &userID,
		SessionID:         sess.ID,
		Type:              seceventdomain.TypeTokenRefresh,
		IPAddress:         client.IP,
		DeviceFingerprint: fingerprint,
		UserAgent:         client.UserAgent,
		Success:           true,
	})
	metrics.Refreshes.WithLabelValues("success").Inc()

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     newRefreshToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// handleReplay revokes the whole family of a replayed refresh token. The
// attacker and the legitimate client both lose access; the user must log in
// again.
func (s *Service) handleReplay(ctx context.Context, rec *tokendomain.Record, sessionID string, client Client) error {
	revoked, err := s.tokens.RevokeFamily(ctx, rec.FamilyID, "token_replay")
	if err != nil {
		s.log.Error("family not revoked after replay",
			zap.String("family_id", rec.FamilyID), zap.Error(err))
	}
	metrics.ReplaysDetected.Inc()
	metrics.Refreshes.WithLabelValues("replay").Inc()
	s.events.Record(ctx, secevent.Entry{
		UserID:            &rec.UserID,
		SessionID:         sessionID,
		Type:              seceventdomain.TypeReplayDetected,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           false,
		Detail: map[string]string{
			"family_id":      rec.FamilyID,
			"replayed_jti":   rec.JTI,
			"tokens_revoked": fmt.Sprintf("%d", revoked),
		},
	})
	return ErrReplayDetected
}

func (s *Service) recordInvalidRefresh(ctx context.Context, userID *int64, sessionID string, client Client, reason string) {
	s.events.Record(ctx, secevent.Entry{
		UserID:            userID,
		SessionID:         sessionID,
		Type:              seceventdomain.TypeInvalidRefreshToken,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           false,
		Detail:            map[string]string{"reason": reason},
	})
}

// Logout terminates the session named by the refresh token. It is idempotent
// and deliberately quiet: an invalid or already-revoked token is not an error
// here, the caller's cookies get cleared either way.
func (s *Service) Logout(ctx context.Context, refreshToken string, client Client) error {
	claims, err := s.provider.ValidateRefresh(refreshToken)
	if err != nil {
		return nil
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sess, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		return storageErr(err)
	}
	if sess == nil || sess.UserID != userID {
		return nil
	}
	if err := s.sessions.Terminate(ctx, sess.ID, "logout"); err != nil {
		return storageErr(err)
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &userID,
		SessionID:         sess.ID,
		Type:              seceventdomain.TypeLogout,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           true,
	})
	return nil
}

// LogoutSession terminates the session named by a verified session_info
// cookie. Browser clients whose refresh cookie already expired land here;
// the session id is trusted because the cookie signature checked out. Quiet
// like Logout: a missing or already-revoked session is not an error.
func (s *Service) LogoutSession(ctx context.Context, sessionID string, client Client) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return storageErr(err)
	}
	if sess == nil {
		return nil
	}
	if err := s.sessions.Terminate(ctx, sess.ID, "logout"); err != nil {
		return storageErr(err)
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &sess.UserID,
		SessionID:         sess.ID,
		Type:              seceventdomain.TypeLogout,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           true,
		Detail:            map[string]string{"via": "session_cookie"},
	})
	return nil
}

// LogoutAll terminates every active session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID int64, client Client) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.sessions.TerminateAll(ctx, userID, "logout_all")
	if err != nil {
		return 0, storageErr(err)
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &userID,
		Type:              seceventdomain.TypeLogoutAll,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           true,
		Detail:            map[string]string{"sessions_revoked": fmt.Sprintf("%d", n)},
	})
	return n, nil
}

// TerminateSession revokes one of the caller's own sessions. A session
// belonging to someone else reports ErrSessionNotFound, same as a missing one.
func (s *Service) TerminateSession(ctx context.Context, userID int64, sessionID string, client Client) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return storageErr(err)
	}
	if sess == nil || sess.UserID != userID {
		return ErrSessionNotFound
	}
	if err := s.sessions.Terminate(ctx, sess.ID, "terminated_by_user"); err != nil {
		return storageErr(err)
	}
	s.events.Record(ctx, secevent.Entry{
		UserID:            &userID,
		SessionID:         sess.ID,
		Type:              seceventdomain.TypeSessionTerminated,
		IPAddress:         client.IP,
		DeviceFingerprint: client.Fingerprint(),
		UserAgent:         client.UserAgent,
		Success:           true,
	})
	return nil
}

// Sessions lists the user's active sessions, most recently active first.
func (s *Service) Sessions(ctx context.Context, userID int64) ([]*sessiondomain.Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	list, err := s.sessions.ListActive(ctx, userID, s.nowF().UTC())
	if err != nil {
		return nil, storageErr(err)
	}
	return list, nil
}

// SecuritySummary returns the user's active sessions alongside their recent
// security events.
func (s *Service) SecuritySummary(ctx context.Context, userID int64) (*Summary, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	now := s.nowF().UTC()

	sessions, err := s.sessions.ListActive(ctx, userID, now)
	if err != nil {
		return nil, storageErr(err)
	}
	events, err := s.eventsRepo().ListRecent(ctx, userID, now.Add(-s.opts.EventWindow), s.opts.EventLimit)
	if err != nil {
		return nil, storageErr(err)
	}
	return &Summary{ActiveSessions: sessions, RecentEvents: events}, nil
}

func (s *Service) eventsRepo() seceventrepo.Repository {
	return s.events.Repo()
}
