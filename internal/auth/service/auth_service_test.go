package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/db"
	"virtualspace/backend/internal/secevent"
	seceventdomain "virtualspace/backend/internal/secevent/domain"
	"virtualspace/backend/internal/security"
	userrepo "virtualspace/backend/internal/user/repository"
)

const (
	testEmail    = "kai@example.com"
	testPassword = "correct-horse-battery"
)

var (
	clientA = Client{IP: "203.0.113.7", UserAgent: "Mozilla/5.0 (X11; Linux)"}
	clientB = Client{IP: "198.51.100.4", UserAgent: "Mozilla/5.0 (iPhone)"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	users    *memUserRepo
	tokens   *memTokenRepo
	sessions *memSessionRepo
	events   *memEventRepo
	clock    *fakeClock
	userID   int64
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Now().UTC()}
	users := newMemUserRepo()
	tokens := newMemTokenRepo(clock.Now)
	sessions := newMemSessionRepo(tokens)
	events := &memEventRepo{}

	opts := Options{
		RefreshTTL:         7 * 24 * time.Hour,
		RefreshTTLRemember: 30 * 24 * time.Hour,
		SessionLimit:       5,
		EventWindow:        24 * time.Hour,
	}
	if mod != nil {
		mod(&opts)
	}
	svc := New(users, tokens, sessions,
		secevent.NewLogger(events, zap.NewNop()),
		security.NewTestTokenProvider(),
		security.NewHasher(4),
		opts, zap.NewNop())
	svc.nowF = clock.Now

	u, err := svc.Register(context.Background(), testEmail, "kai", testPassword, clientA)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &fixture{svc: svc, users: users, tokens: tokens, sessions: sessions,
		events: events, clock: clock, userID: u.ID}
}

func (f *fixture) login(t *testing.T, client Client) (*TokenPair, string) {
	t.Helper()
	pair, sess, err := f.svc.Login(context.Background(), testEmail, testPassword, false, client)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return pair, sess.ID
}

func TestLoginIssuesPairAndSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, sess, err := f.svc.Login(ctx, testEmail, testPassword, false, clientA)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens issued")
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Fatal("refresh token should outlive access token")
	}
	got, err := f.sessions.GetByID(ctx, sess.ID)
	if err != nil || got == nil {
		t.Fatalf("session not stored: %v", err)
	}
	if got.DeviceFingerprint != clientA.Fingerprint() {
		t.Fatal("session fingerprint not derived from client")
	}
	if got.FamilyID != sess.FamilyID {
		t.Fatal("session family mismatch")
	}

	// Both jtis are on record; the refresh record carries a hash of the token.
	provider := security.NewTestTokenProvider()
	claims, err := provider.ValidateRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("ValidateRefresh: %v", err)
	}
	rec, err := f.tokens.Lookup(ctx, claims.ID)
	if err != nil || rec == nil {
		t.Fatalf("refresh record missing: %v", err)
	}
	if !security.TokenHashEqual(pair.RefreshToken, rec.TokenHash) {
		t.Fatal("stored refresh hash does not match issued token")
	}
	if f.tokens.activeInFamily(sess.FamilyID) != 2 {
		t.Fatalf("want 2 live records in family, got %d", f.tokens.activeInFamily(sess.FamilyID))
	}
	if n := len(f.events.byType(seceventdomain.TypeLoginSuccess)); n != 1 {
		t.Fatalf("want 1 login_success event, got %d", n)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.svc.Login(ctx, "nobody@example.com", testPassword, false, clientA)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: got %v, want ErrInvalidCredentials", err)
	}
	_, _, err = f.svc.Login(ctx, testEmail, "wrong-password", false, clientA)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v, want ErrInvalidCredentials", err)
	}

	u, _ := f.users.GetByID(ctx, f.userID)
	if u.FailedLoginAttempts != 1 {
		t.Fatalf("failed attempts = %d, want 1", u.FailedLoginAttempts)
	}
	if n := len(f.events.byType(seceventdomain.TypeFailedLogin)); n != 2 {
		t.Fatalf("want 2 failed_login events, got %d", n)
	}

	// A deactivated account reports the same error as a bad password.
	f.users.users[f.userID].IsActive = false
	_, _, err = f.svc.Login(ctx, testEmail, testPassword, false, clientA)
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive account: got %v, want ErrInvalidCredentials", err)
	}
}

func TestRememberMeExtendsRefreshLifetime(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	short, _, err := f.svc.Login(ctx, testEmail, testPassword, false, clientA)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	long, _, err := f.svc.Login(ctx, testEmail, testPassword, true, clientA)
	if err != nil {
		t.Fatalf("Login remember-me: %v", err)
	}
	if !long.RefreshExpiresAt.After(short.RefreshExpiresAt.Add(20 * 24 * time.Hour)) {
		t.Fatal("remember-me refresh should live weeks longer")
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pair, sessID := f.login(t, clientA)

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, pair.RefreshToken, clientA)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}

	provider := security.NewTestTokenProvider()
	oldClaims, _ := provider.ValidateRefresh(pair.RefreshToken)
	oldRec, _ := f.tokens.Lookup(ctx, oldClaims.ID)
	if !oldRec.Revoked() {
		t.Fatal("consumed refresh token should be revoked")
	}
	newClaims, err := provider.ValidateRefresh(next.RefreshToken)
	if err != nil {
		t.Fatalf("new refresh invalid: %v", err)
	}
	if newClaims.FamilyID != oldClaims.FamilyID {
		t.Fatal("rotation must stay within the family")
	}

	sess, _ := f.sessions.GetByID(ctx, sessID)
	if !sess.LastActivityAt.After(sess.CreatedAt) {
		t.Fatal("refresh should touch session activity")
	}
	if n := len(f.events.byType(seceventdomain.TypeTokenRefresh)); n != 1 {
		t.Fatalf("want 1 token_refresh event, got %d", n)
	}
}

func TestReplayRevokesWholeFamily(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pair, sessID := f.login(t, clientA)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken, clientA)
	if err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Presenting the consumed token again is replay: the family burns.
	_, err = f.svc.Refresh(ctx, pair.RefreshToken, clientB)
	if !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("got %v, want ErrReplayDetected", err)
	}

	sess, _ := f.sessions.GetByID(ctx, sessID)
	if sess.RevokedAt == nil {
		t.Fatal("session should be revoked after replay")
	}
	if n := f.tokens.activeInFamily(sess.FamilyID); n != 0 {
		t.Fatalf("family still has %d live records", n)
	}
	evs := f.events.byType(seceventdomain.TypeReplayDetected)
	if len(evs) != 1 {
		t.Fatalf("want 1 replay_detected event, got %d", len(evs))
	}
	if evs[0].Severity != seceventdomain.SeverityCritical {
		t.Fatalf("replay severity = %s, want critical", evs[0].Severity)
	}

	// The legitimate holder of the rotated token is locked out too.
	if _, err := f.svc.Refresh(ctx, next.RefreshToken, clientA); err == nil {
		t.Fatal("rotated token should be dead after family revocation")
	}
}

func TestSessionCeilingEvictsOldest(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SessionLimit = 2 })
	ctx := context.Background()

	firstPair, first := f.login(t, clientA)
	f.clock.Advance(time.Minute)
	_, second := f.login(t, clientB)
	f.clock.Advance(time.Minute)
	_, third := f.login(t, clientA)

	evictedSess, _ := f.sessions.GetByID(ctx, first)
	if evictedSess.RevokedAt == nil || evictedSess.TerminationReason != "session_limit" {
		t.Fatalf("oldest session not evicted: revoked=%v reason=%q",
			evictedSess.RevokedAt, evictedSess.TerminationReason)
	}
	if n := f.tokens.activeInFamily(evictedSess.FamilyID); n != 0 {
		t.Fatalf("evicted family still has %d live records", n)
	}

	active, _ := f.sessions.ListActive(ctx, f.userID, f.clock.Now())
	if len(active) != 2 {
		t.Fatalf("active sessions = %d, want 2", len(active))
	}
	if active[0].ID != third || active[1].ID != second {
		t.Fatal("survivors should be the two most recently active sessions")
	}
	if n := len(f.events.byType(seceventdomain.TypeSessionEvicted)); n != 1 {
		t.Fatalf("want 1 session_evicted event, got %d", n)
	}

	// Round trip: the evicted device's refresh token is dead.
	if _, err := f.svc.Refresh(ctx, firstPair.RefreshToken, clientA); err == nil {
		t.Fatal("evicted session's refresh token should fail")
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Refresh(context.Background(), "not-a-token", clientA)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
	if n := len(f.events.byType(seceventdomain.TypeInvalidRefreshToken)); n != 1 {
		t.Fatalf("want 1 invalid_refresh_token event, got %d", n)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	f := newFixture(t, nil)
	provider := security.NewTestTokenProvider()
	token, _, _, err := provider.IssueRefresh(f.userID, "sess", "fam", -time.Minute)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), token, clientA); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestRefreshRejectsUnstoredToken(t *testing.T) {
	f := newFixture(t, nil)
	provider := security.NewTestTokenProvider()
	token, _, _, err := provider.IssueRefresh(f.userID, "sess", "fam", time.Hour)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := f.svc.Refresh(context.Background(), token, clientA); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestFingerprintMismatchLenient(t *testing.T) {
	f := newFixture(t, nil)
	pair, _ := f.login(t, clientA)

	// Default posture: log and continue. Mobile clients hop networks.
	if _, err := f.svc.Refresh(context.Background(), pair.RefreshToken, clientB); err != nil {
		t.Fatalf("lenient refresh failed: %v", err)
	}
	evs := f.events.byType(seceventdomain.TypeFingerprintMismatch)
	if len(evs) != 1 {
		t.Fatalf("want 1 mismatch event, got %d", len(evs))
	}
	if evs[0].Severity != seceventdomain.SeverityMedium {
		t.Fatalf("mismatch severity = %s, want medium", evs[0].Severity)
	}
}

func TestFingerprintMismatchStrict(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FingerprintStrict = true })
	ctx := context.Background()
	pair, sessID := f.login(t, clientA)

	_, err := f.svc.Refresh(ctx, pair.RefreshToken, clientB)
	if !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("got %v, want ErrFingerprintMismatch", err)
	}
	sess, _ := f.sessions.GetByID(ctx, sessID)
	if sess.RevokedAt == nil || sess.TerminationReason != "fingerprint_mismatch" {
		t.Fatal("strict mismatch should terminate the session")
	}
	if n := f.tokens.activeInFamily(sess.FamilyID); n != 0 {
		t.Fatalf("family still has %d live records", n)
	}
}

func TestLogoutTerminatesSessionAndFamily(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pair, sessID := f.login(t, clientA)

	if err := f.svc.Logout(ctx, pair.RefreshToken, clientA); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	sess, _ := f.sessions.GetByID(ctx, sessID)
	if sess.RevokedAt == nil || sess.TerminationReason != "logout" {
		t.Fatal("logout should revoke the session")
	}
	if n := f.tokens.activeInFamily(sess.FamilyID); n != 0 {
		t.Fatalf("family still has %d live records", n)
	}

	// Idempotent, and garbage tokens are not an error either.
	if err := f.svc.Logout(ctx, pair.RefreshToken, clientA); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if err := f.svc.Logout(ctx, "garbage", clientA); err != nil {
		t.Fatalf("garbage Logout: %v", err)
	}
	if sess, _ := f.sessions.GetByID(ctx, sessID); sess.TerminationReason != "logout" {
		t.Fatal("first termination reason must stick")
	}
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pair, _ := f.login(t, clientA)
	f.clock.Advance(time.Second)
	f.login(t, clientB)
	f.clock.Advance(time.Second)
	f.login(t, clientA)

	n, err := f.svc.LogoutAll(ctx, f.userID, clientA)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked %d sessions, want 3", n)
	}
	active, _ := f.sessions.ListActive(ctx, f.userID, f.clock.Now())
	if len(active) != 0 {
		t.Fatalf("still %d active sessions", len(active))
	}

	// No grace period: the old refresh fails and the old access token is
	// blacklisted immediately.
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, clientA); err == nil {
		t.Fatal("refresh should fail after logout-all")
	}
	provider := security.NewTestTokenProvider()
	claims, err := provider.ValidateAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	blacklisted, err := f.tokens.IsBlacklisted(ctx, claims.ID, f.clock.Now())
	if err != nil || !blacklisted {
		t.Fatalf("access token should be blacklisted: %v %v", blacklisted, err)
	}
}

func TestTerminateSessionChecksOwnership(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, sessID := f.login(t, clientA)

	other, err := f.svc.Register(ctx, "rex@example.com", "rex", testPassword, clientB)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.svc.TerminateSession(ctx, other.ID, sessID, clientB); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign termination: got %v, want ErrSessionNotFound", err)
	}
	if err := f.svc.TerminateSession(ctx, f.userID, "no-such-session", clientA); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing session: got %v, want ErrSessionNotFound", err)
	}
	if err := f.svc.TerminateSession(ctx, f.userID, sessID, clientA); err != nil {
		t.Fatalf("own termination: %v", err)
	}
	sess, _ := f.sessions.GetByID(ctx, sessID)
	if sess.RevokedAt == nil {
		t.Fatal("session should be revoked")
	}
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.svc.Register(ctx, testEmail, "someoneelse", testPassword, clientA); !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("duplicate email: got %v", err)
	}
	if _, err := f.svc.Register(ctx, "new@example.com", "kai", testPassword, clientA); !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("duplicate username: got %v", err)
	}
	if _, err := f.svc.Register(ctx, "not-an-email", "valid", testPassword, clientA); !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("bad email: got %v", err)
	}
	if _, err := f.svc.Register(ctx, "new@example.com", "valid", "short", clientA); !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("short password: got %v", err)
	}
}

// A registration racing the existence checks hits the unique constraint at
// insert time; that still reads as a conflict, not an internal error.
func TestRegisterConcurrentDuplicateIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.users.createErr = fmt.Errorf("userRepo.Create: %w", userrepo.ErrDuplicate)

	_, err := f.svc.Register(context.Background(), "race@example.com", "racer", testPassword, clientA)
	if !errors.Is(err, ErrRegistrationConflict) {
		t.Fatalf("got %v, want ErrRegistrationConflict", err)
	}
}

func TestLogoutSessionTerminatesByID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, sessID := f.login(t, clientA)

	if err := f.svc.LogoutSession(ctx, sessID, clientA); err != nil {
		t.Fatalf("LogoutSession: %v", err)
	}
	sess, _ := f.sessions.GetByID(ctx, sessID)
	if sess.RevokedAt == nil || sess.TerminationReason != "logout" {
		t.Fatal("session should be revoked with reason logout")
	}
	if n := f.tokens.activeInFamily(sess.FamilyID); n != 0 {
		t.Fatalf("family still has %d live records", n)
	}
	if evs := f.events.byType(seceventdomain.TypeLogout); len(evs) != 1 {
		t.Fatalf("logout events = %d, want 1", len(evs))
	}

	// Quiet for unknown or already-revoked sessions.
	if err := f.svc.LogoutSession(ctx, sessID, clientA); err != nil {
		t.Fatalf("second LogoutSession: %v", err)
	}
	if err := f.svc.LogoutSession(ctx, "no-such-session", clientA); err != nil {
		t.Fatalf("unknown LogoutSession: %v", err)
	}
}

func TestStorageUnavailableSurfaces(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.err = db.ErrUnavailable
	if _, err := f.svc.Sessions(context.Background(), f.userID); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("got %v, want ErrStorageUnavailable", err)
	}
}

func TestSecuritySummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.login(t, clientA)
	f.svc.Login(ctx, testEmail, "wrong", false, clientB)

	sum, err := f.svc.SecuritySummary(ctx, f.userID)
	if err != nil {
		t.Fatalf("SecuritySummary: %v", err)
	}
	if len(sum.ActiveSessions) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(sum.ActiveSessions))
	}
	var sawFailure bool
	for _, ev := range sum.RecentEvents {
		if ev.Type == seceventdomain.TypeFailedLogin {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatal("summary should include the failed login")
	}
}
