package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/security"
	sessionrepo "virtualspace/backend/internal/session/repository"
	tokenrepo "virtualspace/backend/internal/token/repository"
)

type contextKey int

const identityKey contextKey = iota

// Identity is the authenticated caller, resolved by the auth middleware.
type Identity struct {
	UserID    int64
	SessionID string
	FamilyID  string
	IsAdmin   bool
}

// IdentityFromContext returns the caller's identity when the request passed
// the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity is exported for handler tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticator validates access tokens for protected routes. A token must
// carry a valid signature and not sit on the blacklist; the session's
// activity clock is advanced as a side effect.
type Authenticator struct {
	provider *security.TokenProvider
	tokens   tokenrepo.Repository
	sessions sessionrepo.Repository
	timeout  time.Duration
	log      *zap.Logger
}

// NewAuthenticator builds the middleware. timeout bounds the blacklist and
// session-touch storage calls; <= 0 leaves them on the request context.
func NewAuthenticator(provider *security.TokenProvider, tokens tokenrepo.Repository, sessions sessionrepo.Repository, timeout time.Duration, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{provider: provider, tokens: tokens, sessions: sessions, timeout: timeout, log: log}
}

// accessToken pulls the token from the Authorization header or, for browser
// clients, the access_token cookie.
func accessToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	if c, err := r.Cookie(CookieAccessToken); err == nil {
		return c.Value
	}
	return ""
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := accessToken(r)
		if token == "" {
			unauthorized(w, "missing_token")
			return
		}
		claims, err := a.provider.ValidateAccess(token)
		if err != nil {
			unauthorized(w, "invalid_token")
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			unauthorized(w, "invalid_token")
			return
		}

		// The storage calls run under their own deadline; a stalled pool must
		// not hang every authenticated request.
		storeCtx := r.Context()
		if a.timeout > 0 {
			var cancel context.CancelFunc
			storeCtx, cancel = context.WithTimeout(storeCtx, a.timeout)
			defer cancel()
		}

		// Signature checks alone would honor tokens from terminated
		// sessions for their whole lifetime; the blacklist closes that gap.
		blacklisted, err := a.tokens.IsBlacklisted(storeCtx, claims.ID, time.Now().UTC())
		if err != nil {
			// The token may well be fine; a storage fault is retryable and
			// must not read as a dead token.
			a.log.Warn("blacklist check failed", zap.Error(err))
			writeStatus(w, http.StatusServiceUnavailable, "storage_unavailable")
			return
		}
		if blacklisted {
			unauthorized(w, "token_revoked")
			return
		}

		if err := a.sessions.Touch(storeCtx, claims.SessionID, time.Now().UTC()); err != nil {
			a.log.Debug("session touch failed", zap.String("session_id", claims.SessionID), zap.Error(err))
		}

		ctx := WithIdentity(r.Context(), Identity{
			UserID:    userID,
			SessionID: claims.SessionID,
			FamilyID:  claims.FamilyID,
			IsAdmin:   claims.IsAdmin,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, code string) {
	writeStatus(w, http.StatusUnauthorized, code)
}

func writeStatus(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
