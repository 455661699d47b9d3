package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/security"
)

// Cookie names. The token cookies are httpOnly; session_info is readable by
// the client but HMAC-signed so it cannot be forged.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieSessionInfo  = "session_info"
)

// refreshCookiePath scopes the refresh cookie to the auth endpoints so it is
// not sent with every API call.
const refreshCookiePath = "/api/auth"

// CookieManager writes and clears the auth cookies with consistent attributes.
type CookieManager struct {
	secure   bool
	sameSite http.SameSite
	domain   string
	signer   *security.CookieSigner
	log      *zap.Logger
}

func NewCookieManager(secure bool, sameSite http.SameSite, domain string, signer *security.CookieSigner, log *zap.Logger) *CookieManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &CookieManager{secure: secure, sameSite: sameSite, domain: domain, signer: signer, log: log}
}

// SetPair writes the access and refresh cookies plus the signed session_info
// cookie. Called on login and on every successful refresh.
func (c *CookieManager) SetPair(w http.ResponseWriter, accessToken string, accessExp time.Time,
	refreshToken string, refreshExp time.Time, info security.SessionInfo) {

	now := time.Now()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieAccessToken,
		Value:    accessToken,
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   int(accessExp.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CookieRefreshToken,
		Value:    refreshToken,
		Path:     refreshCookiePath,
		Domain:   c.domain,
		MaxAge:   int(refreshExp.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})

	signed, err := c.signer.Sign(info)
	if err != nil {
		// The session_info cookie is a convenience; auth still works without it.
		c.log.Warn("session_info cookie not signed", zap.Error(err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSessionInfo,
		Value:    signed,
		Path:     "/",
		Domain:   c.domain,
		MaxAge:   int(refreshExp.Sub(now).Seconds()),
		HttpOnly: false,
		Secure:   c.secure,
		SameSite: c.sameSite,
	})
}

// SessionInfo reads the session_info cookie and verifies its signature and
// embedded timestamp. A missing, tampered, or stale cookie reports false.
func (c *CookieManager) SessionInfo(r *http.Request) (*security.SessionInfo, bool) {
	ck, err := r.Cookie(CookieSessionInfo)
	if err != nil {
		return nil, false
	}
	info, err := c.signer.Verify(ck.Value)
	if err != nil {
		c.log.Debug("session_info cookie rejected", zap.Error(err))
		return nil, false
	}
	return info, true
}

// Clear expires all three auth cookies. Always called on logout, even when
// the server-side revocation failed; the browser must not keep dead tokens.
func (c *CookieManager) Clear(w http.ResponseWriter) {
	for _, spec := range []struct {
		name, path string
		httpOnly   bool
	}{
		{CookieAccessToken, "/", true},
		{CookieRefreshToken, refreshCookiePath, true},
		{CookieSessionInfo, "/", false},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     spec.name,
			Value:    "",
			Path:     spec.path,
			Domain:   c.domain,
			MaxAge:   -1,
			HttpOnly: spec.httpOnly,
			Secure:   c.secure,
			SameSite: c.sameSite,
		})
	}
}
