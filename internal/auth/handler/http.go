// Package handler exposes the authentication engine over HTTP with cookie
// and bearer-token support.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"virtualspace/backend/internal/auth/service"
	"virtualspace/backend/internal/clientinfo"
	"virtualspace/backend/internal/security"
	sessiondomain "virtualspace/backend/internal/session/domain"
)

const maxBodyBytes = 1 << 16

type Handler struct {
	svc     *service.Service
	cookies *CookieManager
	log     *zap.Logger
}

func New(svc *service.Service, cookies *CookieManager, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, cookies: cookies, log: log}
}

// Routes mounts the public auth endpoints. Authenticated endpoints are
// mounted separately behind the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/register", h.register)
	r.Post("/login", h.login)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
}

// AuthedRoutes mounts the endpoints that require a valid access token.
func (h *Handler) AuthedRoutes(r chi.Router) {
	r.Post("/logout-all", h.logoutAll)
	r.Get("/sessions", h.sessions)
	r.Delete("/sessions/{sessionID}", h.terminateSession)
	r.Get("/security-summary", h.securitySummary)
}

func client(r *http.Request) service.Client {
	return service.Client{IP: clientinfo.IP(r), UserAgent: clientinfo.UserAgent(r)}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Username, req.Password, client(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"id":       u.ID,
		"email":    u.Email,
		"username": u.Username,
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id,omitempty"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, sess, err := h.svc.Login(r.Context(), req.Email, req.Password, req.RememberMe, client(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cookies.SetPair(w, pair.AccessToken, pair.AccessExpiresAt,
		pair.RefreshToken, pair.RefreshExpiresAt, security.SessionInfo{
			SessionID:   sess.ID,
			Fingerprint: sess.DeviceFingerprint,
			RememberMe:  sess.IsRememberMe,
		})
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(pair.AccessExpiresAt).Seconds()),
		SessionID:    sess.ID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refresh accepts the refresh token from the request body or, for browser
// clients, from the httpOnly cookie.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	token := req.RefreshToken
	if token == "" {
		if c, err := r.Cookie(CookieRefreshToken); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		h.writeErrorCode(w, http.StatusUnauthorized, "missing_refresh_token", "no refresh token provided")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), token, client(r))
	if err != nil {
		// A burned family must not leave stale cookies behind.
		if errors.Is(err, service.ErrReplayDetected) || errors.Is(err, service.ErrFingerprintMismatch) {
			h.cookies.Clear(w)
		}
		h.writeError(w, r, err)
		return
	}

	info := security.SessionInfo{}
	if claims, cerr := h.svc.Provider().ValidateRefresh(pair.RefreshToken); cerr == nil {
		info.SessionID = claims.SessionID
	}
	info.Fingerprint = client(r).Fingerprint()
	// The remember-me flag survives rotation only through the verified
	// incoming cookie; the refresh claims do not carry it.
	if prev, ok := h.cookies.SessionInfo(r); ok {
		info.RememberMe = prev.RememberMe
	}
	h.cookies.SetPair(w, pair.AccessToken, pair.AccessExpiresAt,
		pair.RefreshToken, pair.RefreshExpiresAt, info)
	h.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(pair.AccessExpiresAt).Seconds()),
	})
}

// logout clears cookies unconditionally and best-effort revokes the session.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	}
	token := req.RefreshToken
	if token == "" {
		if c, err := r.Cookie(CookieRefreshToken); err == nil {
			token = c.Value
		}
	}
	// The signed session_info cookie still names the session when the refresh
	// cookie is gone, so logout can revoke server-side either way.
	info, infoOK := h.cookies.SessionInfo(r)

	h.cookies.Clear(w)
	switch {
	case token != "":
		if err := h.svc.Logout(r.Context(), token, client(r)); err != nil {
			// Cookies are already gone; report the revocation failure.
			h.writeError(w, r, err)
			return
		}
	case infoOK:
		if err := h.svc.LogoutSession(r.Context(), info.SessionID, client(r)); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	n, err := h.svc.LogoutAll(r.Context(), id.UserID, client(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cookies.Clear(w)
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out", "sessions_revoked": n})
}

type sessionResponse struct {
	ID             string    `json:"id"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	Location       string    `json:"location,omitempty"`
	RememberMe     bool      `json:"remember_me"`
	Current        bool      `json:"current"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func toSessionResponse(s *sessiondomain.Session, currentID string) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		IPAddress:      s.IPAddress,
		UserAgent:      s.UserAgent,
		Location:       s.Location,
		RememberMe:     s.IsRememberMe,
		Current:        s.ID == currentID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	list, err := h.svc.Sessions(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSessionResponse(s, id.SessionID))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.svc.TerminateSession(r.Context(), id.UserID, sessionID, client(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Terminating the current session is allowed; the client loses its
	// tokens on the next request.
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

type eventResponse struct {
	Type      string            `json:"type"`
	Severity  string            `json:"severity"`
	IPAddress string            `json:"ip_address"`
	Success   bool              `json:"success"`
	Detail    map[string]string `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (h *Handler) securitySummary(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		h.writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	sum, err := h.svc.SecuritySummary(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sessions := make([]sessionResponse, 0, len(sum.ActiveSessions))
	for _, s := range sum.ActiveSessions {
		sessions = append(sessions, toSessionResponse(s, id.SessionID))
	}
	events := make([]eventResponse, 0, len(sum.RecentEvents))
	for _, ev := range sum.RecentEvents {
		events = append(events, eventResponse{
			Type:      string(ev.Type),
			Severity:  string(ev.Severity),
			IPAddress: ev.IPAddress,
			Success:   ev.Success,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"active_sessions": sessions,
		"recent_events":   events,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "bad_request", "malformed request body")
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response not written", zap.Error(err))
	}
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		h.writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, service.ErrRegistrationConflict):
		h.writeErrorCode(w, http.StatusConflict, "registration_conflict", err.Error())
	case errors.Is(err, service.ErrTokenExpired):
		h.writeErrorCode(w, http.StatusUnauthorized, "token_expired", "refresh token expired, log in again")
	case errors.Is(err, service.ErrReplayDetected):
		h.writeErrorCode(w, http.StatusUnauthorized, "session_revoked", "session revoked, log in again")
	case errors.Is(err, service.ErrTokenInvalid), errors.Is(err, service.ErrFingerprintMismatch):
		h.writeErrorCode(w, http.StatusUnauthorized, "invalid_token", "refresh token not accepted")
	case errors.Is(err, service.ErrSessionNotFound):
		h.writeErrorCode(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, service.ErrStorageUnavailable):
		h.writeErrorCode(w, http.StatusServiceUnavailable, "storage_unavailable", "try again shortly")
	default:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeErrorCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
