package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"virtualspace/backend/internal/security"
)

func testCookieManager() *CookieManager {
	signer := security.NewCookieSigner([]byte("test-secret"), time.Hour)
	return NewCookieManager(true, http.SameSiteLaxMode, "", signer, zap.NewNop())
}

func findCookie(t *testing.T, cookies []*http.Cookie, name string) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestSetPairWritesAllThreeCookies(t *testing.T) {
	cm := testCookieManager()
	rec := httptest.NewRecorder()
	now := time.Now()
	cm.SetPair(rec, "access-jwt", now.Add(30*time.Minute), "refresh-jwt", now.Add(7*24*time.Hour),
		security.SessionInfo{SessionID: "sess-1", Fingerprint: "fp", RememberMe: true})

	cookies := rec.Result().Cookies()

	access := findCookie(t, cookies, CookieAccessToken)
	if !access.HttpOnly || !access.Secure || access.Path != "/" {
		t.Fatalf("access cookie attributes wrong: %+v", access)
	}
	if access.Value != "access-jwt" {
		t.Fatalf("access cookie value = %q", access.Value)
	}

	refresh := findCookie(t, cookies, CookieRefreshToken)
	if !refresh.HttpOnly || refresh.Path != refreshCookiePath {
		t.Fatalf("refresh cookie attributes wrong: %+v", refresh)
	}
	if refresh.MaxAge <= access.MaxAge {
		t.Fatal("refresh cookie should outlive access cookie")
	}

	// session_info is deliberately client-readable; it carries no tokens and
	// is tamper-proofed by its signature.
	info := findCookie(t, cookies, CookieSessionInfo)
	if info.HttpOnly {
		t.Fatal("session_info must not be httpOnly")
	}
	signer := security.NewCookieSigner([]byte("test-secret"), time.Hour)
	parsed, err := signer.Verify(info.Value)
	if err != nil {
		t.Fatalf("session_info cookie not verifiable: %v", err)
	}
	if parsed.SessionID != "sess-1" || !parsed.RememberMe {
		t.Fatalf("session_info payload wrong: %+v", parsed)
	}
}

func TestSessionInfoCookieReadPath(t *testing.T) {
	cm := testCookieManager()
	signer := security.NewCookieSigner([]byte("test-secret"), time.Hour)
	signed, err := signer.Sign(security.SessionInfo{SessionID: "sess-1", RememberMe: true})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieSessionInfo, Value: signed})
	info, ok := cm.SessionInfo(r)
	if !ok {
		t.Fatal("valid session_info cookie rejected")
	}
	if info.SessionID != "sess-1" || !info.RememberMe {
		t.Fatalf("payload = %+v", info)
	}

	// A signer with a different secret behaves like a tampered cookie.
	forged, err := security.NewCookieSigner([]byte("other-secret"), time.Hour).
		Sign(security.SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	r = httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieSessionInfo, Value: forged})
	if _, ok := cm.SessionInfo(r); ok {
		t.Fatal("forged session_info cookie accepted")
	}

	if _, ok := cm.SessionInfo(httptest.NewRequest("GET", "/", nil)); ok {
		t.Fatal("missing cookie must not verify")
	}
}

func TestClearExpiresAllCookies(t *testing.T) {
	cm := testCookieManager()
	rec := httptest.NewRecorder()
	cm.Clear(rec)

	cookies := rec.Result().Cookies()
	for _, name := range []string{CookieAccessToken, CookieRefreshToken, CookieSessionInfo} {
		c := findCookie(t, cookies, name)
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %q not cleared: MaxAge=%d Value=%q", name, c.MaxAge, c.Value)
		}
	}
}
