package clientinfo

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestIPForwardedForFirstHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1, 10.0.0.2")
	if got := IP(r); got != "203.0.113.7" {
		t.Fatalf("IP() = %q, want 203.0.113.7", got)
	}
}

func TestIPRealIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.4")
	if got := IP(r); got != "198.51.100.4" {
		t.Fatalf("IP() = %q, want 198.51.100.4", got)
	}
}

func TestIPRemoteAddrFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.9:54321"
	if got := IP(r); got != "192.0.2.9" {
		t.Fatalf("IP() = %q, want 192.0.2.9", got)
	}
}

func TestIPEmptyForwardedForIgnored(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "  ,10.0.0.1")
	r.RemoteAddr = "192.0.2.9:54321"
	if got := IP(r); got != "192.0.2.9" {
		t.Fatalf("IP() = %q, want 192.0.2.9", got)
	}
}

func TestUserAgentCapped(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", strings.Repeat("x", 2000))
	if got := UserAgent(r); len(got) != 512 {
		t.Fatalf("UserAgent() length = %d, want 512", len(got))
	}
}
