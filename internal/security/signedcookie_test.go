package security

import (
	"testing"
	"time"
)

func TestCookieSigner_RoundTrip(t *testing.T) {
	s := NewCookieSigner([]byte("test-secret"), time.Hour)
	info := SessionInfo{SessionID: "sess-1", Fingerprint: "fp", RememberMe: true}
	value, err := s.Sign(info)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := s.Verify(value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if *got != info {
		t.Errorf("round trip: got %+v, want %+v", *got, info)
	}
}

func TestCookieSigner_TamperRejected(t *testing.T) {
	s := NewCookieSigner([]byte("test-secret"), time.Hour)
	value, err := s.Sign(SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := value[:len(value)-2] + "xx"
	if _, err := s.Verify(tampered); err != ErrInvalidCookie {
		t.Errorf("tampered cookie: want ErrInvalidCookie, got %v", err)
	}
}

func TestCookieSigner_WrongSecretRejected(t *testing.T) {
	a := NewCookieSigner([]byte("secret-a"), time.Hour)
	b := NewCookieSigner([]byte("secret-b"), time.Hour)
	value, err := a.Sign(SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := b.Verify(value); err != ErrInvalidCookie {
		t.Errorf("foreign signature: want ErrInvalidCookie, got %v", err)
	}
}

func TestCookieSigner_ExpiredTimestampRejected(t *testing.T) {
	s := NewCookieSigner([]byte("test-secret"), time.Hour)
	s.nowF = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	value, err := s.Sign(SessionInfo{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	s.nowF = time.Now
	if _, err := s.Verify(value); err != ErrInvalidCookie {
		t.Errorf("stale cookie: want ErrInvalidCookie, got %v", err)
	}
}
