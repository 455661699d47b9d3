package domain

import "time"

// EventType identifies what happened. Values are stored verbatim and exposed
// through the security summary, so they are part of the API surface.
type EventType string

const (
	TypeLoginSuccess        EventType = "login_success"
	TypeFailedLogin         EventType = "failed_login"
	TypeRegistration        EventType = "registration"
	TypeTokenRefresh        EventType = "token_refresh"
	TypeInvalidRefreshToken EventType = "invalid_refresh_token"
	TypeReplayDetected      EventType = "replay_detected"
	TypeFingerprintMismatch EventType = "device_fingerprint_mismatch"
	TypeSessionEvicted      EventType = "session_evicted"
	TypeSessionTerminated   EventType = "session_terminated"
	TypeLogout              EventType = "logout"
	TypeLogoutAll           EventType = "logout_all"
)

// Severity orders events for alerting and retention decisions.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Event is one security-relevant occurrence tied to a user or session.
// UserID is nil for events before identity is established, such as a failed
// login against an unknown email.
type Event struct {
	ID                string
	UserID            *int64
	SessionID         string
	Type              EventType
	Severity          Severity
	IPAddress         string
	DeviceFingerprint string
	UserAgent         string
	Success           bool
	Detail            map[string]string
	CreatedAt         time.Time
}
