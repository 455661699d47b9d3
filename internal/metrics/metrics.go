// Package metrics exposes the service's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by result.",
	}, []string{"result"})

	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_refreshes_total",
		Help: "Refresh rotations by result.",
	}, []string{"result"})

	ReplaysDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_replays_detected_total",
		Help: "Revoked refresh tokens presented again, each triggering family revocation.",
	})

	SessionEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_session_evictions_total",
		Help: "Sessions terminated to enforce the per-user session ceiling.",
	})

	FingerprintMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_fingerprint_mismatches_total",
		Help: "Refresh attempts whose device fingerprint differed from the session's.",
	})

	SweeperDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_sweeper_deletions_total",
		Help: "Rows removed or revoked by the cleanup sweeper, by entity.",
	}, []string{"entity"})
)
