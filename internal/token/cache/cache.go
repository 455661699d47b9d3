// Package cache provides the fast-path revocation cache consulted before the
// token store on every access-token validation.
package cache

import (
	"context"
	"time"
)

// RevocationCache remembers revoked jtis until their natural expiry. A cache
// hit short-circuits the database blacklist check; cache failures are treated
// as a miss, never as a validation result.
type RevocationCache interface {
	// MarkRevoked records the jtis as revoked, each until its expiry.
	MarkRevoked(ctx context.Context, jtis map[string]time.Time) error
	// IsRevoked reports whether jti is known revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}
