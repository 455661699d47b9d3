package domain

import "time"

// User is the durable account record. The auth engine reads credentials and
// flags from it and stamps login bookkeeping; the credit balance is owned by
// the task subsystem and never mutated here.
type User struct {
	ID                  int64
	Email               string
	Username            string
	PasswordHash        string
	IsActive            bool
	IsAdmin             bool
	Credits             int
	FailedLoginAttempts int
	LastLoginAt         *time.Time
	LastLoginIP         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
