package models

import "time"

// User is the account record the credential verifier checks passwords against.
// The security pipeline never references it; it keys on the identity string.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Name          string
	EmailVerified bool
	Role          string // "user" or "admin"
	Status        string // "active", "suspended", "disabled"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
