package models

import "time"

// LockReason records why an account lock was created
type LockReason string

const (
	LockReasonTooManyFailures    LockReason = "too_many_failures"
	LockReasonSuspiciousActivity LockReason = "suspicious_activity"
	LockReasonManual             LockReason = "manual"
)

// UnlockMethod records how an account lock was resolved
type UnlockMethod string

const (
	UnlockByToken  UnlockMethod = "token"
	UnlockByAdmin  UnlockMethod = "admin"
	UnlockByExpiry UnlockMethod = "expiry"
)

// AccountLock is an active or historical lockout for an identity.
// At most one row per identity has IsActive=true.
type AccountLock struct {
	ID                   string        `json:"id"`
	Identity             string        `json:"identity"`
	UserID               *string       `json:"user_id,omitempty"` // display only
	IsActive             bool          `json:"is_active"`
	Reason               LockReason    `json:"reason"`
	AttemptCount         int           `json:"attempt_count"`
	OriginsSeen          []string      `json:"origins_seen"`
	UnlockToken          string        `json:"-"` // never serialized
	UnlockTokenExpiresAt time.Time     `json:"unlock_token_expires_at"`
	LockedAt             time.Time     `json:"locked_at"`
	Notified             bool          `json:"notified"`
	NotifiedAt           *time.Time    `json:"notified_at,omitempty"`
	UnlockedAt           *time.Time    `json:"unlocked_at,omitempty"`
	UnlockedBy           *UnlockMethod `json:"unlocked_by,omitempty"`
}

// ExpiresAt returns the moment the lock lapses on its own
func (l *AccountLock) ExpiresAt(lockDuration time.Duration) time.Time {
	return l.LockedAt.Add(lockDuration)
}

// IsLapsed reports whether an active lock has outlived the lock duration
func (l *AccountLock) IsLapsed(now time.Time, lockDuration time.Duration) bool {
	return l.IsActive && now.After(l.ExpiresAt(lockDuration))
}

// TokenRedeemable reports whether the unlock token could still be redeemed at now
func (l *AccountLock) TokenRedeemable(now time.Time) bool {
	return l.IsActive && l.UnlockedAt == nil && now.Before(l.UnlockTokenExpiresAt)
}
