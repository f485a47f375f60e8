package models

import "time"

// Security tiers, from no friction to blocked
const (
	TierNormal       = 1
	TierThrottled    = 2
	TierCaptcha      = 3
	TierVerification = 4
	TierBlocked      = 5
)

// SecurityDecision is the pre-credential verdict for a login attempt
type SecurityDecision struct {
	Allowed              bool
	Tier                 int
	FailedCount          int // internal only, never sent to end users
	Throttle             bool
	RequiresCaptcha      bool
	RequiresVerification bool
	Blocked              bool
	Locked               bool
	Message              string
	Lock                 *AccountLock
}

// FailureOutcome is what the pipeline decided after a failed credential check
type FailureOutcome struct {
	Tier                        int
	FailedCount                 int
	Message                     string
	LockCreated                 bool
	Lock                        *AccountLock
	UnlockToken                 string
	VerificationCodeIssued      bool
	FirstTier3Warning           bool
	RemainingBeforeVerification int
}

// UnlockResult is the deliberately undifferentiated result of a token redemption
type UnlockResult string

const (
	UnlockSuccess          UnlockResult = "success"
	UnlockInvalidOrExpired UnlockResult = "invalid_or_expired"
)

// CodeResult is the result of a verification code operation
type CodeResult struct {
	Outcome OutcomeKind
	Message string
	Code    *VerificationCode
}

// SecurityStatus is the operator view of an identity's security state
type SecurityStatus struct {
	Identity             string       `json:"identity"`
	IsLocked             bool         `json:"is_locked"`
	MinutesRemaining     int          `json:"minutes_remaining"`
	Tier                 int          `json:"security_tier"`
	FailedCount          int          `json:"failed_attempts_24h"`
	RequiresCaptcha      bool         `json:"requires_captcha"`
	RequiresVerification bool         `json:"requires_verification"`
	Message              string       `json:"message"`
	Lock                 *AccountLock `json:"lock_details,omitempty"`
}

// SecurityDashboard summarises recent login security activity
type SecurityDashboard struct {
	GeneratedAt          time.Time      `json:"generated_at"`
	LastHour             AttemptStats   `json:"last_hour"`
	Last24Hours          AttemptStats   `json:"last_24_hours"`
	LocksLast24Hours     int            `json:"accounts_locked_24h"`
	ActiveLocks          int            `json:"active_locks"`
	RecentFailedAttempts []*AttemptLog  `json:"recent_failed_attempts"`
	ActiveLocksDetail    []*AccountLock `json:"active_locks_detail"`
}
