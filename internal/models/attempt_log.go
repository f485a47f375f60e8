package models

import "time"

// FailureReason classifies why a login attempt was recorded as failed
type FailureReason string

const (
	FailureNone                 FailureReason = ""
	FailureInvalidCredentials   FailureReason = "invalid_credentials"
	FailureRateLimited          FailureReason = "rate_limited"
	FailureCaptchaRequired      FailureReason = "captcha_required"
	FailureVerificationRequired FailureReason = "verification_required"
	FailureAccountInactive      FailureReason = "account_inactive"
)

// AttemptLog is one row of the append-only login attempt audit trail.
// Rows are never updated; only the retention sweep deletes them.
type AttemptLog struct {
	ID             string        `json:"id"`
	Identity       string        `json:"identity"`
	Origin         string        `json:"origin"`
	UserAgent      string        `json:"user_agent,omitempty"`
	Succeeded      bool          `json:"succeeded"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	TierAtAttempt  int           `json:"tier_at_attempt"`
	ResponseTimeMs int           `json:"response_time_ms"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// AttemptStats aggregates attempt counts over a period for the security dashboard
type AttemptStats struct {
	Total      int `json:"total_attempts"`
	Failed     int `json:"failed_attempts"`
	Successful int `json:"successful_logins"`
	Tier5      int `json:"tier_5_triggers"`
}
