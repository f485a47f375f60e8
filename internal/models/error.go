package models

import "errors"

// Sentinel errors for infrastructure and lookup failures.
// Expected policy states (captcha, lock, bad code) are OutcomeKind values, not errors.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountSuspended = errors.New("account is suspended")

	ErrInvalidPolicy = errors.New("invalid security policy")
)

// OutcomeKind tags a user-facing, recoverable result of the login security pipeline.
type OutcomeKind string

const (
	OutcomeSuccess               OutcomeKind = "success"
	OutcomeRateLimited           OutcomeKind = "rate_limited"
	OutcomeCaptchaRequired       OutcomeKind = "captcha_required"
	OutcomeVerificationRequired  OutcomeKind = "verification_required"
	OutcomeInvalidCode           OutcomeKind = "invalid_code"
	OutcomeCodeExpired           OutcomeKind = "code_expired"
	OutcomeTooManyAttempts       OutcomeKind = "too_many_attempts"
	OutcomeInvalidCredentials    OutcomeKind = "invalid_credentials"
	OutcomeInvalidOrExpiredToken OutcomeKind = "invalid_or_expired_token"
	OutcomeResendLimited         OutcomeKind = "resend_limited"
)

// IsSuccess reports whether the outcome lets the caller proceed.
func (k OutcomeKind) IsSuccess() bool {
	return k == OutcomeSuccess
}
