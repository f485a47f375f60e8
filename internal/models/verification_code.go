package models

import "time"

// VerificationCode is a one-time numeric code emailed for the tier-4 challenge
type VerificationCode struct {
	ID           string     `json:"id"`
	Identity     string     `json:"identity"`
	Code         string     `json:"-"` // Never expose the code
	Origin       string     `json:"origin"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	IsUsed       bool       `json:"is_used"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// IsExpired checks if the code's validity window has passed
func (c *VerificationCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// IsExhausted checks if the code has used up its verification tries
func (c *VerificationCode) IsExhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// IsLive reports whether the code can still be submitted
func (c *VerificationCode) IsLive(now time.Time) bool {
	return !c.IsUsed && c.SupersededAt == nil && !c.IsExpired(now) && !c.IsExhausted()
}
