package services

import (
	"fmt"

	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/models"
)

// User-facing tier messages. They never reveal counts or thresholds.
const (
	msgTierNormal       = "Login allowed."
	msgTierThrottled    = "Multiple failed login attempts detected. Please check your credentials."
	msgTierCaptcha      = "Please complete the CAPTCHA to continue."
	msgTierVerification = "Additional verification required. Enter the code sent to your email."
	msgTierBlocked      = "Account temporarily locked due to too many failed attempts. Check your email for unlock instructions."
	msgAccountLocked    = "Account locked. Check your email for unlock instructions."
)

// TierPolicy holds the inclusive upper failure count of tiers 1 to 4.
// Anything above Tier4Max is tier 5.
type TierPolicy struct {
	Tier1Max int
	Tier2Max int
	Tier3Max int
	Tier4Max int
}

// DefaultTierPolicy returns the 2/5/10/14 boundaries
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{Tier1Max: 2, Tier2Max: 5, Tier3Max: 10, Tier4Max: 14}
}

// TierPolicyFromConfig extracts the tier boundaries from the security config
func TierPolicyFromConfig(cfg config.SecurityConfig) TierPolicy {
	return TierPolicy{
		Tier1Max: cfg.Tier1Max,
		Tier2Max: cfg.Tier2Max,
		Tier3Max: cfg.Tier3Max,
		Tier4Max: cfg.Tier4Max,
	}
}

// Validate rejects boundaries that are negative or not strictly increasing
func (p TierPolicy) Validate() error {
	if p.Tier1Max < 0 || p.Tier1Max >= p.Tier2Max || p.Tier2Max >= p.Tier3Max || p.Tier3Max >= p.Tier4Max {
		return fmt.Errorf("%w: tier boundaries %d/%d/%d/%d must be strictly increasing",
			models.ErrInvalidPolicy, p.Tier1Max, p.Tier2Max, p.Tier3Max, p.Tier4Max)
	}
	return nil
}

// TierDecision is the classifier's verdict for one failure count
type TierDecision struct {
	Tier                 int
	FailedCount          int
	Throttle             bool
	RequiresCaptcha      bool
	RequiresVerification bool
	Blocked              bool
	Message              string
}

// TierClassifier maps a trailing failure count to a friction tier. It does no I/O.
type TierClassifier struct {
	policy TierPolicy
}

// NewTierClassifier creates a classifier for a validated policy
func NewTierClassifier(policy TierPolicy) (*TierClassifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &TierClassifier{policy: policy}, nil
}

// Policy returns the boundaries the classifier was built with
func (c *TierClassifier) Policy() TierPolicy {
	return c.policy
}

// Classify returns the decision for failedCount failures in the current window
func (c *TierClassifier) Classify(failedCount int) TierDecision {
	d := TierDecision{FailedCount: failedCount}

	switch {
	case failedCount <= c.policy.Tier1Max:
		d.Tier = models.TierNormal
		d.Message = msgTierNormal
	case failedCount <= c.policy.Tier2Max:
		d.Tier = models.TierThrottled
		d.Throttle = true
		d.Message = msgTierThrottled
	case failedCount <= c.policy.Tier3Max:
		d.Tier = models.TierCaptcha
		d.Throttle = true
		d.RequiresCaptcha = true
		d.Message = msgTierCaptcha
	case failedCount <= c.policy.Tier4Max:
		d.Tier = models.TierVerification
		d.Throttle = true
		d.RequiresCaptcha = true
		d.RequiresVerification = true
		d.Message = msgTierVerification
	default:
		d.Tier = models.TierBlocked
		d.Blocked = true
		d.Message = msgTierBlocked
	}

	return d
}

// IsFirstTier3Crossing reports whether failedCount is the first count that lands in tier 3
func (c *TierClassifier) IsFirstTier3Crossing(failedCount int) bool {
	return failedCount == c.policy.Tier2Max+1
}

// RemainingBeforeVerification is how many more failures tier 3 tolerates before tier 4
func (c *TierClassifier) RemainingBeforeVerification(failedCount int) int {
	if remaining := c.policy.Tier3Max - failedCount; remaining > 0 {
		return remaining
	}
	return 0
}
