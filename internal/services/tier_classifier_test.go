package services

import (
	"testing"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier(t *testing.T) *TierClassifier {
	t.Helper()
	c, err := NewTierClassifier(DefaultTierPolicy())
	require.NoError(t, err)
	return c
}

func TestTierClassifier_Thresholds(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		count        int
		tier         int
		throttle     bool
		captcha      bool
		verification bool
		blocked      bool
	}{
		{0, models.TierNormal, false, false, false, false},
		{2, models.TierNormal, false, false, false, false},
		{3, models.TierThrottled, true, false, false, false},
		{5, models.TierThrottled, true, false, false, false},
		{6, models.TierCaptcha, true, true, false, false},
		{10, models.TierCaptcha, true, true, false, false},
		{11, models.TierVerification, true, true, true, false},
		{14, models.TierVerification, true, true, true, false},
		{15, models.TierBlocked, false, false, false, true},
		{100, models.TierBlocked, false, false, false, true},
	}

	for _, tt := range tests {
		d := c.Classify(tt.count)
		assert.Equal(t, tt.tier, d.Tier, "tier for count %d", tt.count)
		assert.Equal(t, tt.throttle, d.Throttle, "throttle for count %d", tt.count)
		assert.Equal(t, tt.captcha, d.RequiresCaptcha, "captcha for count %d", tt.count)
		assert.Equal(t, tt.verification, d.RequiresVerification, "verification for count %d", tt.count)
		assert.Equal(t, tt.blocked, d.Blocked, "blocked for count %d", tt.count)
		assert.Equal(t, tt.count, d.FailedCount)
		assert.NotEmpty(t, d.Message)
	}
}

func TestTierClassifier_Monotonic(t *testing.T) {
	c := newTestClassifier(t)

	prev := c.Classify(0).Tier
	for n := 1; n <= 40; n++ {
		tier := c.Classify(n).Tier
		assert.GreaterOrEqual(t, tier, prev, "tier must not decrease at count %d", n)
		prev = tier
	}
}

func TestTierClassifier_MessagesHideCounts(t *testing.T) {
	c := newTestClassifier(t)

	for n := 0; n <= 20; n++ {
		msg := c.Classify(n).Message
		assert.NotRegexp(t, `\d`, msg, "message for count %d leaks a number", n)
	}
}

func TestTierClassifier_CustomPolicy(t *testing.T) {
	c, err := NewTierClassifier(TierPolicy{Tier1Max: 1, Tier2Max: 2, Tier3Max: 3, Tier4Max: 4})
	require.NoError(t, err)

	assert.Equal(t, models.TierThrottled, c.Classify(2).Tier)
	assert.Equal(t, models.TierCaptcha, c.Classify(3).Tier)
	assert.Equal(t, models.TierBlocked, c.Classify(5).Tier)
}

func TestTierPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  TierPolicy
		wantErr bool
	}{
		{"default", DefaultTierPolicy(), false},
		{"zero first tier", TierPolicy{0, 1, 2, 3}, false},
		{"negative", TierPolicy{-1, 5, 10, 14}, true},
		{"equal boundaries", TierPolicy{2, 5, 5, 14}, true},
		{"decreasing", TierPolicy{2, 10, 5, 14}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTierClassifier_FirstTier3Crossing(t *testing.T) {
	c := newTestClassifier(t)

	assert.False(t, c.IsFirstTier3Crossing(5))
	assert.True(t, c.IsFirstTier3Crossing(6))
	assert.False(t, c.IsFirstTier3Crossing(7))
	assert.Equal(t, 4, c.RemainingBeforeVerification(6))
	assert.Equal(t, 0, c.RemainingBeforeVerification(12))
}
