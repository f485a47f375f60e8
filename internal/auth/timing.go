package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig holds configuration for timing attack prevention and tier throttling
type TimingConfig struct {
	BaseDelayMs    int  // Base delay in milliseconds
	RandomDelayMs  int  // Random delay range in milliseconds
	DelayOnSuccess bool // If true, delay even on successful login
	PerTierDelayMs int  // Extra delay per security tier above the first
}

// TimingDelay applies a near-constant delay to failed authentications so that
// "user not found" and "password incorrect" are indistinguishable, and slows
// down identities that have reached the throttled tiers.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{
		config: config,
	}
}

// cryptoRandIntn returns a secure random number between 0 and n (exclusive)
func cryptoRandIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return 0, err
	}

	randomValue := binary.BigEndian.Uint64(randomBytes)
	return int(randomValue % uint64(n)), nil
}

// Target returns the total delay for an outcome at the given security tier.
// Zero means no delay applies.
func (td *TimingDelay) Target(success bool, tier int) time.Duration {
	if success && !td.config.DelayOnSuccess {
		return 0
	}

	delay := time.Duration(td.config.BaseDelayMs) * time.Millisecond
	if td.config.RandomDelayMs > 0 {
		if randomValue, err := cryptoRandIntn(td.config.RandomDelayMs); err == nil {
			delay += time.Duration(randomValue) * time.Millisecond
		}
	}
	if !success && tier > 1 {
		delay += time.Duration((tier-1)*td.config.PerTierDelayMs) * time.Millisecond
	}

	return delay
}

// WaitFrom sleeps until at least the target delay has elapsed since startTime.
// Time already spent on the request counts towards the delay.
func (td *TimingDelay) WaitFrom(ctx context.Context, startTime time.Time, success bool, tier int) error {
	remaining := td.Target(success, tier) - time.Since(startTime)
	return sleepCtx(ctx, remaining)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
