package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestTimingDelay_WaitFrom_OnFailure(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   100,
		RandomDelayMs: 50,
	})
	startTime := time.Now()

	err := timing.WaitFrom(context.Background(), startTime, false, 1)

	elapsed := time.Since(startTime)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestTimingDelay_WaitFrom_OnSuccess_NoDelay(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   100,
		RandomDelayMs: 50,
	})
	startTime := time.Now()

	err := timing.WaitFrom(context.Background(), startTime, true, 1)

	assert.NoError(t, err)
	assert.Less(t, time.Since(startTime), 10*time.Millisecond)
}

func TestTimingDelay_WaitFrom_OnSuccess_WithDelay(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    100,
		DelayOnSuccess: true,
	})
	startTime := time.Now()

	err := timing.WaitFrom(context.Background(), startTime, true, 1)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(startTime), 100*time.Millisecond)
}

func TestTimingDelay_Target_ScalesWithTier(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    100,
		PerTierDelayMs: 200,
	})

	assert.Equal(t, 100*time.Millisecond, timing.Target(false, 1))
	assert.Equal(t, 300*time.Millisecond, timing.Target(false, 2))
	assert.Equal(t, 700*time.Millisecond, timing.Target(false, 4))
	assert.Equal(t, time.Duration(0), timing.Target(true, 4))
}

func TestTimingDelay_WaitFrom_SubtractsElapsed(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 100})
	startTime := time.Now().Add(-80 * time.Millisecond)
	before := time.Now()

	err := timing.WaitFrom(context.Background(), startTime, false, 1)

	elapsed := time.Since(before)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	assert.Less(t, elapsed, 90*time.Millisecond)
}

func TestTimingDelay_WaitFrom_AlreadyElapsed(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 50})
	before := time.Now()

	err := timing.WaitFrom(context.Background(), time.Now().Add(-time.Second), false, 1)

	assert.NoError(t, err)
	assert.Less(t, time.Since(before), 10*time.Millisecond)
}

func TestTimingDelay_WaitFrom_ContextCancelled(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := timing.WaitFrom(ctx, time.Now(), false, 1)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestTimingDelay_RandomDelayVaries(t *testing.T) {
	timing := auth.NewTimingDelay(auth.TimingConfig{RandomDelayMs: 1000})

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := timing.Target(false, 1)
		assert.Less(t, d, time.Second)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1)
}
