package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdentity = "alice@example.com"

var digitPattern = regexp.MustCompile(`[0-9]`)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Tier1Max:              2,
		Tier2Max:              5,
		Tier3Max:              10,
		Tier4Max:              14,
		FailureWindow:         24 * time.Hour,
		LockDuration:          24 * time.Hour,
		UnlockTokenTTL:        24 * time.Hour,
		CodeTTL:               10 * time.Minute,
		CodeMaxAttempts:       5,
		ResendWindow:          5 * time.Minute,
		ResendMaxPerWindow:    3,
		CaptchaMinTokenLength: 10,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pipelineFixture struct {
	p        *SecurityPipeline
	clock    *TestClock
	attempts *MemoryAttemptStore
	locks    *MemoryLockStore
	codes    *MemoryCodeStore
	notifier *MockNotifier
}

func newPipelineFixture(t *testing.T, opts ...PipelineOption) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		clock:    NewTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		attempts: NewMemoryAttemptStore(),
		locks:    NewMemoryLockStore(),
		codes:    NewMemoryCodeStore(),
		notifier: &MockNotifier{},
	}

	opts = append([]PipelineOption{WithClock(f.clock.Now)}, opts...)
	p, err := NewSecurityPipeline(f.attempts, f.locks, f.codes, f.notifier, testSecurityConfig(), discardLogger(), opts...)
	require.NoError(t, err)
	f.p = p
	return f
}

func (f *pipelineFixture) failure() AttemptRecord {
	return AttemptRecord{Identity: testIdentity, Origin: "203.0.113.7", FailureReason: models.FailureInvalidCredentials}
}

// seedFailures appends n failed rows without triggering any consequences
func (f *pipelineFixture) seedFailures(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		require.NoError(t, f.p.RecordAttempt(context.Background(), f.failure()))
	}
}

// failLogins runs n failed logins through OnFailedLogin and returns the last outcome
func (f *pipelineFixture) failLogins(t *testing.T, n int) *models.FailureOutcome {
	t.Helper()
	var outcome *models.FailureOutcome
	for i := 0; i < n; i++ {
		f.clock.Advance(time.Second)
		var err error
		outcome, err = f.p.OnFailedLogin(context.Background(), f.failure())
		require.NoError(t, err)
	}
	return outcome
}

func sequence(values ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[i%len(values)]
		i++
		return v, nil
	}
}

func TestNewSecurityPipeline_RejectsInvalidPolicy(t *testing.T) {
	cfg := testSecurityConfig()
	cfg.Tier3Max = cfg.Tier2Max

	_, err := NewSecurityPipeline(NewMemoryAttemptStore(), NewMemoryLockStore(), NewMemoryCodeStore(), &MockNotifier{}, cfg, discardLogger())

	assert.ErrorIs(t, err, models.ErrInvalidPolicy)
}

func TestSecurityPipeline_Check_Thresholds(t *testing.T) {
	tests := []struct {
		failures     int
		tier         int
		allowed      bool
		captcha      bool
		verification bool
	}{
		{0, models.TierNormal, true, false, false},
		{2, models.TierNormal, true, false, false},
		{5, models.TierThrottled, true, false, false},
		{6, models.TierCaptcha, true, true, false},
		{11, models.TierVerification, true, true, true},
		{15, models.TierBlocked, false, false, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d failures", tt.failures), func(t *testing.T) {
			f := newPipelineFixture(t)
			f.seedFailures(t, tt.failures)

			d, err := f.p.Check(context.Background(), testIdentity, "203.0.113.7")
			require.NoError(t, err)

			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.captcha, d.RequiresCaptcha)
			assert.Equal(t, tt.verification, d.RequiresVerification)
			assert.Equal(t, tt.failures, d.FailedCount)
			assert.False(t, digitPattern.MatchString(d.Message), "message must not reveal counts: %q", d.Message)
		})
	}
}

func TestSecurityPipeline_Check_IsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 7)

	first, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)
	second, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.attempts.Attempts(testIdentity), 7)
}

func TestSecurityPipeline_Check_NormalizesIdentity(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 6)

	d, err := f.p.Check(context.Background(), "  ALICE@Example.com ", "")
	require.NoError(t, err)

	assert.Equal(t, models.TierCaptcha, d.Tier)
}

func TestSecurityPipeline_Check_IgnoresFailuresOutsideWindow(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 8)
	f.clock.Advance(25 * time.Hour)

	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)

	assert.Equal(t, models.TierNormal, d.Tier)
}

func TestSecurityPipeline_OnSuccessfulLogin_DoesNotResetWindow(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 6)

	err := f.p.OnSuccessfulLogin(context.Background(), AttemptRecord{Identity: testIdentity, Tier: models.TierCaptcha})
	require.NoError(t, err)

	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.Equal(t, models.TierCaptcha, d.Tier)

	rows := f.attempts.Attempts(testIdentity)
	require.Len(t, rows, 7)
	last := rows[len(rows)-1]
	assert.True(t, last.Succeeded)
	assert.Equal(t, models.FailureNone, last.FailureReason)
	assert.Equal(t, models.TierCaptcha, last.TierAtAttempt)
}

func TestSecurityPipeline_OnFailedLogin_RecordsPostFailureTier(t *testing.T) {
	f := newPipelineFixture(t)

	outcome := f.failLogins(t, 3)

	assert.Equal(t, models.TierThrottled, outcome.Tier)
	assert.Equal(t, 3, outcome.FailedCount)

	rows := f.attempts.Attempts(testIdentity)
	require.Len(t, rows, 3)
	assert.Equal(t, models.TierNormal, rows[1].TierAtAttempt)
	assert.Equal(t, models.TierThrottled, rows[2].TierAtAttempt)
	assert.Equal(t, models.FailureInvalidCredentials, rows[2].FailureReason)
}

func TestSecurityPipeline_OnFailedLogin_Tier3WarningOnce(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	flagged := 0
	for i := 1; i <= 10; i++ {
		f.clock.Advance(time.Second)
		outcome, err := f.p.OnFailedLogin(ctx, f.failure())
		require.NoError(t, err)
		f.p.NotifyWarning(ctx, testIdentity, "203.0.113.7", outcome)

		if outcome.FirstTier3Warning {
			flagged++
			assert.Equal(t, 6, i)
			assert.Equal(t, 4, outcome.RemainingBeforeVerification)
		}
	}

	assert.Equal(t, 1, flagged)
	require.Len(t, f.notifier.Warnings, 1)
	assert.Equal(t, SentWarning{Identity: testIdentity, Failed: 6, Remaining: 4, Origin: "203.0.113.7"}, f.notifier.Warnings[0])
}

func TestSecurityPipeline_OnFailedLogin_IssuesCodeAtTier4Once(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("482913")))

	outcome := f.failLogins(t, 11)
	assert.True(t, outcome.VerificationCodeIssued)
	assert.Equal(t, models.TierVerification, outcome.Tier)

	outcome = f.failLogins(t, 1)
	assert.False(t, outcome.VerificationCodeIssued, "a live code already exists")

	require.Len(t, f.notifier.Codes, 1)
	assert.Equal(t, SentCode{Identity: testIdentity, Code: "482913", Minutes: 10, Origin: "203.0.113.7"}, f.notifier.Codes[0])
}

func TestSecurityPipeline_OnFailedLogin_CreatesLockAtTier5(t *testing.T) {
	f := newPipelineFixture(t, WithUnlockTokenGenerator(sequence("token-one")))

	f.failLogins(t, 14)
	outcome := f.failLogins(t, 1)

	require.True(t, outcome.LockCreated)
	assert.Equal(t, models.TierBlocked, outcome.Tier)
	assert.Equal(t, "token-one", outcome.UnlockToken)
	assert.Equal(t, 15, outcome.Lock.AttemptCount)
	assert.Equal(t, []string{"203.0.113.7"}, outcome.Lock.OriginsSeen)
	assert.True(t, outcome.Lock.UnlockTokenExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.False(t, digitPattern.MatchString(outcome.Message))

	require.Len(t, f.notifier.Locks, 1)
	stored := f.locks.All(testIdentity)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Notified)
	assert.NotNil(t, stored[0].NotifiedAt)

	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.Locked)
	assert.Equal(t, models.TierBlocked, d.Tier)
}

func TestSecurityPipeline_OnFailedLogin_RefreshesExistingLock(t *testing.T) {
	f := newPipelineFixture(t)

	f.failLogins(t, 15)
	f.clock.Advance(time.Second)
	rec := f.failure()
	rec.Origin = "198.51.100.2"
	outcome, err := f.p.OnFailedLogin(context.Background(), rec)
	require.NoError(t, err)

	assert.False(t, outcome.LockCreated)
	assert.Empty(t, outcome.UnlockToken)
	assert.Equal(t, 16, outcome.Lock.AttemptCount)
	assert.Equal(t, []string{"198.51.100.2", "203.0.113.7"}, outcome.Lock.OriginsSeen)
	assert.Len(t, f.locks.All(testIdentity), 1)
	assert.Len(t, f.notifier.Locks, 1, "only the creating failure sends the lock email")
}

func TestSecurityPipeline_OnFailedLogin_ConcurrentLockCreation(t *testing.T) {
	f := newPipelineFixture(t)
	f.failLogins(t, 14)

	var wg sync.WaitGroup
	outcomes := make([]*models.FailureOutcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.p.OnFailedLogin(context.Background(), f.failure())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	created := 0
	for _, o := range outcomes {
		if o.LockCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	locks := f.locks.All(testIdentity)
	require.Len(t, locks, 1)
	assert.True(t, locks[0].IsActive)
	assert.Equal(t, 16, locks[0].AttemptCount)
	assert.Len(t, f.notifier.Locks, 1)
}

func TestSecurityPipeline_OnFailedLogin_ConcurrentTier3Crossing(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 5)

	const writers = 3
	var arrived sync.WaitGroup
	arrived.Add(writers)
	f.attempts.BeforeRecordFailure = func() {
		arrived.Done()
		arrived.Wait()
	}

	var wg sync.WaitGroup
	outcomes := make([]*models.FailureOutcome, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.p.OnFailedLogin(context.Background(), f.failure())
		}(i)
	}
	wg.Wait()

	counts := make([]int, 0, writers)
	flagged := 0
	for i, o := range outcomes {
		require.NoError(t, errs[i])
		counts = append(counts, o.FailedCount)
		if o.FirstTier3Warning {
			flagged++
			assert.Equal(t, 6, o.FailedCount)
		}
	}
	assert.Equal(t, 1, flagged, "only the sixth failure raises the warning")
	assert.ElementsMatch(t, []int{6, 7, 8}, counts)

	rows := f.attempts.Attempts(testIdentity)
	require.Len(t, rows, 5+writers)
	for _, row := range rows[5:] {
		assert.Equal(t, models.TierCaptcha, row.TierAtAttempt)
	}
}

func TestSecurityPipeline_OnFailedLogin_TokenCollisionRetried(t *testing.T) {
	f := newPipelineFixture(t, WithUnlockTokenGenerator(sequence("dup", "dup", "fresh")))

	// Occupy "dup" with a resolved lock for another identity
	_, _, err := f.locks.Upsert(context.Background(), &models.AccountLock{Identity: "bob@example.com", UnlockToken: "dup"})
	require.NoError(t, err)

	f.failLogins(t, 14)
	outcome := f.failLogins(t, 1)

	require.True(t, outcome.LockCreated)
	assert.Equal(t, "fresh", outcome.UnlockToken)
}

func TestSecurityPipeline_LockEmailFailureKeepsLock(t *testing.T) {
	f := newPipelineFixture(t)
	f.notifier.SendAccountLockedEmailFunc = func(ctx context.Context, lock *models.AccountLock) error {
		return errors.New("smtp unavailable")
	}

	outcome := f.failLogins(t, 15)

	assert.True(t, outcome.LockCreated)
	stored := f.locks.All(testIdentity)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].IsActive)
	assert.False(t, stored[0].Notified)
}

func TestSecurityPipeline_OnBlockedAttempt(t *testing.T) {
	t.Run("active lock records rate limited attempt", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.failLogins(t, 15)

		d, err := f.p.Check(context.Background(), testIdentity, "")
		require.NoError(t, err)

		outcome, err := f.p.OnBlockedAttempt(context.Background(), f.failure(), d)
		require.NoError(t, err)

		assert.Equal(t, models.TierBlocked, outcome.Tier)
		rows := f.attempts.Attempts(testIdentity)
		last := rows[len(rows)-1]
		assert.Equal(t, models.FailureRateLimited, last.FailureReason)
		assert.Equal(t, models.TierBlocked, last.TierAtAttempt)
		assert.Len(t, f.locks.All(testIdentity), 1)
	})

	t.Run("blocked without lock creates one", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.seedFailures(t, 15)

		d, err := f.p.Check(context.Background(), testIdentity, "")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		require.False(t, d.Locked)

		outcome, err := f.p.OnBlockedAttempt(context.Background(), f.failure(), d)
		require.NoError(t, err)

		assert.True(t, outcome.LockCreated)
		assert.Len(t, f.notifier.Locks, 1)
	})
}

func TestSecurityPipeline_UnlockWithToken(t *testing.T) {
	f := newPipelineFixture(t)
	outcome := f.failLogins(t, 15)
	f.clock.Advance(time.Hour)

	result, err := f.p.UnlockWithToken(context.Background(), outcome.UnlockToken)
	require.NoError(t, err)
	assert.Equal(t, models.UnlockSuccess, result)
	assert.Equal(t, []string{testIdentity}, f.notifier.Unlocks)

	stored := f.locks.All(testIdentity)[0]
	assert.False(t, stored.IsActive)
	require.NotNil(t, stored.UnlockedBy)
	assert.Equal(t, models.UnlockByToken, *stored.UnlockedBy)

	// Failures before the unlock no longer count
	f.clock.Advance(time.Second)
	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, models.TierNormal, d.Tier)

	again, err := f.p.UnlockWithToken(context.Background(), outcome.UnlockToken)
	require.NoError(t, err)
	assert.Equal(t, models.UnlockInvalidOrExpired, again)
}

func TestSecurityPipeline_UnlockWithToken_Invalid(t *testing.T) {
	f := newPipelineFixture(t)
	outcome := f.failLogins(t, 15)

	tests := []struct {
		name    string
		token   string
		advance time.Duration
	}{
		{"empty", "", 0},
		{"unknown", "no-such-token", 0},
		{"expired", outcome.UnlockToken, 24*time.Hour + time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(tt.advance)
			result, err := f.p.UnlockWithToken(context.Background(), tt.token)
			require.NoError(t, err)
			assert.Equal(t, models.UnlockInvalidOrExpired, result)
		})
	}
	assert.Empty(t, f.notifier.Unlocks)
}

func TestSecurityPipeline_UnlockWithToken_ConcurrentRedemption(t *testing.T) {
	f := newPipelineFixture(t)
	outcome := f.failLogins(t, 15)

	var wg sync.WaitGroup
	results := make([]models.UnlockResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.p.UnlockWithToken(context.Background(), outcome.UnlockToken)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []models.UnlockResult{models.UnlockSuccess, models.UnlockInvalidOrExpired}, results)
	assert.Len(t, f.notifier.Unlocks, 1)
}

func TestSecurityPipeline_LazyExpiry(t *testing.T) {
	f := newPipelineFixture(t)
	f.failLogins(t, 15)
	f.clock.Advance(25 * time.Hour)

	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.Equal(t, models.TierNormal, d.Tier)

	stored := f.locks.All(testIdentity)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].IsActive)
	require.NotNil(t, stored[0].UnlockedBy)
	assert.Equal(t, models.UnlockByExpiry, *stored[0].UnlockedBy)
}

func TestSecurityPipeline_AdminUnlock(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.p.AdminUnlock(context.Background(), testIdentity, "admin-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	f.failLogins(t, 15)
	f.clock.Advance(time.Minute)

	lock, err := f.p.AdminUnlock(context.Background(), testIdentity, "admin-1")
	require.NoError(t, err)
	require.NotNil(t, lock.UnlockedBy)
	assert.Equal(t, models.UnlockByAdmin, *lock.UnlockedBy)

	f.clock.Advance(time.Second)
	d, err := f.p.Check(context.Background(), testIdentity, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, f.notifier.Unlocks, "admin unlock sends no email")
}

func TestSecurityPipeline_VerifyCode(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("123456")))
	_, err := f.p.IssueVerificationCode(context.Background(), testIdentity, "203.0.113.7")
	require.NoError(t, err)

	res, err := f.p.VerifyCode(context.Background(), testIdentity, "000000")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalidCode, res.Outcome)

	res, err = f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 2, res.Code.Attempts)

	res, err = f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCodeExpired, res.Outcome, "a used code cannot be reused")
}

func TestSecurityPipeline_VerifyCode_Exhaustion(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("123456")))
	_, err := f.p.IssueVerificationCode(context.Background(), testIdentity, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := f.p.VerifyCode(context.Background(), testIdentity, "999999")
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeInvalidCode, res.Outcome)
	}

	res, err := f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeTooManyAttempts, res.Outcome, "the right code is refused once attempts are used up")

	codes := f.codes.All(testIdentity)
	require.Len(t, codes, 1)
	assert.Equal(t, 5, codes[0].Attempts)
	assert.False(t, codes[0].IsUsed)
}

func TestSecurityPipeline_VerifyCode_Expiry(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("123456")))
	_, err := f.p.IssueVerificationCode(context.Background(), testIdentity, "")
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute + time.Second)

	res, err := f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCodeExpired, res.Outcome)
}

func TestSecurityPipeline_VerifyCode_NoCode(t *testing.T) {
	f := newPipelineFixture(t)

	res, err := f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCodeExpired, res.Outcome)
}

func TestSecurityPipeline_NewCodeSupersedesOld(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("111111", "222222")))
	ctx := context.Background()

	_, err := f.p.IssueVerificationCode(ctx, testIdentity, "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.p.IssueVerificationCode(ctx, testIdentity, "")
	require.NoError(t, err)

	res, err := f.p.VerifyCode(ctx, testIdentity, "111111")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalidCode, res.Outcome)

	res, err = f.p.VerifyCode(ctx, testIdentity, "222222")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)

	codes := f.codes.All(testIdentity)
	require.Len(t, codes, 2)
	assert.NotNil(t, codes[0].SupersededAt)
	assert.Nil(t, codes[1].SupersededAt)
}

func TestSecurityPipeline_VerifyCode_ConcurrentSubmissions(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("123456")))
	_, err := f.p.IssueVerificationCode(context.Background(), testIdentity, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.p.VerifyCode(context.Background(), testIdentity, "123456")
			assert.NoError(t, err)
			if res != nil && res.Outcome.IsSuccess() {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	codes := f.codes.All(testIdentity)
	assert.LessOrEqual(t, codes[0].Attempts, codes[0].MaxAttempts)
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateNumericCode()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9]{6}$`, code)
	}
}

func TestSecurityPipeline_ResendVerificationCode(t *testing.T) {
	t.Run("not at verification tier sends nothing", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.seedFailures(t, 3)

		res, err := f.p.ResendVerificationCode(context.Background(), testIdentity, "")
		require.NoError(t, err)

		assert.Equal(t, models.OutcomeSuccess, res.Outcome)
		assert.Nil(t, res.Code)
		assert.Empty(t, f.notifier.Codes)
	})

	t.Run("locked account refused", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.failLogins(t, 15)

		res, err := f.p.ResendVerificationCode(context.Background(), testIdentity, "")
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeRateLimited, res.Outcome)
	})

	t.Run("limited per window", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.seedFailures(t, 11)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			res, err := f.p.ResendVerificationCode(ctx, testIdentity, "")
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeSuccess, res.Outcome)
			assert.NotNil(t, res.Code)
		}

		res, err := f.p.ResendVerificationCode(ctx, testIdentity, "")
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeResendLimited, res.Outcome)
		assert.Len(t, f.notifier.Codes, 3)

		f.clock.Advance(5*time.Minute + time.Second)
		res, err = f.p.ResendVerificationCode(ctx, testIdentity, "")
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	})
}

func TestSecurityPipeline_CodeEmailFailureKeepsCode(t *testing.T) {
	f := newPipelineFixture(t, WithCodeGenerator(sequence("123456")))
	f.notifier.SendVerificationCodeFunc = func(ctx context.Context, identity, code string, expiresInMinutes int, origin string) error {
		return errors.New("ses throttled")
	}

	_, err := f.p.IssueVerificationCode(context.Background(), testIdentity, "")
	require.NoError(t, err)

	res, err := f.p.VerifyCode(context.Background(), testIdentity, "123456")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
}

func TestSecurityPipeline_RecordAttemptError(t *testing.T) {
	f := newPipelineFixture(t)
	f.attempts.RecordErr = errors.New("connection refused")

	_, err := f.p.OnFailedLogin(context.Background(), f.failure())

	assert.Error(t, err)
	assert.Empty(t, f.locks.All(testIdentity))
}

func TestSecurityPipeline_Status(t *testing.T) {
	f := newPipelineFixture(t)
	f.seedFailures(t, 7)

	status, err := f.p.Status(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.False(t, status.IsLocked)
	assert.Equal(t, models.TierCaptcha, status.Tier)
	assert.Equal(t, 7, status.FailedCount)
	assert.True(t, status.RequiresCaptcha)

	f.failLogins(t, 8)
	f.clock.Advance(time.Hour)

	status, err = f.p.Status(context.Background(), testIdentity)
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, models.TierBlocked, status.Tier)
	assert.Equal(t, 23*60, status.MinutesRemaining)
	assert.NotNil(t, status.Lock)
}

func TestSecurityPipeline_Dashboard(t *testing.T) {
	f := newPipelineFixture(t)
	f.failLogins(t, 15)
	require.NoError(t, f.p.OnSuccessfulLogin(context.Background(), AttemptRecord{Identity: "bob@example.com"}))

	dash, err := f.p.Dashboard(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 16, dash.LastHour.Total)
	assert.Equal(t, 15, dash.LastHour.Failed)
	assert.Equal(t, 1, dash.LastHour.Successful)
	assert.Equal(t, 1, dash.LastHour.Tier5)
	assert.Equal(t, 1, dash.ActiveLocks)
	assert.Equal(t, 1, dash.LocksLast24Hours)
	assert.Len(t, dash.RecentFailedAttempts, 15)
	assert.Len(t, dash.ActiveLocksDetail, 1)
}
