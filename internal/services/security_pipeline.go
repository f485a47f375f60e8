package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/events"
	"github.com/BradenHooton/loginguard/internal/metrics"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/pkg/logger"
	"github.com/jaevor/go-nanoid"
)

const (
	unlockTokenLength  = 48
	verificationDigits = 6
	maxTokenRetries    = 3

	dashboardRecentFailures = 20
	dashboardActiveLocks    = 50
)

// AttemptLogRepository is the append-only attempt store the pipeline reads failure counts from
type AttemptLogRepository interface {
	Record(ctx context.Context, attempt *models.AttemptLog) error
	// RecordFailure appends a failed attempt and returns the failure count at or
	// after since including it. Concurrent calls for one identity get distinct counts.
	RecordFailure(ctx context.Context, attempt *models.AttemptLog, since time.Time, tierFor func(failedCount int) int) (int, error)
	CountFailuresSince(ctx context.Context, identity string, since time.Time) (int, error)
	ListFailureOrigins(ctx context.Context, identity string, since time.Time) ([]string, error)
	Stats(ctx context.Context, since time.Time) (models.AttemptStats, error)
	RecentFailures(ctx context.Context, limit int) ([]*models.AttemptLog, error)
}

// AccountLockRepository stores locks; every mutation must be a single conditional write
type AccountLockRepository interface {
	Upsert(ctx context.Context, lock *models.AccountLock) (*models.AccountLock, bool, error)
	GetActive(ctx context.Context, identity string) (*models.AccountLock, error)
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
	RedeemToken(ctx context.Context, token string, now time.Time) (*models.AccountLock, error)
	AdminUnlock(ctx context.Context, identity string, now time.Time) (*models.AccountLock, error)
	MarkNotified(ctx context.Context, id string, now time.Time) error
	LatestUnlockAt(ctx context.Context, identity string) (*time.Time, error)
	CountLockedSince(ctx context.Context, since time.Time) (int, error)
	CountActive(ctx context.Context) (int, error)
	ListActive(ctx context.Context, limit int) ([]*models.AccountLock, error)
}

// VerificationCodeRepository stores tier-4 verification codes
type VerificationCodeRepository interface {
	Issue(ctx context.Context, code *models.VerificationCode) (*models.VerificationCode, error)
	GetLatestLive(ctx context.Context, identity string) (*models.VerificationCode, error)
	IncrementAttempts(ctx context.Context, id string) (*models.VerificationCode, error)
	MarkUsed(ctx context.Context, id string, now time.Time) (bool, error)
	CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error)
}

// AttemptRecord describes one login attempt to be appended to the attempt log
type AttemptRecord struct {
	Identity      string
	Origin        string
	UserAgent     string
	Succeeded     bool
	FailureReason models.FailureReason
	Tier          int
	ResponseTime  time.Duration
}

// SecurityPipeline orchestrates tier classification, account locks and
// verification codes around an external credential check.
type SecurityPipeline struct {
	attempts   AttemptLogRepository
	locks      AccountLockRepository
	codes      VerificationCodeRepository
	notifier   NotificationGateway
	classifier *TierClassifier
	cfg        config.SecurityConfig
	logger     *slog.Logger

	metrics        *metrics.SecurityMetrics
	events         events.Publisher
	now            func() time.Time
	newUnlockToken func() (string, error)
	newCode        func() (string, error)
}

// PipelineOption configures optional SecurityPipeline collaborators
type PipelineOption func(*SecurityPipeline)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) PipelineOption {
	return func(p *SecurityPipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMetrics records pipeline activity in m; nil disables metrics
func WithMetrics(m *metrics.SecurityMetrics) PipelineOption {
	return func(p *SecurityPipeline) {
		p.metrics = m
	}
}

// WithEventPublisher sends security events to pub
func WithEventPublisher(pub events.Publisher) PipelineOption {
	return func(p *SecurityPipeline) {
		if pub != nil {
			p.events = pub
		}
	}
}

// WithUnlockTokenGenerator overrides the nanoid unlock token source
func WithUnlockTokenGenerator(gen func() (string, error)) PipelineOption {
	return func(p *SecurityPipeline) {
		if gen != nil {
			p.newUnlockToken = gen
		}
	}
}

// WithCodeGenerator overrides the crypto/rand verification code source
func WithCodeGenerator(gen func() (string, error)) PipelineOption {
	return func(p *SecurityPipeline) {
		if gen != nil {
			p.newCode = gen
		}
	}
}

// NewSecurityPipeline wires the pipeline. cfg is validated; the tier policy comes from it.
func NewSecurityPipeline(
	attempts AttemptLogRepository,
	locks AccountLockRepository,
	codes VerificationCodeRepository,
	notifier NotificationGateway,
	cfg config.SecurityConfig,
	logger *slog.Logger,
	opts ...PipelineOption,
) (*SecurityPipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPolicy, err)
	}

	classifier, err := NewTierClassifier(TierPolicyFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	tokenGen, err := nanoid.Standard(unlockTokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create unlock token generator: %w", err)
	}

	p := &SecurityPipeline{
		attempts:   attempts,
		locks:      locks,
		codes:      codes,
		notifier:   notifier,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
		events:     events.NopPublisher{},
		now:        time.Now,
		newCode:    generateNumericCode,
	}
	p.newUnlockToken = func() (string, error) {
		return tokenGen(), nil
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// NormalizeIdentity lower-cases and trims a login identifier
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Classifier exposes the tier classifier the pipeline uses
func (p *SecurityPipeline) Classifier() *TierClassifier {
	return p.classifier
}

// Check evaluates the pre-credential security state for identity.
// Apart from persisting a lapsed lock as UNLOCKED(expiry) it has no side effects,
// so repeated calls without new attempts return the same decision.
func (p *SecurityPipeline) Check(ctx context.Context, identity, origin string) (*models.SecurityDecision, error) {
	identity = NormalizeIdentity(identity)
	now := p.now()

	lock, err := p.activeLock(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	if lock != nil {
		p.metrics.ObserveDecision(models.TierBlocked, false)
		return &models.SecurityDecision{
			Allowed: false,
			Tier:    models.TierBlocked,
			Blocked: true,
			Locked:  true,
			Message: msgAccountLocked,
			Lock:    lock,
		}, nil
	}

	count, err := p.failuresInWindow(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	d := p.classifier.Classify(count)
	p.metrics.ObserveDecision(d.Tier, !d.Blocked)

	return &models.SecurityDecision{
		Allowed:              !d.Blocked,
		Tier:                 d.Tier,
		FailedCount:          d.FailedCount,
		Throttle:             d.Throttle,
		RequiresCaptcha:      d.RequiresCaptcha,
		RequiresVerification: d.RequiresVerification,
		Blocked:              d.Blocked,
		Message:              d.Message,
	}, nil
}

// RecordAttempt appends one row to the attempt log. It must be called for every
// attempt, including ones rejected before the credential check.
func (p *SecurityPipeline) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	attempt := p.attemptRow(rec)
	if err := p.attempts.Record(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}

	p.metrics.ObserveAttempt(attempt.Succeeded, attempt.TierAtAttempt)
	return nil
}

func (p *SecurityPipeline) attemptRow(rec AttemptRecord) *models.AttemptLog {
	attempt := &models.AttemptLog{
		Identity:       NormalizeIdentity(rec.Identity),
		Origin:         rec.Origin,
		UserAgent:      rec.UserAgent,
		Succeeded:      rec.Succeeded,
		FailureReason:  rec.FailureReason,
		TierAtAttempt:  rec.Tier,
		ResponseTimeMs: int(rec.ResponseTime.Milliseconds()),
		OccurredAt:     p.now(),
	}
	if attempt.TierAtAttempt < models.TierNormal {
		attempt.TierAtAttempt = models.TierNormal
	}
	if attempt.Succeeded {
		attempt.FailureReason = models.FailureNone
	}
	return attempt
}

// OnSuccessfulLogin records a success. Failure history is kept and the window is not reset.
func (p *SecurityPipeline) OnSuccessfulLogin(ctx context.Context, rec AttemptRecord) error {
	rec.Succeeded = true
	if err := p.RecordAttempt(ctx, rec); err != nil {
		return err
	}

	p.publish(ctx, events.SecurityEvent{
		Type:     events.TypeLoginSucceeded,
		Identity: NormalizeIdentity(rec.Identity),
		Origin:   rec.Origin,
		Tier:     rec.Tier,
	})
	return nil
}

// OnFailedLogin records the failure, classifies it with the failure count the
// store assigned to that row, and applies the tier's consequences: a lock at
// tier 5, a fresh verification code at tier 4, and the one-time warning flag on
// entering tier 3.
func (p *SecurityPipeline) OnFailedLogin(ctx context.Context, rec AttemptRecord) (*models.FailureOutcome, error) {
	identity := NormalizeIdentity(rec.Identity)
	now := p.now()

	since, err := p.windowStart(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	rec.Identity = identity
	rec.Succeeded = false
	if rec.FailureReason == models.FailureNone {
		rec.FailureReason = models.FailureInvalidCredentials
	}

	// The count comes from the write itself so concurrent failures never share a rank
	attempt := p.attemptRow(rec)
	post, err := p.attempts.RecordFailure(ctx, attempt, since, func(n int) int {
		return p.classifier.Classify(n).Tier
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record login attempt: %w", err)
	}
	p.metrics.ObserveAttempt(false, attempt.TierAtAttempt)

	d := p.classifier.Classify(post)

	outcome := &models.FailureOutcome{
		Tier:        d.Tier,
		FailedCount: post,
		Message:     d.Message,
	}

	switch {
	case d.Blocked:
		lock, created, err := p.createOrRefreshLock(ctx, identity, rec.Origin, post, now)
		if err != nil {
			return nil, err
		}
		outcome.Lock = lock
		outcome.LockCreated = created
		if created {
			outcome.UnlockToken = lock.UnlockToken
			p.notifyLocked(ctx, lock)
		}

	case d.Tier == models.TierVerification:
		live, err := p.hasLiveCode(ctx, identity, now)
		if err != nil {
			return nil, err
		}
		if !live {
			if _, err := p.IssueVerificationCode(ctx, identity, rec.Origin); err != nil {
				return nil, err
			}
			outcome.VerificationCodeIssued = true
		}
	}

	if p.classifier.IsFirstTier3Crossing(post) {
		outcome.FirstTier3Warning = true
		outcome.RemainingBeforeVerification = p.classifier.RemainingBeforeVerification(post)
		p.publish(ctx, events.SecurityEvent{
			Type:     events.TypeTier3Warning,
			Identity: identity,
			Origin:   rec.Origin,
			Tier:     d.Tier,
		})
	}

	return outcome, nil
}

// OnBlockedAttempt records an attempt rejected by Check. An identity that reached
// tier 5 without an active lock goes through OnFailedLogin so the lock gets created.
func (p *SecurityPipeline) OnBlockedAttempt(ctx context.Context, rec AttemptRecord, decision *models.SecurityDecision) (*models.FailureOutcome, error) {
	rec.FailureReason = models.FailureRateLimited

	if decision == nil || !decision.Locked {
		return p.OnFailedLogin(ctx, rec)
	}

	rec.Succeeded = false
	rec.Tier = models.TierBlocked
	if err := p.RecordAttempt(ctx, rec); err != nil {
		return nil, err
	}

	p.publish(ctx, events.SecurityEvent{
		Type:     events.TypeLoginBlocked,
		Identity: NormalizeIdentity(rec.Identity),
		Origin:   rec.Origin,
		Tier:     models.TierBlocked,
	})

	return &models.FailureOutcome{
		Tier:        models.TierBlocked,
		FailedCount: decision.FailedCount,
		Message:     msgAccountLocked,
		Lock:        decision.Lock,
	}, nil
}

// UnlockWithToken redeems an emailed unlock token. Unknown, expired, used and
// inactive tokens are indistinguishable to the caller.
func (p *SecurityPipeline) UnlockWithToken(ctx context.Context, token string) (models.UnlockResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		p.metrics.ObserveUnlockRejected()
		return models.UnlockInvalidOrExpired, nil
	}

	lock, err := p.locks.RedeemToken(ctx, token, p.now())
	if errors.Is(err, models.ErrNotFound) {
		p.metrics.ObserveUnlockRejected()
		return models.UnlockInvalidOrExpired, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to redeem unlock token: %w", err)
	}

	p.metrics.ObserveUnlock(string(models.UnlockByToken))
	p.logger.Info("account unlocked",
		slog.String("identity", logger.SanitizedEmail(lock.Identity)),
		slog.String("method", string(models.UnlockByToken)),
		slog.String("lock_id", lock.ID))
	p.publish(ctx, events.SecurityEvent{
		Type:     events.TypeAccountUnlocked,
		Identity: lock.Identity,
		Detail:   string(models.UnlockByToken),
	})

	err = p.notifier.SendUnlockSuccessEmail(ctx, lock.Identity)
	p.observeNotification(notifyUnlockSuccess, lock.Identity, err)

	return models.UnlockSuccess, nil
}

// AdminUnlock resolves identity's active lock on behalf of an operator.
// It returns models.ErrNotFound when there is no active lock.
func (p *SecurityPipeline) AdminUnlock(ctx context.Context, identity, actor string) (*models.AccountLock, error) {
	identity = NormalizeIdentity(identity)

	lock, err := p.locks.AdminUnlock(ctx, identity, p.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to unlock account: %w", err)
	}

	p.metrics.ObserveUnlock(string(models.UnlockByAdmin))
	p.logger.Info("account unlocked",
		slog.String("identity", logger.SanitizedEmail(identity)),
		slog.String("method", string(models.UnlockByAdmin)),
		slog.String("actor", actor),
		slog.String("lock_id", lock.ID))
	p.publish(ctx, events.SecurityEvent{
		Type:     events.TypeAccountUnlocked,
		Identity: identity,
		Detail:   string(models.UnlockByAdmin),
	})

	return lock, nil
}

// IssueVerificationCode stores a fresh code, voiding older unused ones, and emails it
func (p *SecurityPipeline) IssueVerificationCode(ctx context.Context, identity, origin string) (*models.VerificationCode, error) {
	identity = NormalizeIdentity(identity)
	now := p.now()

	digits, err := p.newCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification code: %w", err)
	}

	code, err := p.codes.Issue(ctx, &models.VerificationCode{
		Identity:    identity,
		Code:        digits,
		Origin:      origin,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.cfg.CodeTTL),
		MaxAttempts: p.cfg.CodeMaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store verification code: %w", err)
	}

	p.metrics.ObserveCode("issued")
	p.publish(ctx, events.SecurityEvent{
		Type:     events.TypeCodeIssued,
		Identity: identity,
		Origin:   origin,
		Tier:     models.TierVerification,
	})

	err = p.notifier.SendVerificationCode(ctx, identity, code.Code, int(p.cfg.CodeTTL.Minutes()), origin)
	p.observeNotification(notifyVerificationCode, identity, err)

	return code, nil
}

// VerifyCode checks a submitted code against the newest live code for identity.
// Every check that reaches a live code consumes one attempt, matching or not.
func (p *SecurityPipeline) VerifyCode(ctx context.Context, identity, submitted string) (*models.CodeResult, error) {
	identity = NormalizeIdentity(identity)
	now := p.now()

	result, err := p.verifyCode(ctx, identity, strings.TrimSpace(submitted), now)
	if err != nil {
		return nil, err
	}

	p.metrics.ObserveCode(string(result.Outcome))
	return result, nil
}

func (p *SecurityPipeline) verifyCode(ctx context.Context, identity, submitted string, now time.Time) (*models.CodeResult, error) {
	code, err := p.codes.GetLatestLive(ctx, identity)
	if errors.Is(err, models.ErrNotFound) {
		return codeExpired(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load verification code: %w", err)
	}

	if code.IsExpired(now) {
		return codeExpired(), nil
	}
	if code.IsExhausted() {
		return tooManyAttempts(code), nil
	}

	updated, err := p.codes.IncrementAttempts(ctx, code.ID)
	if errors.Is(err, models.ErrNotFound) {
		return p.lostCodeRace(ctx, identity, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record verification attempt: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(updated.Code), []byte(submitted)) != 1 {
		return &models.CodeResult{
			Outcome: models.OutcomeInvalidCode,
			Message: "Invalid verification code.",
			Code:    updated,
		}, nil
	}

	used, err := p.codes.MarkUsed(ctx, updated.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification code: %w", err)
	}
	if !used {
		return codeExpired(), nil
	}

	return &models.CodeResult{
		Outcome: models.OutcomeSuccess,
		Message: "Verification successful.",
		Code:    updated,
	}, nil
}

// lostCodeRace decides what a caller sees when the code changed between read and increment.
// A code still current was exhausted concurrently; anything else was used or superseded.
func (p *SecurityPipeline) lostCodeRace(ctx context.Context, identity string, seen *models.VerificationCode) (*models.CodeResult, error) {
	current, err := p.codes.GetLatestLive(ctx, identity)
	if errors.Is(err, models.ErrNotFound) {
		return codeExpired(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reload verification code: %w", err)
	}

	if current.ID == seen.ID && current.IsExhausted() {
		return tooManyAttempts(current), nil
	}
	return codeExpired(), nil
}

func codeExpired() *models.CodeResult {
	return &models.CodeResult{
		Outcome: models.OutcomeCodeExpired,
		Message: "Verification code expired. Please request a new code.",
	}
}

func tooManyAttempts(code *models.VerificationCode) *models.CodeResult {
	return &models.CodeResult{
		Outcome: models.OutcomeTooManyAttempts,
		Message: "Too many incorrect attempts. Please request a new code.",
		Code:    code,
	}
}

// ResendVerificationCode issues a replacement code on request. It is refused while
// the account is locked and limited per identity. Identities that are not at the
// verification tier get the same success response without a code being sent.
func (p *SecurityPipeline) ResendVerificationCode(ctx context.Context, identity, origin string) (*models.CodeResult, error) {
	identity = NormalizeIdentity(identity)
	now := p.now()

	lock, err := p.activeLock(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	if lock != nil {
		return &models.CodeResult{Outcome: models.OutcomeRateLimited, Message: msgAccountLocked}, nil
	}

	recent, err := p.codes.CountIssuedSince(ctx, identity, now.Add(-p.cfg.ResendWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent codes: %w", err)
	}
	if recent >= p.cfg.ResendMaxPerWindow {
		return &models.CodeResult{
			Outcome: models.OutcomeResendLimited,
			Message: "Too many code requests. Please wait a few minutes before trying again.",
		}, nil
	}

	sent := &models.CodeResult{
		Outcome: models.OutcomeSuccess,
		Message: "If a verification is pending for this account, a new code has been sent.",
	}

	count, err := p.failuresInWindow(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	if p.classifier.Classify(count).Tier != models.TierVerification {
		return sent, nil
	}

	code, err := p.IssueVerificationCode(ctx, identity, origin)
	if err != nil {
		return nil, err
	}
	sent.Code = code
	return sent, nil
}

// Status is the operator view of an identity's security state
func (p *SecurityPipeline) Status(ctx context.Context, identity string) (*models.SecurityStatus, error) {
	identity = NormalizeIdentity(identity)
	now := p.now()

	lock, err := p.activeLock(ctx, identity, now)
	if err != nil {
		return nil, err
	}

	count, err := p.failuresInWindow(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	d := p.classifier.Classify(count)

	status := &models.SecurityStatus{
		Identity:             identity,
		Tier:                 d.Tier,
		FailedCount:          count,
		RequiresCaptcha:      d.RequiresCaptcha,
		RequiresVerification: d.RequiresVerification,
		Message:              d.Message,
	}

	if lock != nil {
		remaining := lock.ExpiresAt(p.cfg.LockDuration).Sub(now)
		status.IsLocked = true
		status.Tier = models.TierBlocked
		status.MinutesRemaining = int(math.Ceil(remaining.Minutes()))
		status.Message = msgAccountLocked
		status.Lock = lock
	}

	return status, nil
}

// Dashboard summarises the last hour and day of login security activity
func (p *SecurityPipeline) Dashboard(ctx context.Context) (*models.SecurityDashboard, error) {
	now := p.now()
	dayAgo := now.Add(-24 * time.Hour)

	lastHour, err := p.attempts.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load hourly stats: %w", err)
	}
	lastDay, err := p.attempts.Stats(ctx, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}
	locked, err := p.locks.CountLockedSince(ctx, dayAgo)
	if err != nil {
		return nil, fmt.Errorf("failed to count locks: %w", err)
	}
	active, err := p.locks.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count active locks: %w", err)
	}
	failures, err := p.attempts.RecentFailures(ctx, dashboardRecentFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent failures: %w", err)
	}
	activeLocks, err := p.locks.ListActive(ctx, dashboardActiveLocks)
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}

	return &models.SecurityDashboard{
		GeneratedAt:          now,
		LastHour:             lastHour,
		Last24Hours:          lastDay,
		LocksLast24Hours:     locked,
		ActiveLocks:          active,
		RecentFailedAttempts: failures,
		ActiveLocksDetail:    activeLocks,
	}, nil
}

// activeLock returns identity's active lock, or nil. A lock past its duration is
// resolved as UNLOCKED(expiry) here and treated as absent.
func (p *SecurityPipeline) activeLock(ctx context.Context, identity string, now time.Time) (*models.AccountLock, error) {
	lock, err := p.locks.GetActive(ctx, identity)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account lock: %w", err)
	}

	if !lock.IsLapsed(now, p.cfg.LockDuration) {
		return lock, nil
	}

	expired, err := p.locks.Expire(ctx, lock.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire account lock: %w", err)
	}
	if expired {
		p.metrics.ObserveUnlock(string(models.UnlockByExpiry))
		p.logger.Info("account lock expired",
			slog.String("identity", logger.SanitizedEmail(identity)),
			slog.String("lock_id", lock.ID))
		p.publish(ctx, events.SecurityEvent{
			Type:     events.TypeAccountUnlocked,
			Identity: identity,
			Detail:   string(models.UnlockByExpiry),
		})
	}

	return nil, nil
}

// windowStart is the later of now-FailureWindow and the identity's last unlock,
// so failures that led to a resolved lock no longer count.
func (p *SecurityPipeline) windowStart(ctx context.Context, identity string, now time.Time) (time.Time, error) {
	since := now.Add(-p.cfg.FailureWindow)

	unlockedAt, err := p.locks.LatestUnlockAt(ctx, identity)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last unlock: %w", err)
	}
	if unlockedAt != nil && unlockedAt.After(since) {
		since = *unlockedAt
	}
	return since, nil
}

func (p *SecurityPipeline) failuresInWindow(ctx context.Context, identity string, now time.Time) (int, error) {
	since, err := p.windowStart(ctx, identity, now)
	if err != nil {
		return 0, err
	}

	count, err := p.attempts.CountFailuresSince(ctx, identity, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return count, nil
}

func (p *SecurityPipeline) hasLiveCode(ctx context.Context, identity string, now time.Time) (bool, error) {
	code, err := p.codes.GetLatestLive(ctx, identity)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load verification code: %w", err)
	}
	return code.IsLive(now), nil
}

// createOrRefreshLock upserts the identity's active lock. A token collision is retried with a new token.
func (p *SecurityPipeline) createOrRefreshLock(ctx context.Context, identity, origin string, failedCount int, now time.Time) (*models.AccountLock, bool, error) {
	since, err := p.windowStart(ctx, identity, now)
	if err != nil {
		return nil, false, err
	}

	origins, err := p.attempts.ListFailureOrigins(ctx, identity, since)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list failure origins: %w", err)
	}
	origins = appendUnique(origins, origin)

	// Recount after recording so concurrent failures are all reflected
	count, err := p.attempts.CountFailuresSince(ctx, identity, since)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	if count < failedCount {
		count = failedCount
	}

	for i := 0; i < maxTokenRetries; i++ {
		token, err := p.newUnlockToken()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate unlock token: %w", err)
		}

		lock, created, err := p.locks.Upsert(ctx, &models.AccountLock{
			Identity:             identity,
			IsActive:             true,
			Reason:               models.LockReasonTooManyFailures,
			AttemptCount:         count,
			OriginsSeen:          origins,
			UnlockToken:          token,
			UnlockTokenExpiresAt: now.Add(p.cfg.UnlockTokenTTL),
			LockedAt:             now,
		})
		if errors.Is(err, models.ErrConflict) {
			p.logger.Warn("unlock token collision, retrying", slog.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to upsert account lock: %w", err)
		}

		p.metrics.ObserveLock(created)
		if created {
			p.logger.Warn("account locked",
				slog.String("identity", logger.SanitizedEmail(identity)),
				slog.Int("failed_attempts", lock.AttemptCount),
				slog.Int("origins", len(lock.OriginsSeen)),
				slog.String("lock_id", lock.ID))
			p.publish(ctx, events.SecurityEvent{
				Type:     events.TypeAccountLocked,
				Identity: identity,
				Origin:   origin,
				Tier:     models.TierBlocked,
			})
		}
		return lock, created, nil
	}

	return nil, false, fmt.Errorf("failed to upsert account lock: unlock token collided %d times", maxTokenRetries)
}

// notifyLocked sends the lock email and marks the lock notified on success.
// Failures are logged only; the lock stays committed.
func (p *SecurityPipeline) notifyLocked(ctx context.Context, lock *models.AccountLock) {
	err := p.notifier.SendAccountLockedEmail(ctx, lock)
	p.observeNotification(notifyAccountLocked, lock.Identity, err)
	if err != nil {
		return
	}

	notifiedAt := p.now()
	if err := p.locks.MarkNotified(ctx, lock.ID, notifiedAt); err != nil {
		p.logger.Error("failed to mark lock notified",
			slog.String("lock_id", lock.ID),
			slog.Any("error", err))
		return
	}
	lock.Notified = true
	lock.NotifiedAt = &notifiedAt
}

// NotifyWarning sends the one-time tier-3 warning email for a failure outcome that flagged it
func (p *SecurityPipeline) NotifyWarning(ctx context.Context, identity, origin string, outcome *models.FailureOutcome) {
	if outcome == nil || !outcome.FirstTier3Warning {
		return
	}
	identity = NormalizeIdentity(identity)
	err := p.notifier.SendWarningEmail(ctx, identity, outcome.FailedCount, outcome.RemainingBeforeVerification, origin)
	p.observeNotification(notifyWarning, identity, err)
}

func (p *SecurityPipeline) observeNotification(kind, identity string, err error) {
	p.metrics.ObserveNotification(kind, err)
	if err != nil {
		p.logger.Error("failed to send security notification",
			slog.String("kind", kind),
			slog.String("identity", logger.SanitizedEmail(identity)),
			slog.Any("error", err))
	}
}

func (p *SecurityPipeline) publish(ctx context.Context, event events.SecurityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish security event",
			slog.String("type", event.Type),
			slog.Any("error", err))
	}
}

// generateNumericCode returns a uniformly random zero-padded decimal code
func generateNumericCode() (string, error) {
	limit := big.NewInt(int64(math.Pow10(verificationDigits)))
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", verificationDigits, n.Int64()), nil
}

func appendUnique(values []string, v string) []string {
	if v == "" {
		return values
	}
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
