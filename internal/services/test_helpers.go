package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/google/uuid"
)

// TestClock is a settable clock for pipeline tests
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start}
}

func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MemoryAttemptStore implements AttemptLogRepository in memory
type MemoryAttemptStore struct {
	mu        sync.Mutex
	rows      []models.AttemptLog
	RecordErr error

	// BeforeRecordFailure runs before the store lock is taken, letting tests line up concurrent writers
	BeforeRecordFailure func()
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (s *MemoryAttemptStore) Record(ctx context.Context, attempt *models.AttemptLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return s.RecordErr
	}
	attempt.ID = uuid.New().String()
	s.rows = append(s.rows, *attempt)
	return nil
}

// RecordFailure counts and appends under one lock, matching the advisory-locked transaction in Postgres
func (s *MemoryAttemptStore) RecordFailure(ctx context.Context, attempt *models.AttemptLog, since time.Time, tierFor func(failedCount int) int) (int, error) {
	if s.BeforeRecordFailure != nil {
		s.BeforeRecordFailure()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.RecordErr != nil {
		return 0, s.RecordErr
	}

	count := 1
	for _, a := range s.rows {
		if a.Identity == attempt.Identity && !a.Succeeded && !a.OccurredAt.Before(since) {
			count++
		}
	}

	attempt.ID = uuid.New().String()
	attempt.Succeeded = false
	attempt.TierAtAttempt = tierFor(count)
	s.rows = append(s.rows, *attempt)
	return count, nil
}

func (s *MemoryAttemptStore) CountFailuresSince(ctx context.Context, identity string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.rows {
		if a.Identity == identity && !a.Succeeded && !a.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryAttemptStore) ListFailureOrigins(ctx context.Context, identity string, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	origins := make([]string, 0)
	for _, a := range s.rows {
		if a.Identity == identity && !a.Succeeded && !a.OccurredAt.Before(since) && !seen[a.Origin] {
			seen[a.Origin] = true
			origins = append(origins, a.Origin)
		}
	}
	sort.Strings(origins)
	return origins, nil
}

func (s *MemoryAttemptStore) Stats(ctx context.Context, since time.Time) (models.AttemptStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.AttemptStats
	for _, a := range s.rows {
		if a.OccurredAt.Before(since) {
			continue
		}
		st.Total++
		if a.Succeeded {
			st.Successful++
		} else {
			st.Failed++
		}
		if a.TierAtAttempt == models.TierBlocked {
			st.Tier5++
		}
	}
	return st, nil
}

func (s *MemoryAttemptStore) RecentFailures(ctx context.Context, limit int) ([]*models.AttemptLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AttemptLog, 0)
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if !s.rows[i].Succeeded {
			a := s.rows[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

// Attempts returns a snapshot of every recorded row for identity, oldest first
func (s *MemoryAttemptStore) Attempts(identity string) []models.AttemptLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AttemptLog, 0)
	for _, a := range s.rows {
		if a.Identity == identity {
			out = append(out, a)
		}
	}
	return out
}

// MemoryLockStore implements AccountLockRepository in memory with the same
// conditional-write semantics as the SQL statements
type MemoryLockStore struct {
	mu    sync.Mutex
	locks []*models.AccountLock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{}
}

func copyLock(l *models.AccountLock) *models.AccountLock {
	c := *l
	c.OriginsSeen = append([]string(nil), l.OriginsSeen...)
	return &c
}

func (s *MemoryLockStore) active(identity string) *models.AccountLock {
	for _, l := range s.locks {
		if l.Identity == identity && l.IsActive {
			return l
		}
	}
	return nil
}

func (s *MemoryLockStore) Upsert(ctx context.Context, lock *models.AccountLock) (*models.AccountLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.active(lock.Identity); existing != nil {
		if lock.AttemptCount > existing.AttemptCount {
			existing.AttemptCount = lock.AttemptCount
		}
		existing.OriginsSeen = unionSorted(existing.OriginsSeen, lock.OriginsSeen)
		return copyLock(existing), false, nil
	}

	for _, l := range s.locks {
		if l.UnlockToken == lock.UnlockToken {
			return nil, false, models.ErrConflict
		}
	}

	saved := copyLock(lock)
	saved.ID = uuid.New().String()
	saved.IsActive = true
	saved.OriginsSeen = unionSorted(nil, lock.OriginsSeen)
	s.locks = append(s.locks, saved)
	return copyLock(saved), true, nil
}

func (s *MemoryLockStore) GetActive(ctx context.Context, identity string) (*models.AccountLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.active(identity); l != nil {
		return copyLock(l), nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryLockStore) resolve(l *models.AccountLock, now time.Time, by models.UnlockMethod) {
	l.IsActive = false
	l.UnlockedAt = &now
	l.UnlockedBy = &by
}

func (s *MemoryLockStore) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.ID == id && l.IsActive {
			s.resolve(l, now, models.UnlockByExpiry)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryLockStore) RedeemToken(ctx context.Context, token string, now time.Time) (*models.AccountLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.UnlockToken == token && l.IsActive && l.UnlockedAt == nil && l.UnlockTokenExpiresAt.After(now) {
			s.resolve(l, now, models.UnlockByToken)
			return copyLock(l), nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryLockStore) AdminUnlock(ctx context.Context, identity string, now time.Time) (*models.AccountLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.active(identity); l != nil {
		s.resolve(l, now, models.UnlockByAdmin)
		return copyLock(l), nil
	}
	return nil, models.ErrNotFound
}

func (s *MemoryLockStore) MarkNotified(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.ID == id {
			l.Notified = true
			l.NotifiedAt = &now
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *MemoryLockStore) LatestUnlockAt(ctx context.Context, identity string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, l := range s.locks {
		if l.Identity == identity && l.UnlockedAt != nil && (latest == nil || l.UnlockedAt.After(*latest)) {
			at := *l.UnlockedAt
			latest = &at
		}
	}
	return latest, nil
}

func (s *MemoryLockStore) CountLockedSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range s.locks {
		if !l.LockedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryLockStore) CountActive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, l := range s.locks {
		if l.IsActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryLockStore) ListActive(ctx context.Context, limit int) ([]*models.AccountLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AccountLock, 0)
	for i := len(s.locks) - 1; i >= 0 && len(out) < limit; i-- {
		if s.locks[i].IsActive {
			out = append(out, copyLock(s.locks[i]))
		}
	}
	return out, nil
}

// All returns a snapshot of every lock row for identity
func (s *MemoryLockStore) All(identity string) []*models.AccountLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AccountLock, 0)
	for _, l := range s.locks {
		if l.Identity == identity {
			out = append(out, copyLock(l))
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string(nil), a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// MemoryCodeStore implements VerificationCodeRepository in memory
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes []*models.VerificationCode
}

func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{}
}

func (s *MemoryCodeStore) Issue(ctx context.Context, code *models.VerificationCode) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.Identity == code.Identity && !c.IsUsed && c.SupersededAt == nil {
			at := code.CreatedAt
			c.SupersededAt = &at
		}
	}
	saved := *code
	saved.ID = uuid.New().String()
	s.codes = append(s.codes, &saved)
	c := saved
	return &c, nil
}

func (s *MemoryCodeStore) GetLatestLive(ctx context.Context, identity string) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.codes) - 1; i >= 0; i-- {
		c := s.codes[i]
		if c.Identity == identity && !c.IsUsed && c.SupersededAt == nil {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryCodeStore) IncrementAttempts(ctx context.Context, id string) (*models.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.ID == id && !c.IsUsed && c.SupersededAt == nil && c.Attempts < c.MaxAttempts {
			c.Attempts++
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *MemoryCodeStore) MarkUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.ID == id && !c.IsUsed && c.SupersededAt == nil && !c.ExpiresAt.Before(now) {
			c.IsUsed = true
			c.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryCodeStore) CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.codes {
		if c.Identity == identity && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// All returns a snapshot of every code row for identity, oldest first
func (s *MemoryCodeStore) All(identity string) []models.VerificationCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.VerificationCode, 0)
	for _, c := range s.codes {
		if c.Identity == identity {
			out = append(out, *c)
		}
	}
	return out
}

// SentCode is one verification code email captured by MockNotifier
type SentCode struct {
	Identity string
	Code     string
	Minutes  int
	Origin   string
}

// SentWarning is one warning email captured by MockNotifier
type SentWarning struct {
	Identity  string
	Failed    int
	Remaining int
	Origin    string
}

// MockNotifier implements NotificationGateway, capturing every call.
// The Func fields, when set, decide the returned error.
type MockNotifier struct {
	mu sync.Mutex

	SendVerificationCodeFunc   func(ctx context.Context, identity, code string, expiresInMinutes int, origin string) error
	SendWarningEmailFunc       func(ctx context.Context, identity string, failedCount, remainingCount int, origin string) error
	SendAccountLockedEmailFunc func(ctx context.Context, lock *models.AccountLock) error
	SendUnlockSuccessEmailFunc func(ctx context.Context, identity string) error

	Codes    []SentCode
	Warnings []SentWarning
	Locks    []*models.AccountLock
	Unlocks  []string
}

func (m *MockNotifier) SendVerificationCode(ctx context.Context, identity, code string, expiresInMinutes int, origin string) error {
	m.mu.Lock()
	m.Codes = append(m.Codes, SentCode{Identity: identity, Code: code, Minutes: expiresInMinutes, Origin: origin})
	m.mu.Unlock()
	if m.SendVerificationCodeFunc != nil {
		return m.SendVerificationCodeFunc(ctx, identity, code, expiresInMinutes, origin)
	}
	return nil
}

func (m *MockNotifier) SendWarningEmail(ctx context.Context, identity string, failedCount, remainingCount int, origin string) error {
	m.mu.Lock()
	m.Warnings = append(m.Warnings, SentWarning{Identity: identity, Failed: failedCount, Remaining: remainingCount, Origin: origin})
	m.mu.Unlock()
	if m.SendWarningEmailFunc != nil {
		return m.SendWarningEmailFunc(ctx, identity, failedCount, remainingCount, origin)
	}
	return nil
}

func (m *MockNotifier) SendAccountLockedEmail(ctx context.Context, lock *models.AccountLock) error {
	m.mu.Lock()
	m.Locks = append(m.Locks, copyLock(lock))
	m.mu.Unlock()
	if m.SendAccountLockedEmailFunc != nil {
		return m.SendAccountLockedEmailFunc(ctx, lock)
	}
	return nil
}

func (m *MockNotifier) SendUnlockSuccessEmail(ctx context.Context, identity string) error {
	m.mu.Lock()
	m.Unlocks = append(m.Unlocks, identity)
	m.mu.Unlock()
	if m.SendUnlockSuccessEmailFunc != nil {
		return m.SendUnlockSuccessEmailFunc(ctx, identity)
	}
	return nil
}

// LastCode returns the most recently emailed code, or "" if none
func (m *MockNotifier) LastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Codes) == 0 {
		return ""
	}
	return m.Codes[len(m.Codes)-1].Code
}

// LastLock returns the most recent lock email's lock, or nil if none
func (m *MockNotifier) LastLock() *models.AccountLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Locks) == 0 {
		return nil
	}
	return m.Locks[len(m.Locks)-1]
}

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc    func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc func(ctx context.Context, email string) (*models.User, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

// MockTokenRevocationRepository implements TokenRevocationRepository for testing
type MockTokenRevocationRepository struct {
	RevokeTokenFunc    func(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)
}

func (m *MockTokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, userID, tokenType, expiresAt, reason)
	}
	return nil
}

func (m *MockTokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if m.IsTokenRevokedFunc != nil {
		return m.IsTokenRevokedFunc(ctx, jti)
	}
	return false, nil
}

// MockCredentialVerifier implements CredentialVerifier for testing
type MockCredentialVerifier struct {
	VerifyFunc func(ctx context.Context, identity, password string) (*models.User, error)
}

func (m *MockCredentialVerifier) Verify(ctx context.Context, identity, password string) (*models.User, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, identity, password)
	}
	return nil, models.ErrUnauthorized
}

// MockTimingDelay implements TimingDelayer for testing
type MockTimingDelay struct {
	mu    sync.Mutex
	Tiers []int
}

func (m *MockTimingDelay) WaitFrom(ctx context.Context, startTime time.Time, success bool, tier int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tiers = append(m.Tiers, tier)
	return nil
}

// NewTestUser creates an active user for testing
func NewTestUser(id, email, name string) *models.User {
	return &models.User{
		ID:            id,
		Email:         email,
		Name:          name,
		PasswordHash:  "$2a$10$dummyhash",
		EmailVerified: true,
		Role:          "user",
		Status:        "active",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

// NewTestUserWithStatus creates a user with a specific status
func NewTestUserWithStatus(id, email, name, status string) *models.User {
	user := NewTestUser(id, email, name)
	user.Status = status
	return user
}
