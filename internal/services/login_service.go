package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/metrics"
	"github.com/BradenHooton/loginguard/internal/models"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

const (
	msgInvalidCredentials = "Invalid email or password."
	msgCaptchaInvalid     = "Invalid CAPTCHA. Please try again."
	msgCodeSent           = "Verification code sent to your email. Please enter it to continue."
	msgLoginSuccessful    = "Login successful."
)

// SecurityGate is the part of the security pipeline the login flow drives
type SecurityGate interface {
	Check(ctx context.Context, identity, origin string) (*models.SecurityDecision, error)
	OnBlockedAttempt(ctx context.Context, rec AttemptRecord, decision *models.SecurityDecision) (*models.FailureOutcome, error)
	OnFailedLogin(ctx context.Context, rec AttemptRecord) (*models.FailureOutcome, error)
	OnSuccessfulLogin(ctx context.Context, rec AttemptRecord) error
	IssueVerificationCode(ctx context.Context, identity, origin string) (*models.VerificationCode, error)
	VerifyCode(ctx context.Context, identity, submitted string) (*models.CodeResult, error)
	NotifyWarning(ctx context.Context, identity, origin string, outcome *models.FailureOutcome)
}

// TokenRevocationRepository defines the interface for token revocation operations
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// TimingDelayer slows down failed logins
type TimingDelayer interface {
	WaitFrom(ctx context.Context, startTime time.Time, success bool, tier int) error
}

// LoginRequest is one credential login attempt
type LoginRequest struct {
	Identity         string
	Password         string
	CaptchaToken     string
	VerificationCode string
	Origin           string
	UserAgent        string
}

// LoginResult is the tagged outcome of a login attempt. Auth is set only on success.
type LoginResult struct {
	Outcome              models.OutcomeKind
	Message              string
	Tier                 int
	RequiresCaptcha      bool
	RequiresVerification bool
	Auth                 *AuthResponse
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// AuthResponse represents the response from auth operations
type AuthResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int           `json:"expires_in"`
	User         *UserResponse `json:"user"`
}

// loginState carries one attempt through the steps
type loginState struct {
	req      LoginRequest
	start    time.Time
	decision *models.SecurityDecision
	user     *models.User
}

// loginStep either lets the attempt continue (nil result) or ends it with a result
type loginStep struct {
	name string
	run  func(ctx context.Context, st *loginState) (*LoginResult, error)
}

// LoginService runs a login attempt through precheck, CAPTCHA, verification code,
// credential check and token issuance, in that order.
type LoginService struct {
	gate        SecurityGate
	verifier    CredentialVerifier
	users       UserRepository
	revocations TokenRevocationRepository
	tm          *auth.TokenManager
	accessTTL   time.Duration
	captcha     *auth.CaptchaGate
	timing      TimingDelayer
	metrics     *metrics.SecurityMetrics
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
	steps       []loginStep
}

// LoginOption configures optional LoginService collaborators
type LoginOption func(*LoginService)

func WithCaptchaGate(g *auth.CaptchaGate) LoginOption {
	return func(s *LoginService) {
		if g != nil {
			s.captcha = g
		}
	}
}

func WithTimingDelay(t TimingDelayer) LoginOption {
	return func(s *LoginService) {
		s.timing = t
	}
}

func WithLoginMetrics(m *metrics.SecurityMetrics) LoginOption {
	return func(s *LoginService) {
		s.metrics = m
	}
}

// WithLoginClock replaces time.Now for response-time measurement
func WithLoginClock(now func() time.Time) LoginOption {
	return func(s *LoginService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLoginService creates a new LoginService
func NewLoginService(
	gate SecurityGate,
	verifier CredentialVerifier,
	users UserRepository,
	revocations TokenRevocationRepository,
	tm *auth.TokenManager,
	accessTTL time.Duration,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	opts ...LoginOption,
) *LoginService {
	s := &LoginService{
		gate:        gate,
		verifier:    verifier,
		users:       users,
		revocations: revocations,
		tm:          tm,
		accessTTL:   accessTTL,
		captcha:     auth.NewCaptchaGate(0),
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.steps = []loginStep{
		{name: "precheck", run: s.precheck},
		{name: "captcha", run: s.checkCaptcha},
		{name: "verification", run: s.checkVerification},
		{name: "credentials", run: s.checkCredentials},
		{name: "issue_tokens", run: s.issueTokens},
	}
	return s
}

// Login runs every step until one produces a result. Policy rejections are
// results; only infrastructure failures are returned as errors.
func (s *LoginService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	req.Identity = NormalizeIdentity(req.Identity)
	if req.Identity == "" {
		return nil, fmt.Errorf("%w: identity is required", models.ErrBadRequest)
	}

	st := &loginState{req: req, start: s.now()}

	for _, step := range s.steps {
		result, err := step.run(ctx, st)
		if err != nil {
			s.logger.Error("login step failed",
				slog.String("step", step.name),
				slog.String("identity", pkglogger.SanitizedEmail(req.Identity)),
				slog.Any("error", err))
			return nil, fmt.Errorf("login %s: %w", step.name, err)
		}
		if result != nil {
			s.finish(ctx, st, step.name, result)
			return result, nil
		}
	}

	return nil, errors.New("login pipeline ended without a result")
}

func (s *LoginService) precheck(ctx context.Context, st *loginState) (*LoginResult, error) {
	decision, err := s.gate.Check(ctx, st.req.Identity, st.req.Origin)
	if err != nil {
		return nil, err
	}
	st.decision = decision

	if decision.Allowed {
		return nil, nil
	}

	outcome, err := s.gate.OnBlockedAttempt(ctx, s.record(st, models.FailureRateLimited), decision)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Outcome: models.OutcomeRateLimited,
		Message: outcome.Message,
		Tier:    models.TierBlocked,
	}, nil
}

func (s *LoginService) checkCaptcha(ctx context.Context, st *loginState) (*LoginResult, error) {
	if !st.decision.RequiresCaptcha {
		return nil, nil
	}

	switch s.captcha.Check(st.req.CaptchaToken) {
	case auth.CaptchaMissing:
		return s.fail(ctx, st, models.FailureCaptchaRequired, models.OutcomeCaptchaRequired, msgTierCaptcha)
	case auth.CaptchaImplausible:
		return s.fail(ctx, st, models.FailureCaptchaRequired, models.OutcomeCaptchaRequired, msgCaptchaInvalid)
	}
	return nil, nil
}

func (s *LoginService) checkVerification(ctx context.Context, st *loginState) (*LoginResult, error) {
	if !st.decision.RequiresVerification {
		return nil, nil
	}

	if strings.TrimSpace(st.req.VerificationCode) == "" {
		outcome, err := s.gate.OnFailedLogin(ctx, s.record(st, models.FailureVerificationRequired))
		if err != nil {
			return nil, err
		}
		s.gate.NotifyWarning(ctx, st.req.Identity, st.req.Origin, outcome)

		if !outcome.LockCreated && !outcome.VerificationCodeIssued && outcome.Tier == models.TierVerification {
			if _, err := s.gate.IssueVerificationCode(ctx, st.req.Identity, st.req.Origin); err != nil {
				return nil, err
			}
		}
		return s.failureResult(outcome, models.OutcomeVerificationRequired, msgCodeSent), nil
	}

	res, err := s.gate.VerifyCode(ctx, st.req.Identity, st.req.VerificationCode)
	if err != nil {
		return nil, err
	}
	if res.Outcome.IsSuccess() {
		return nil, nil
	}

	return s.fail(ctx, st, models.FailureVerificationRequired, res.Outcome, res.Message)
}

func (s *LoginService) checkCredentials(ctx context.Context, st *loginState) (*LoginResult, error) {
	user, err := s.verifier.Verify(ctx, st.req.Identity, st.req.Password)
	if err == nil {
		st.user = user
		return nil, nil
	}
	if !isCredentialFailure(err) {
		return nil, err
	}

	reason := models.FailureInvalidCredentials
	if !errors.Is(err, models.ErrUnauthorized) {
		reason = models.FailureAccountInactive
	}

	outcome, err := s.gate.OnFailedLogin(ctx, s.record(st, reason))
	if err != nil {
		return nil, err
	}
	s.gate.NotifyWarning(ctx, st.req.Identity, st.req.Origin, outcome)

	if s.timing != nil {
		if err := s.timing.WaitFrom(ctx, st.start, false, outcome.Tier); err != nil {
			return nil, err
		}
	}

	message := outcome.Message
	if outcome.Tier == models.TierNormal {
		message = msgInvalidCredentials
	}
	return s.failureResult(outcome, models.OutcomeInvalidCredentials, message), nil
}

func (s *LoginService) issueTokens(ctx context.Context, st *loginState) (*LoginResult, error) {
	rec := s.record(st, models.FailureNone)
	rec.Succeeded = true
	if err := s.gate.OnSuccessfulLogin(ctx, rec); err != nil {
		return nil, err
	}

	resp, err := s.tokenPair(st.user)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Outcome: models.OutcomeSuccess,
		Message: msgLoginSuccessful,
		Tier:    st.decision.Tier,
		Auth:    resp,
	}, nil
}

// fail records a rejected attempt and maps the pipeline's verdict to a result
func (s *LoginService) fail(ctx context.Context, st *loginState, reason models.FailureReason, kind models.OutcomeKind, message string) (*LoginResult, error) {
	outcome, err := s.gate.OnFailedLogin(ctx, s.record(st, reason))
	if err != nil {
		return nil, err
	}
	s.gate.NotifyWarning(ctx, st.req.Identity, st.req.Origin, outcome)
	return s.failureResult(outcome, kind, message), nil
}

// failureResult lets an escalation caused by this failure override the step's own outcome
func (s *LoginService) failureResult(outcome *models.FailureOutcome, kind models.OutcomeKind, message string) *LoginResult {
	d := tierResult(outcome)

	switch {
	case outcome.LockCreated || outcome.Tier == models.TierBlocked:
		return &LoginResult{Outcome: models.OutcomeRateLimited, Message: outcome.Message, Tier: models.TierBlocked}
	case outcome.VerificationCodeIssued && kind == models.OutcomeInvalidCredentials:
		d.Outcome = models.OutcomeVerificationRequired
		d.Message = outcome.Message
		return d
	}

	d.Outcome = kind
	d.Message = message
	if outcome.VerificationCodeIssued {
		// An expired or exhausted code was just replaced
		d.Message = msgCodeSent
	}
	return d
}

func tierResult(outcome *models.FailureOutcome) *LoginResult {
	return &LoginResult{
		Tier:                 outcome.Tier,
		RequiresCaptcha:      outcome.Tier >= models.TierCaptcha,
		RequiresVerification: outcome.Tier == models.TierVerification,
	}
}

func (s *LoginService) record(st *loginState, reason models.FailureReason) AttemptRecord {
	rec := AttemptRecord{
		Identity:      st.req.Identity,
		Origin:        st.req.Origin,
		UserAgent:     st.req.UserAgent,
		FailureReason: reason,
		ResponseTime:  s.now().Sub(st.start),
	}
	if st.decision != nil {
		rec.Tier = st.decision.Tier
	}
	return rec
}

func (s *LoginService) finish(ctx context.Context, st *loginState, step string, result *LoginResult) {
	s.metrics.ObserveLogin(string(result.Outcome), s.now().Sub(st.start))

	audit := pkglogger.LoginAudit{
		Identity:  st.req.Identity,
		Origin:    st.req.Origin,
		UserAgent: st.req.UserAgent,
		Step:      step,
		Outcome:   string(result.Outcome),
		Tier:      result.Tier,
	}
	if st.user != nil {
		audit.UserID = st.user.ID
	}
	s.auditLogger.Login(ctx, audit)
}

// Refresh exchanges a refresh token for a new token pair. The presented
// refresh token is revoked so it cannot be replayed.
func (s *LoginService) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken == "" {
		return nil, models.ErrUnauthorized
	}

	claims, err := s.tm.ValidateToken(refreshToken)
	if err != nil {
		s.logger.Info("refresh token validation failed", slog.Any("error", err))
		return nil, models.ErrUnauthorized
	}
	if claims.Type != auth.TokenTypeRefresh {
		s.logger.Warn("refresh attempt with non-refresh token", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	revoked, err := s.revocations.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		s.logger.Warn("revoked refresh token presented", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to get user for token refresh: %w", err)
	}
	if err := validateAccountState(user); err != nil {
		s.logger.Info("token refresh blocked due to account state",
			slog.String("user_id", user.ID),
			slog.String("status", user.Status))
		return nil, models.ErrUnauthorized
	}

	if err := s.revocations.RevokeToken(ctx, claims.ID, claims.UserID, claims.Type, claims.ExpiresAt.Time, "rotated"); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	resp, err := s.tokenPair(user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("token refreshed", slog.String("user_id", user.ID))
	return resp, nil
}

// Logout revokes the presented access token
func (s *LoginService) Logout(ctx context.Context, claims *models.TokenClaims) error {
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return models.ErrUnauthorized
	}

	if err := s.revocations.RevokeToken(ctx, claims.ID, claims.UserID, claims.Type, claims.ExpiresAt.Time, "logout"); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Info("user logged out", slog.String("user_id", claims.UserID))
	return nil
}

func (s *LoginService) tokenPair(user *models.User) (*AuthResponse, error) {
	accessToken, err := s.tm.GenerateAccessToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	refreshToken, err := s.tm.GenerateRefreshToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		User: &UserResponse{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.Name,
			Role:  user.Role,
		},
	}, nil
}
