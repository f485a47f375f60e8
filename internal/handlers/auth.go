package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// LoginServiceInterface defines the login flow the auth handler drives
type LoginServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*services.AuthResponse, error)
	Logout(ctx context.Context, claims *models.TokenClaims) error
}

// SecurityServiceInterface defines the security pipeline operations exposed over HTTP
type SecurityServiceInterface interface {
	UnlockWithToken(ctx context.Context, token string) (models.UnlockResult, error)
	ResendVerificationCode(ctx context.Context, identity, origin string) (*models.CodeResult, error)
	Status(ctx context.Context, identity string) (*models.SecurityStatus, error)
	Dashboard(ctx context.Context) (*models.SecurityDashboard, error)
	AdminUnlock(ctx context.Context, identity, actor string) (*models.AccountLock, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  LoginServiceInterface
	security SecurityServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service LoginServiceInterface, security SecurityServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		security: security,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,max=128"`
	CaptchaToken     string `json:"captcha_token" validate:"max=4096"`
	VerificationCode string `json:"verification_code" validate:"max=64"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ResendCodeRequest represents the request body for resending a verification code
type ResendCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// LoginChallengeResponse is returned when a login attempt is refused by policy
type LoginChallengeResponse struct {
	Error                string `json:"error"`
	Message              string `json:"message"`
	SecurityTier         int    `json:"security_tier"`
	RequiresCaptcha      bool   `json:"requires_captcha"`
	RequiresVerification bool   `json:"requires_verification"`
}

// UnlockResponse carries the undifferentiated result of an unlock link
type UnlockResponse struct {
	Status  models.UnlockResult `json:"status"`
	Error   string              `json:"error,omitempty"`
	Message string              `json:"message"`
}

// outcomeStatus maps a policy outcome to its HTTP status
func outcomeStatus(kind models.OutcomeKind) int {
	switch kind {
	case models.OutcomeSuccess:
		return http.StatusOK
	case models.OutcomeRateLimited, models.OutcomeResendLimited:
		return http.StatusTooManyRequests
	case models.OutcomeInvalidCredentials:
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 400 {object} LoginChallengeResponse
// @Failure 401 {object} LoginChallengeResponse
// @Failure 429 {object} LoginChallengeResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Identity:         req.Email,
		Password:         req.Password,
		CaptchaToken:     req.CaptchaToken,
		VerificationCode: req.VerificationCode,
		Origin:           pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:        r.Header.Get("User-Agent"),
	})
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Invalid request")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if result.Outcome.IsSuccess() {
		pkghttp.WriteJSON(w, http.StatusOK, result.Auth)
		return
	}

	pkghttp.WriteJSON(w, outcomeStatus(result.Outcome), LoginChallengeResponse{
		Error:                string(result.Outcome),
		Message:              result.Message,
		SecurityTier:         result.Tier,
		RequiresCaptcha:      result.RequiresCaptcha,
		RequiresVerification: result.RequiresVerification,
	})
}

// RefreshToken handles token refresh
// @Summary Refresh access token
// @Accept json
// @Param request body RefreshTokenRequest true "Refresh token request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	authResp, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Authentication failed")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, authResp)
}

// Logout handles user logout by revoking the access token
// @Summary User logout
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil || claims.Type != auth.TokenTypeAccess {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.service.Logout(r.Context(), claims); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Invalid token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Unlock redeems the self-service unlock link from the lock email.
// Every failure looks the same to the caller.
// @Summary Unlock account with emailed token
// @Param token path string true "Unlock token"
// @Produce json
// @Success 200 {object} UnlockResponse
// @Failure 400 {object} UnlockResponse
// @Router /auth/unlock/{token} [get]
func (h *AuthHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	result, err := h.security.UnlockWithToken(r.Context(), token)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if result == models.UnlockSuccess {
		pkghttp.WriteJSON(w, http.StatusOK, UnlockResponse{
			Status:  result,
			Message: "Your account has been unlocked. You can sign in now.",
		})
		return
	}

	pkghttp.WriteJSON(w, http.StatusBadRequest, UnlockResponse{
		Status:  models.UnlockInvalidOrExpired,
		Error:   string(models.OutcomeInvalidOrExpiredToken),
		Message: "This unlock link is invalid or has expired.",
	})
}

// ResendCode sends a fresh verification code to an identity at the verification tier
// @Summary Resend login verification code
// @Accept json
// @Param request body ResendCodeRequest true "Resend request"
// @Produce json
// @Success 200
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/resend-code [post]
func (h *AuthHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	var req ResendCodeRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.security.ResendVerificationCode(r.Context(), req.Email, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if !result.Outcome.IsSuccess() {
		pkghttp.WriteError(w, outcomeStatus(result.Outcome), string(result.Outcome), result.Message)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": result.Message})
}
