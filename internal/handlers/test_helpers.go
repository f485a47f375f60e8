package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access token claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, userID, email, role string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Role:   role,
		Type:   auth.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

// WithChiRouteContext sets URL parameters that the chi router would normally extract
//
//	req := httptest.NewRequest("GET", "/auth/unlock/abc", nil)
//	req = WithChiRouteContext(req, map[string]string{"token": "abc"})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockLoginService implements LoginServiceInterface for testing
type MockLoginService struct {
	LoginFunc   func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	RefreshFunc func(ctx context.Context, refreshToken string) (*services.AuthResponse, error)
	LogoutFunc  func(ctx context.Context, claims *models.TokenClaims) error
}

func (m *MockLoginService) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		return &services.LoginResult{Outcome: models.OutcomeInvalidCredentials, Message: "Invalid email or password."}, nil
	}
	return m.LoginFunc(ctx, req)
}

func (m *MockLoginService) Refresh(ctx context.Context, refreshToken string) (*services.AuthResponse, error) {
	if m.RefreshFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.RefreshFunc(ctx, refreshToken)
}

func (m *MockLoginService) Logout(ctx context.Context, claims *models.TokenClaims) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, claims)
}

// MockSecurityService implements SecurityServiceInterface for testing
type MockSecurityService struct {
	UnlockWithTokenFunc        func(ctx context.Context, token string) (models.UnlockResult, error)
	ResendVerificationCodeFunc func(ctx context.Context, identity, origin string) (*models.CodeResult, error)
	StatusFunc                 func(ctx context.Context, identity string) (*models.SecurityStatus, error)
	DashboardFunc              func(ctx context.Context) (*models.SecurityDashboard, error)
	AdminUnlockFunc            func(ctx context.Context, identity, actor string) (*models.AccountLock, error)
}

func (m *MockSecurityService) UnlockWithToken(ctx context.Context, token string) (models.UnlockResult, error) {
	if m.UnlockWithTokenFunc == nil {
		return models.UnlockInvalidOrExpired, nil
	}
	return m.UnlockWithTokenFunc(ctx, token)
}

func (m *MockSecurityService) ResendVerificationCode(ctx context.Context, identity, origin string) (*models.CodeResult, error) {
	if m.ResendVerificationCodeFunc == nil {
		return &models.CodeResult{Outcome: models.OutcomeSuccess, Message: "sent"}, nil
	}
	return m.ResendVerificationCodeFunc(ctx, identity, origin)
}

func (m *MockSecurityService) Status(ctx context.Context, identity string) (*models.SecurityStatus, error) {
	if m.StatusFunc == nil {
		return &models.SecurityStatus{Identity: identity, Tier: models.TierNormal}, nil
	}
	return m.StatusFunc(ctx, identity)
}

func (m *MockSecurityService) Dashboard(ctx context.Context) (*models.SecurityDashboard, error) {
	if m.DashboardFunc == nil {
		return &models.SecurityDashboard{}, nil
	}
	return m.DashboardFunc(ctx)
}

func (m *MockSecurityService) AdminUnlock(ctx context.Context, identity, actor string) (*models.AccountLock, error) {
	if m.AdminUnlockFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.AdminUnlockFunc(ctx, identity, actor)
}
