package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/handlers"
	middlewareCustom "github.com/BradenHooton/loginguard/internal/middleware"
	"github.com/BradenHooton/loginguard/internal/routes"
	"github.com/BradenHooton/loginguard/internal/services"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
)

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Repos    Repositories
	Notifier *services.MockNotifier
	Pipeline *services.SecurityPipeline
	Config   *config.Config
}

// TestConfig returns the production defaults with delays and request limits relaxed for tests
func TestConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:   15 * time.Minute,
			RefreshTokenExpiry:  7 * 24 * time.Hour,
			LoginRequestsPerMin: 1000,
		},
		Security: config.SecurityConfig{
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
		},
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
			TrustedProxies: []string{},
		},
	}
}

// NewTestServer initializes a complete HTTP server with real database + captured email
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := TestConfig()
	repos := InitializeRepositories(db)
	notifier := &services.MockNotifier{}

	pipeline, err := services.NewSecurityPipeline(repos.Attempts, repos.Locks, repos.Codes, notifier, cfg.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build security pipeline: %w", err)
	}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry)
	auditLogger := pkglogger.NewAuditLogger(logger)

	loginService := services.NewLoginService(
		pipeline,
		services.NewUserCredentialVerifier(repos.Users, logger),
		repos.Users,
		repos.Revocations,
		tokenManager,
		cfg.Auth.AccessTokenExpiry,
		logger,
		auditLogger,
		services.WithCaptchaGate(auth.NewCaptchaGate(cfg.Security.CaptchaMinTokenLength)),
	)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(loginService, pipeline, ipConfig)
	adminHandler := handlers.NewAdminHandler(pipeline, auditLogger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)

	routes.RegisterRoutes(r, authHandler, adminHandler, routes.Dependencies{
		TokenManager:        tokenManager,
		UserRepo:            repos.Users,
		RevocationChecker:   repos.Revocations,
		IPConfig:            ipConfig,
		LoginRequestsPerMin: cfg.Auth.LoginRequestsPerMin,
	})

	return &TestServer{
		Server:   httptest.NewServer(r),
		DB:       db,
		Repos:    repos,
		Notifier: notifier,
		Pipeline: pipeline,
		Config:   cfg,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	return ts.Request(method, path, body, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
}

// Login posts a login body and returns the response
func (ts *TestServer) Login(email, password string, extra map[string]string) (*http.Response, error) {
	body := map[string]string{"email": email, "password": password}
	for k, v := range extra {
		body[k] = v
	}
	return ts.Request(http.MethodPost, "/auth/login", body, nil)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractTokensFromResponse extracts access/refresh tokens from auth response
func ExtractTokensFromResponse(resp *http.Response) (accessToken, refreshToken string, err error) {
	var authResp services.AuthResponse
	if err := ParseJSONResponse(resp, &authResp); err != nil {
		return "", "", fmt.Errorf("failed to parse response: %w", err)
	}
	return authResp.AccessToken, authResp.RefreshToken, nil
}

// ParseChallenge decodes a refused login body
func ParseChallenge(resp *http.Response) (handlers.LoginChallengeResponse, error) {
	var challenge handlers.LoginChallengeResponse
	err := ParseJSONResponse(resp, &challenge)
	return challenge, err
}
