package routes

import (
	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/handlers"
	"github.com/BradenHooton/loginguard/internal/middleware"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Dependencies bundles what the router needs beyond the handlers themselves
type Dependencies struct {
	TokenManager        *auth.TokenManager
	UserRepo            auth.UserRepository
	RevocationChecker   auth.TokenRevocationChecker
	IPConfig            *pkghttp.IPConfig
	LoginRequestsPerMin int
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	adminHandler *handlers.AdminHandler,
	deps Dependencies,
) {
	rateLimitConfig := middleware.DefaultAuthRateLimit()
	if deps.LoginRequestsPerMin > 0 {
		rateLimitConfig.RequestsPerMinute = deps.LoginRequestsPerMin
	}
	rateLimitConfig.IPConfig = deps.IPConfig

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))

		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/refresh", authHandler.RefreshToken)
		r.Post("/auth/resend-code", authHandler.ResendCode)

		// The unlock link is opened from an email client, so GET must work too
		r.Get("/auth/unlock/{token}", authHandler.Unlock)
		r.Post("/auth/unlock/{token}", authHandler.Unlock)
	})

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddlewareWithRevocation(deps.TokenManager, deps.RevocationChecker, auth.RevocationConfig{FailClosed: true}))

		r.Post("/auth/logout", authHandler.Logout)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(deps.UserRepo, "admin"))
			r.Use(middleware.RateLimitByUserID(rateLimitConfig))

			r.Post("/admin/security/status", adminHandler.GetSecurityStatus)
			r.Get("/admin/security/dashboard", adminHandler.GetDashboard)
			r.Post("/admin/security/unlock", adminHandler.UnlockAccount)
		})
	})
}
