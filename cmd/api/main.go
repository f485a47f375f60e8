package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/BradenHooton/loginguard/internal/background"
	"github.com/BradenHooton/loginguard/internal/config"
	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/events"
	"github.com/BradenHooton/loginguard/internal/handlers"
	"github.com/BradenHooton/loginguard/internal/metrics"
	middlewareCustom "github.com/BradenHooton/loginguard/internal/middleware"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/repositories"
	"github.com/BradenHooton/loginguard/internal/routes"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/BradenHooton/loginguard/migrations"
	pkgauth "github.com/BradenHooton/loginguard/pkg/auth"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	pkglogger "github.com/BradenHooton/loginguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := db.Migrate(migrateCtx, migrations.FS)
		cancel()
		if err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	lockRepo := repositories.NewAccountLockRepository(db)
	codeRepo := repositories.NewVerificationCodeRepository(db)

	// Observability
	securityMetrics := metrics.NewSecurityMetrics(prometheus.DefaultRegisterer)
	auditLogger := pkglogger.NewAuditLogger(logger)

	publisher := events.NewPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("failed to close event publisher", slog.Any("error", err))
		}
	}()

	notifier, err := newNotificationGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	// Security pipeline
	pipeline, err := services.NewSecurityPipeline(
		attemptRepo,
		lockRepo,
		codeRepo,
		notifier,
		cfg.Security,
		logger,
		services.WithMetrics(securityMetrics),
		services.WithEventPublisher(publisher),
	)
	if err != nil {
		logger.Error("failed to initialize security pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
		PerTierDelayMs: cfg.Auth.TimingDelayPerTierMs,
	})

	loginService := services.NewLoginService(
		pipeline,
		services.NewUserCredentialVerifier(userRepo, logger),
		userRepo,
		revokeRepo,
		tokenManager,
		cfg.Auth.AccessTokenExpiry,
		logger,
		auditLogger,
		services.WithCaptchaGate(auth.NewCaptchaGate(cfg.Security.CaptchaMinTokenLength)),
		services.WithTimingDelay(timingDelay),
		services.WithLoginMetrics(securityMetrics),
	)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	authHandler := handlers.NewAuthHandler(loginService, pipeline, ipConfig)
	adminHandler := handlers.NewAdminHandler(pipeline, auditLogger)

	// Bootstrap first admin user if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminUser(ctx, userRepo, logger); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	cancel()

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, adminHandler, routes.Dependencies{
		TokenManager:        tokenManager,
		UserRepo:            userRepo,
		RevocationChecker:   revokeRepo,
		IPConfig:            ipConfig,
		LoginRequestsPerMin: cfg.Auth.LoginRequestsPerMin,
	})

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pool, err := db.Health(r.Context())
		status, code := "healthy", http.StatusOK
		if err != nil {
			logger.Warn("health check failed", slog.Any("error", err))
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		pkghttp.WriteJSON(w, code, map[string]interface{}{"status": status, "database": pool})
	})
	router.Handle("/metrics", promhttp.Handler())

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start retention cleanup
	cleanupManager := background.NewCleanupManager(background.Stores{
		Attempts:    attemptRepo,
		Codes:       codeRepo,
		Locks:       lockRepo,
		Revocations: revokeRepo,
	}, cfg.Retention, logger)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		return
	}

	logger.Info("server stopped gracefully")
}

// newNotificationGateway picks the email transport named by EMAIL_PROVIDER
func newNotificationGateway(cfg *config.Config, logger *slog.Logger) (services.NotificationGateway, error) {
	email := cfg.Email
	lockDuration := cfg.Security.LockDuration

	switch email.Provider {
	case "ses":
		svc, err := services.NewAWSSESEmailService(email.AWSRegion, email.FromAddress, email.PublicBaseURL, lockDuration, logger)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case "smtp":
		return services.NewSMTPEmailService(
			email.SMTPHost, email.SMTPPort, email.SMTPUsername, email.SMTPPassword,
			email.FromAddress, email.PublicBaseURL, lockDuration, logger,
		), nil
	case "log":
		if cfg.Server.Env == "production" {
			logger.Warn("EMAIL_PROVIDER=log in production; security emails will only be logged")
		}
		return services.NewLogEmailService(email.PublicBaseURL, lockDuration, logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", email.Provider)
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ensureAdminUser creates the first admin user if ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminUser(ctx context.Context, userRepo *repositories.UserRepository, logger *slog.Logger) error {
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminEmail == "" || adminPassword == "" {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
		return nil
	}

	// Check if admin already exists
	_, err := userRepo.GetByEmail(ctx, adminEmail)
	if err == nil {
		logger.Info("admin user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(adminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	admin := &models.User{
		Email:         adminEmail,
		PasswordHash:  hashedPassword,
		Name:          "Admin",
		Role:          "admin",
		Status:        "active",
		EmailVerified: true,
	}

	if _, err := userRepo.Create(ctx, admin); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	logger.Info("admin user created successfully")
	return nil
}
