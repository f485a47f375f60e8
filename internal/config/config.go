package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	Security  SecurityConfig
	Email     EmailConfig
	Events    EventsConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	AutoMigrate       bool
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret            string
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	LoginRequestsPerMin  int
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	TimingDelayOnSuccess bool
	TimingDelayPerTierMs int
}

// SecurityConfig holds the login security policy.
// Tier boundaries are inclusive upper bounds on the trailing failure count.
type SecurityConfig struct {
	Tier1Max              int
	Tier2Max              int
	Tier3Max              int
	Tier4Max              int
	FailureWindow         time.Duration
	LockDuration          time.Duration
	UnlockTokenTTL        time.Duration
	CodeTTL               time.Duration
	CodeMaxAttempts       int
	ResendWindow          time.Duration
	ResendMaxPerWindow    int
	CaptchaMinTokenLength int
}

type EmailConfig struct {
	Provider      string // "ses", "smtp" or "log"
	FromAddress   string
	PublicBaseURL string
	AWSRegion     string
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
}

type EventsConfig struct {
	KafkaBrokers []string
	Topic        string
}

type RetentionConfig struct {
	CleanupInterval time.Duration
	Attempts        time.Duration
	Codes           time.Duration
	Locks           time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "loginguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			AutoMigrate:       getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES", nil),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:   getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			LoginRequestsPerMin:  getEnvAsInt("LOGIN_REQUESTS_PER_MINUTE", 10),
			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 500),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 250),
			TimingDelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", false),
			TimingDelayPerTierMs: getEnvAsInt("TIMING_DELAY_PER_TIER_MS", 250),
		},
		Security: SecurityConfig{
			Tier1Max:              getEnvAsInt("SECURITY_TIER1_MAX", 2),
			Tier2Max:              getEnvAsInt("SECURITY_TIER2_MAX", 5),
			Tier3Max:              getEnvAsInt("SECURITY_TIER3_MAX", 10),
			Tier4Max:              getEnvAsInt("SECURITY_TIER4_MAX", 14),
			FailureWindow:         getEnvAsDuration("SECURITY_FAILURE_WINDOW", 24*time.Hour),
			LockDuration:          getEnvAsDuration("SECURITY_LOCK_DURATION", 24*time.Hour),
			UnlockTokenTTL:        getEnvAsDuration("SECURITY_UNLOCK_TOKEN_TTL", 24*time.Hour),
			CodeTTL:               getEnvAsDuration("SECURITY_CODE_TTL", 10*time.Minute),
			CodeMaxAttempts:       getEnvAsInt("SECURITY_CODE_MAX_ATTEMPTS", 5),
			ResendWindow:          getEnvAsDuration("SECURITY_RESEND_WINDOW", 5*time.Minute),
			ResendMaxPerWindow:    getEnvAsInt("SECURITY_RESEND_MAX", 3),
			CaptchaMinTokenLength: getEnvAsInt("SECURITY_CAPTCHA_MIN_LENGTH", 10),
		},
		Email: EmailConfig{
			Provider:      strings.ToLower(getEnv("EMAIL_PROVIDER", "log")),
			FromAddress:   getEnv("EMAIL_FROM", "no-reply@localhost"),
			PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			SMTPHost:      getEnv("SMTP_HOST", "localhost"),
			SMTPPort:      getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername:  getEnv("SMTP_USERNAME", ""),
			SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		},
		Events: EventsConfig{
			KafkaBrokers: getEnvAsSlice("KAFKA_BROKERS", nil),
			Topic:        getEnv("KAFKA_SECURITY_TOPIC", "login-security-events"),
		},
		Retention: RetentionConfig{
			CleanupInterval: getEnvAsDuration("RETENTION_CLEANUP_INTERVAL", 1*time.Hour),
			Attempts:        getEnvAsDuration("RETENTION_ATTEMPTS", 90*24*time.Hour),
			Codes:           getEnvAsDuration("RETENTION_CODES", 30*24*time.Hour),
			Locks:           getEnvAsDuration("RETENTION_LOCKS", 180*24*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Email.Provider {
	case "ses", "smtp", "log":
	default:
		return nil, fmt.Errorf("EMAIL_PROVIDER must be one of ses, smtp, log (got %q)", cfg.Email.Provider)
	}

	return cfg, nil
}

// Validate checks that tier boundaries are strictly increasing and durations are positive
func (s SecurityConfig) Validate() error {
	if s.Tier1Max < 0 || s.Tier1Max >= s.Tier2Max || s.Tier2Max >= s.Tier3Max || s.Tier3Max >= s.Tier4Max {
		return fmt.Errorf("security tiers must be strictly increasing (got %d/%d/%d/%d)",
			s.Tier1Max, s.Tier2Max, s.Tier3Max, s.Tier4Max)
	}
	if s.FailureWindow <= 0 || s.LockDuration <= 0 || s.UnlockTokenTTL <= 0 || s.CodeTTL <= 0 {
		return fmt.Errorf("security durations must be positive")
	}
	if s.CodeMaxAttempts < 1 {
		return fmt.Errorf("SECURITY_CODE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsSlice("ALLOWED_ORIGINS", []string{})
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
