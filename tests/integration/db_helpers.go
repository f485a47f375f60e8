package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/repositories"
	"github.com/BradenHooton/loginguard/migrations"
	"github.com/BradenHooton/loginguard/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// Repositories groups every repository the integration tests exercise
type Repositories struct {
	Users       *repositories.UserRepository
	Revocations *repositories.TokenRevocationRepository
	Attempts    *repositories.LoginAttemptRepository
	Locks       *repositories.AccountLockRepository
	Codes       *repositories.VerificationCodeRepository
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("loginguard"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := database.NewFromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Suppress goose logs
	goose.SetLogger(log.New(io.Discard, "", 0))

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         db,
	}, nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"verification_codes",
		"account_locks",
		"login_attempts",
		"revoked_tokens",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) Repositories {
	return Repositories{
		Users:       repositories.NewUserRepository(db),
		Revocations: repositories.NewTokenRevocationRepository(db),
		Attempts:    repositories.NewLoginAttemptRepository(db),
		Locks:       repositories.NewAccountLockRepository(db),
		Codes:       repositories.NewVerificationCodeRepository(db),
	}
}

// SeedUser inserts an active test user with a hashed password
func SeedUser(ctx context.Context, repos Repositories, email, password, role string) (*models.User, error) {
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := repos.Users.Create(ctx, &models.User{
		Email:         email,
		PasswordHash:  hashedPassword,
		Name:          "Test User",
		Role:          role,
		EmailVerified: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	return user, nil
}

// SeedFailures inserts n failed attempts for identity, spaced one second apart ending at end
func SeedFailures(ctx context.Context, repos Repositories, identity, origin string, n int, end time.Time) error {
	for i := 0; i < n; i++ {
		attempt := &models.AttemptLog{
			Identity:      identity,
			Origin:        origin,
			Succeeded:     false,
			FailureReason: models.FailureInvalidCredentials,
			OccurredAt:    end.Add(-time.Duration(n-i) * time.Second),
		}
		if err := repos.Attempts.Record(ctx, attempt); err != nil {
			return fmt.Errorf("failed to seed attempt %d: %w", i, err)
		}
	}
	return nil
}
