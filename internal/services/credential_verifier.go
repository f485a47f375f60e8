package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/loginguard/internal/models"
	pkgauth "github.com/BradenHooton/loginguard/pkg/auth"
)

// CredentialVerifier checks a password for an identity.
// It returns models.ErrUnauthorized for unknown identities and wrong passwords alike,
// and models.ErrAccountDisabled / models.ErrAccountSuspended for inactive accounts.
type CredentialVerifier interface {
	Verify(ctx context.Context, identity, password string) (*models.User, error)
}

// UserRepository defines the user lookups the login flow needs
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// UserCredentialVerifier verifies bcrypt password hashes stored in the users table
type UserCredentialVerifier struct {
	users  UserRepository
	logger *slog.Logger
}

// NewUserCredentialVerifier creates a new UserCredentialVerifier
func NewUserCredentialVerifier(users UserRepository, logger *slog.Logger) *UserCredentialVerifier {
	return &UserCredentialVerifier{users: users, logger: logger}
}

// Verify looks up the user by email and compares the password
func (v *UserCredentialVerifier) Verify(ctx context.Context, identity, password string) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(identity))
	if email == "" || password == "" {
		return nil, models.ErrUnauthorized
	}

	user, err := v.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkgauth.BurnCompare(password)
			return nil, models.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, models.ErrUnauthorized
	}

	// Account state is only revealed to callers who proved the password
	if err := validateAccountState(user); err != nil {
		v.logger.Info("login blocked due to account state",
			slog.String("user_id", user.ID),
			slog.String("status", user.Status))
		return nil, err
	}

	return user, nil
}

// validateAccountState checks if user account is in valid state for authentication
func validateAccountState(user *models.User) error {
	switch user.Status {
	case "disabled":
		return models.ErrAccountDisabled
	case "suspended":
		return models.ErrAccountSuspended
	case "active":
		return nil
	default:
		return fmt.Errorf("unknown account status: %s", user.Status)
	}
}

// isCredentialFailure reports whether err is an expected rejection rather than an infrastructure failure
func isCredentialFailure(err error) bool {
	return errors.Is(err, models.ErrUnauthorized) ||
		errors.Is(err, models.ErrAccountDisabled) ||
		errors.Is(err, models.ErrAccountSuspended)
}
