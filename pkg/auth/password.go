package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 12
	MinPasswordLen = 10
	MaxPasswordLen = 72 // bcrypt ignores anything past 72 bytes
)

// ErrWeakPassword is returned by ValidatePassword. Details stay in the wrapped
// PasswordPolicyError and are only meant for operator-facing logs.
var ErrWeakPassword = errors.New("password does not meet policy")

// PasswordPolicyError lists every rule a password broke
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrWeakPassword, strings.Join(e.Violations, "; "))
}

func (e *PasswordPolicyError) Unwrap() error { return ErrWeakPassword }

// Lower-cased passwords that show up first in credential-stuffing lists
var breachedPasswords = map[string]struct{}{
	"password1234": {}, "qwertyuiop1!": {}, "administrator": {}, "welcome12345": {},
	"letmein12345": {}, "changeme123!": {}, "iloveyou1234": {}, "p@ssw0rd1234": {},
	"passw0rd123!": {}, "1234567890ab": {}, "admin12345!!": {}, "loginguard1!": {},
}

// HashPassword bcrypt-hashes a password for storage
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword returns nil when password matches the stored hash
func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

var (
	decoyOnce sync.Once
	decoyHash []byte
)

// BurnCompare runs a bcrypt comparison against a throwaway hash. Call it when
// the identity is unknown so the response costs the same as a wrong password.
func BurnCompare(password string) {
	decoyOnce.Do(func() {
		decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy-credential"), BcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
}

// ValidatePassword applies the policy used for provisioned accounts such as
// the bootstrap admin
func ValidatePassword(password string) error {
	var violations []string

	if n := len(password); n < MinPasswordLen || n > MaxPasswordLen {
		violations = append(violations, fmt.Sprintf("length must be %d-%d bytes", MinPasswordLen, MaxPasswordLen))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	for _, rule := range []struct {
		ok  bool
		msg string
	}{
		{upper, "needs an uppercase letter"},
		{lower, "needs a lowercase letter"},
		{digit, "needs a digit"},
		{symbol, "needs a symbol"},
	} {
		if !rule.ok {
			violations = append(violations, rule.msg)
		}
	}

	if _, found := breachedPasswords[strings.ToLower(password)]; found {
		violations = append(violations, "appears in breach lists")
	}

	if len(violations) > 0 {
		return &PasswordPolicyError{Violations: violations}
	}
	return nil
}
