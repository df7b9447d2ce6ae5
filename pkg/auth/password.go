package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 14 // account passwords
	CodeBcryptCost = 10 // one-time codes live for minutes
	MinPasswordLen = 8
	// bcrypt ignores input past 72 bytes
	MaxPasswordBytes = 72
)

// ErrMismatch is returned when a secret does not match its hash
var ErrMismatch = errors.New("secret does not match")

// PasswordValidationError lists every failed rule. Error() stays generic so
// rule details are only logged.
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	return "invalid password"
}

var commonPasswords = map[string]bool{
	"password":     true,
	"password1":    true,
	"password123":  true,
	"password123!": true,
	"passw0rd":     true,
	"12345678":     true,
	"123456789":    true,
	"qwerty123":    true,
	"letmein":      true,
	"welcome1":     true,
	"trustno1":     true,
	"iloveyou":     true,
	"changeme":     true,
	"banking123":   true,
	"onlinebank":   true,
}

// HashSecret bcrypt-hashes a secret at the given cost
func HashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashed), nil
}

func HashPassword(password string) (string, error) {
	return HashSecret(password, BcryptCost)
}

// HashCode hashes a one-time code at the cheaper code cost
func HashCode(code string) (string, error) {
	return HashSecret(code, CodeBcryptCost)
}

// ComparePassword returns ErrMismatch for a wrong password and wraps any
// other bcrypt failure such as a corrupt hash
func ComparePassword(hashed, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrMismatch
	default:
		return fmt.Errorf("failed to compare secret: %w", err)
	}
}

// CompareCode reports whether code matches a hash made by HashCode
func CompareCode(hashed, code string) bool {
	return ComparePassword(hashed, code) == nil
}

// ValidatePassword enforces account password rules. The password may not
// contain the local part of the account email.
func ValidatePassword(password, email string) error {
	var failed []string

	if utf8.RuneCountInString(password) < MinPasswordLen {
		failed = append(failed, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordBytes {
		failed = append(failed, fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		failed = append(failed, "must contain an uppercase letter")
	}
	if !hasLower {
		failed = append(failed, "must contain a lowercase letter")
	}
	if !hasDigit {
		failed = append(failed, "must contain a digit")
	}
	if !hasSpecial {
		failed = append(failed, "must contain a special character")
	}

	lower := strings.ToLower(password)
	if commonPasswords[lower] {
		failed = append(failed, "is too common")
	}

	if local, _, ok := strings.Cut(strings.ToLower(email), "@"); ok && len(local) >= 3 && strings.Contains(lower, local) {
		failed = append(failed, "must not contain the email address")
	}

	if len(failed) > 0 {
		return &PasswordValidationError{Errors: failed}
	}
	return nil
}
