package models

import "time"

// OTP purposes
const (
	OTPPurposeLogin = "login"
)

// OTPChallenge is a hashed one-time code issued to a user
type OTPChallenge struct {
	ID        string
	UserID    string
	CodeHash  string
	Purpose   string
	Attempts  int
	Verified  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the challenge has passed its expiry at now
func (c *OTPChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsExhausted checks if the attempt cap has been reached
func (c *OTPChallenge) IsExhausted(maxAttempts int) bool {
	return c.Attempts >= maxAttempts
}
