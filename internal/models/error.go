package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountSuspended = errors.New("account is suspended")
	ErrAccountLocked    = errors.New("account is temporarily locked")

	// Configuration errors
	ErrMissingSalt = errors.New("device hash salt is required")

	// OTP policy errors. Each requires the caller to request a fresh code.
	ErrNoPendingChallenge   = errors.New("no pending verification")
	ErrOTPExpired           = errors.New("verification code has expired")
	ErrOTPAttemptsExhausted = errors.New("too many incorrect attempts")

	// OTP input errors
	ErrInvalidOTP       = errors.New("incorrect verification code")
	ErrInvalidOTPFormat = errors.New("verification code must be 6 digits")

	// Login flow errors
	ErrResendCooldown  = errors.New("please wait before requesting another code")
	ErrFlowExpired     = errors.New("login flow expired, please sign in again")
	ErrInvalidFlowStep = errors.New("action not allowed at this login step")
)

// IsOTPPolicyError reports whether err ends the current challenge.
func IsOTPPolicyError(err error) bool {
	return errors.Is(err, ErrNoPendingChallenge) ||
		errors.Is(err, ErrOTPExpired) ||
		errors.Is(err, ErrOTPAttemptsExhausted)
}
