package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
	"github.com/BradenHooton/stepguard/internal/models"
	pkgauth "github.com/BradenHooton/stepguard/pkg/auth"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
)

// OTPRepository defines persistence for OTP challenges
type OTPRepository interface {
	Create(ctx context.Context, challenge *models.OTPChallenge) error
	// InvalidatePending marks every unverified challenge for the purpose as used
	InvalidatePending(ctx context.Context, userID, purpose string) error
	GetLatestPending(ctx context.Context, userID, purpose string) (*models.OTPChallenge, error)
	GetLatest(ctx context.Context, userID, purpose string) (*models.OTPChallenge, error)
	// IncrementAttempts claims one attempt while fewer than maxAttempts are
	// stored and returns the new count. ErrNotFound means none are left.
	IncrementAttempts(ctx context.Context, id string, maxAttempts int) (int, error)
	// MarkVerified consumes a pending challenge; ErrNotFound if already consumed
	MarkVerified(ctx context.Context, id string) error
	// DeletePurgeable removes challenges that are verified or expired at now
	DeletePurgeable(ctx context.Context, now time.Time) (int64, error)
}

// OTPConfig holds OTP policy settings
type OTPConfig struct {
	Expiry        time.Duration
	MaxAttempts   int
	Subject       string
	ExposeDevCode bool
}

// DefaultOTPConfig returns the production OTP policy
func DefaultOTPConfig() OTPConfig {
	return OTPConfig{
		Expiry:      5 * time.Minute,
		MaxAttempts: 5,
		Subject:     "Your verification code",
	}
}

// IssueResult reports the delivery of a new code
type IssueResult struct {
	Sent      bool      `json:"sent"`
	Provider  string    `json:"provider,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	DevCode   string    `json:"dev_code,omitempty"`
}

// VerifyResult reports the outcome of a code submission
type VerifyResult struct {
	Valid             bool `json:"valid"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

var codeSpace = big.NewInt(1_000_000)

// OTPService issues and verifies one-time login codes
type OTPService struct {
	repo        OTPRepository
	users       UserRepository
	messenger   Messenger
	events      *SecurityEventService
	config      OTPConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
}

// NewOTPService creates a new OTPService
func NewOTPService(repo OTPRepository, users UserRepository, messenger Messenger, events *SecurityEventService, config OTPConfig, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *OTPService {
	return &OTPService{
		repo:        repo,
		users:       users,
		messenger:   messenger,
		events:      events,
		config:      config,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// generateCode returns a uniform 6 digit code, zero padded
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return otp.DigitsSix.Format(int32(n.Int64())), nil
}

// Issue replaces any pending challenge with a new code and dispatches it.
// The code is stored before it is sent so a delivered code is always
// verifiable. A delivery failure is reported in the result, not as an error.
func (s *OTPService) Issue(ctx context.Context, userID string) (*IssueResult, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user for otp: %w", err)
	}

	if err := s.repo.InvalidatePending(ctx, userID, models.OTPPurposeLogin); err != nil {
		// Verify always selects the newest challenge, so a stale one is harmless
		s.logger.Warn("failed to invalidate pending challenges", slog.String("user_id", userID), slog.Any("error", err))
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := pkgauth.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := s.now()
	challenge := &models.OTPChallenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		CodeHash:  hash,
		Purpose:   models.OTPPurposeLogin,
		ExpiresAt: now.Add(s.config.Expiry),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	res := s.messenger.Send(ctx, Message{
		To:      user.Email,
		Subject: s.config.Subject,
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.config.Expiry.Minutes())),
	})
	if !res.Success {
		s.logger.Warn("otp dispatch failed",
			slog.String("user_id", userID),
			slog.String("email", pkglogger.SanitizedEmail(user.Email)),
			slog.Any("error", res.Err))
	}

	s.events.Record(ctx, models.SecurityEvent{
		UserID:    userID,
		EventType: models.EventOTPIssued,
		Metadata: map[string]string{
			"provider": res.Provider,
			"sent":     strconv.FormatBool(res.Success),
		},
	})

	result := &IssueResult{
		Sent:      res.Success,
		Provider:  res.Provider,
		ExpiresAt: challenge.ExpiresAt,
	}
	if s.config.ExposeDevCode {
		result.DevCode = code
	}
	return result, nil
}

// Verify checks code against the newest pending challenge. The attempt is
// persisted before the comparison.
func (s *OTPService) Verify(ctx context.Context, userID, code string) (*VerifyResult, error) {
	if !validCodeFormat(code) {
		return &VerifyResult{}, models.ErrInvalidOTPFormat
	}

	challenge, err := s.repo.GetLatestPending(ctx, userID, models.OTPPurposeLogin)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			metrics.OTPVerifications.WithLabelValues("no_challenge").Inc()
			return &VerifyResult{}, models.ErrNoPendingChallenge
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	if challenge.IsExpired(s.now()) {
		s.retire(ctx, challenge)
		metrics.OTPVerifications.WithLabelValues("expired").Inc()
		return &VerifyResult{}, models.ErrOTPExpired
	}

	if challenge.IsExhausted(s.config.MaxAttempts) {
		return s.lockOut(ctx, challenge)
	}

	// Concurrent submissions share MaxAttempts comparisons between them
	attempts, err := s.repo.IncrementAttempts(ctx, challenge.ID, s.config.MaxAttempts)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Spent by concurrent submissions. The last granted attempt may
			// still be comparing, so the challenge is left for it to consume.
			metrics.OTPVerifications.WithLabelValues("locked").Inc()
			return &VerifyResult{}, models.ErrOTPAttemptsExhausted
		}
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	if !pkgauth.CompareCode(challenge.CodeHash, code) {
		remaining := max(s.config.MaxAttempts-attempts, 0)
		metrics.OTPVerifications.WithLabelValues("invalid").Inc()
		s.events.Record(ctx, models.SecurityEvent{
			UserID:    userID,
			EventType: models.EventOTPFailed,
			Metadata:  map[string]string{"attempts_remaining": strconv.Itoa(remaining)},
		})
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     models.EventOTPFailed,
			UserID:        userID,
			FailureReason: "invalid_code",
		})
		return &VerifyResult{AttemptsRemaining: remaining}, models.ErrInvalidOTP
	}

	if err := s.repo.MarkVerified(ctx, challenge.ID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// A concurrent submission consumed the code first
			metrics.OTPVerifications.WithLabelValues("no_challenge").Inc()
			return &VerifyResult{}, models.ErrNoPendingChallenge
		}
		return nil, fmt.Errorf("failed to mark challenge verified: %w", err)
	}

	metrics.OTPVerifications.WithLabelValues("verified").Inc()
	s.events.Record(ctx, models.SecurityEvent{UserID: userID, EventType: models.EventOTPVerified})
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: models.EventOTPVerified,
		UserID:    userID,
		Success:   true,
	})
	return &VerifyResult{Valid: true, AttemptsRemaining: max(s.config.MaxAttempts-attempts, 0)}, nil
}

// lockOut retires a challenge whose attempts are spent
func (s *OTPService) lockOut(ctx context.Context, challenge *models.OTPChallenge) (*VerifyResult, error) {
	s.retire(ctx, challenge)
	metrics.OTPVerifications.WithLabelValues("locked").Inc()
	s.events.Record(ctx, models.SecurityEvent{UserID: challenge.UserID, EventType: models.EventOTPLocked})
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     models.EventOTPLocked,
		UserID:        challenge.UserID,
		FailureReason: "attempts_exhausted",
	})
	return &VerifyResult{}, models.ErrOTPAttemptsExhausted
}

// retire marks a dead challenge as used so it can never verify
func (s *OTPService) retire(ctx context.Context, challenge *models.OTPChallenge) {
	if err := s.repo.MarkVerified(ctx, challenge.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to retire challenge", slog.String("challenge_id", challenge.ID), slog.Any("error", err))
	}
}

// LastIssuedAt returns when the newest challenge was issued, or the zero time
func (s *OTPService) LastIssuedAt(ctx context.Context, userID string) (time.Time, error) {
	challenge, err := s.repo.GetLatest(ctx, userID, models.OTPPurposeLogin)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load latest challenge: %w", err)
	}
	return challenge.CreatedAt, nil
}

// Purge deletes challenges that are expired or already verified
func (s *OTPService) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.DeletePurgeable(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge challenges: %w", err)
	}
	return n, nil
}

func validCodeFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
