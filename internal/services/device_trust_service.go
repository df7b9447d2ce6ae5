package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// DeviceRepository defines persistence for trusted devices
type DeviceRepository interface {
	Get(ctx context.Context, userID, deviceHash string) (*models.TrustedDevice, error)
	// Upsert creates the row or refreshes it. Trusted status and the risk
	// flag are only ever raised by an upsert, never lowered.
	Upsert(ctx context.Context, device *models.TrustedDevice) error
	TouchLastSeen(ctx context.Context, userID, deviceHash string, at time.Time) error
	// SetRiskFlag raises the flag on an existing row. ErrNotFound if the
	// user has no row for the device.
	SetRiskFlag(ctx context.Context, userID, deviceHash string) error
	ClearRiskFlag(ctx context.Context, userID, deviceHash string) error
	ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Delete(ctx context.Context, userID, deviceHash string) error
	// CountOtherUsers counts distinct users other than excludeUserID that
	// are linked to the hash by a device row or an access log row.
	CountOtherUsers(ctx context.Context, deviceHash, excludeUserID string) (int, error)
	// CountFirstSeenSince counts trusted devices first seen at or after since
	CountFirstSeenSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// DeviceHistoryReader reads the device usage recorded in access logs
type DeviceHistoryReader interface {
	CountDistinctDevicesSince(ctx context.Context, userID, excludeHash string, since time.Time) (int, error)
}

// DeviceCheckConfig holds thresholds and weights of the device history checks
type DeviceCheckConfig struct {
	MultiAccountWeight float64

	RapidSwitchWindow    time.Duration
	RapidSwitchThreshold int
	RapidSwitchWeight    float64

	OTPFailureWindow    time.Duration
	OTPFailureThreshold int
	OTPFailureWeight    float64

	RegistrationWindow    time.Duration
	RegistrationThreshold int
	RegistrationWeight    float64

	FlagThreshold float64
}

// DefaultDeviceCheckConfig returns the production thresholds
func DefaultDeviceCheckConfig() DeviceCheckConfig {
	return DeviceCheckConfig{
		MultiAccountWeight: 0.40,

		RapidSwitchWindow:    time.Hour,
		RapidSwitchThreshold: 3,
		RapidSwitchWeight:    0.25,

		OTPFailureWindow:    24 * time.Hour,
		OTPFailureThreshold: 10,
		OTPFailureWeight:    0.20,

		RegistrationWindow:    7 * 24 * time.Hour,
		RegistrationThreshold: 5,
		RegistrationWeight:    0.15,

		FlagThreshold: 0.25,
	}
}

// DeviceTrustService tracks which devices a user has verified and scores
// suspicious device history
type DeviceTrustService struct {
	devices     DeviceRepository
	history     DeviceHistoryReader
	events      *SecurityEventService
	config      DeviceCheckConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
}

// NewDeviceTrustService creates a new DeviceTrustService
func NewDeviceTrustService(devices DeviceRepository, history DeviceHistoryReader, events *SecurityEventService, config DeviceCheckConfig, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *DeviceTrustService {
	return &DeviceTrustService{
		devices:     devices,
		history:     history,
		events:      events,
		config:      config,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// IsKnown reports whether the device may skip the OTP challenge for this user.
// Storage errors are treated as an unknown device so the user gets challenged.
func (s *DeviceTrustService) IsKnown(ctx context.Context, userID, deviceHash string) (bool, *models.TrustedDevice) {
	device, err := s.devices.Get(ctx, userID, deviceHash)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("device lookup failed, treating as unknown",
				slog.String("user_id", userID),
				slog.String("device", pkglogger.ShortHash(deviceHash)),
				slog.Any("error", err))
		}
		return false, nil
	}
	return device.CanSkipChallenge(), device
}

// Evaluate runs the device history checks concurrently. Each check that
// cannot read its history counts as not flagged. A flagged device gets a
// device_risk_flagged event, and its risk flag raised if the user already
// has a row for it. An unregistered device carries the flag in the report
// until Trust stores it.
func (s *DeviceTrustService) Evaluate(ctx context.Context, userID, deviceHash string) models.DeviceRiskReport {
	now := s.now()
	cfg := s.config
	report := models.DeviceRiskReport{
		MultiAccount:      models.DeviceCheck{Weight: cfg.MultiAccountWeight},
		RapidSwitching:    models.DeviceCheck{Weight: cfg.RapidSwitchWeight},
		OTPFailures:       models.DeviceCheck{Weight: cfg.OTPFailureWeight},
		RegistrationBurst: models.DeviceCheck{Weight: cfg.RegistrationWeight},
	}

	var g errgroup.Group
	g.Go(func() error {
		others, err := s.devices.CountOtherUsers(ctx, deviceHash, userID)
		if err != nil {
			s.checkFailed("multi_account", userID, err)
			return nil
		}
		report.MultiAccount.Count = others + 1
		report.MultiAccount.Flagged = report.MultiAccount.Count > 1
		return nil
	})
	g.Go(func() error {
		others, err := s.history.CountDistinctDevicesSince(ctx, userID, deviceHash, now.Add(-cfg.RapidSwitchWindow))
		if err != nil {
			s.checkFailed("rapid_switching", userID, err)
			return nil
		}
		report.RapidSwitching.Count = others + 1
		report.RapidSwitching.Flagged = report.RapidSwitching.Count > cfg.RapidSwitchThreshold
		return nil
	})
	g.Go(func() error {
		failures, err := s.events.CountSince(ctx, userID, models.EventOTPFailed, now.Add(-cfg.OTPFailureWindow))
		if err != nil {
			s.checkFailed("otp_failures", userID, err)
			return nil
		}
		report.OTPFailures.Count = failures
		report.OTPFailures.Flagged = failures > cfg.OTPFailureThreshold
		return nil
	})
	g.Go(func() error {
		registered, err := s.devices.CountFirstSeenSince(ctx, userID, now.Add(-cfg.RegistrationWindow))
		if err != nil {
			s.checkFailed("registration_burst", userID, err)
			return nil
		}
		report.RegistrationBurst.Count = registered
		report.RegistrationBurst.Flagged = registered > cfg.RegistrationThreshold
		return nil
	})
	_ = g.Wait()

	for _, check := range []models.DeviceCheck{report.MultiAccount, report.RapidSwitching, report.OTPFailures, report.RegistrationBurst} {
		if check.Flagged {
			report.Score += check.Weight
		}
	}
	report.Score = math.Min(roundScore(report.Score), 1.0)
	report.RiskFlag = report.Score >= cfg.FlagThreshold

	if report.RiskFlag {
		s.flag(ctx, userID, deviceHash, report)
	}

	return report
}

func (s *DeviceTrustService) flag(ctx context.Context, userID, deviceHash string, report models.DeviceRiskReport) {
	err := s.devices.SetRiskFlag(ctx, userID, deviceHash)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to set device risk flag",
			slog.String("user_id", userID),
			slog.String("device", pkglogger.ShortHash(deviceHash)),
			slog.Any("error", err))
	}

	s.events.Record(ctx, models.SecurityEvent{
		UserID:     userID,
		EventType:  models.EventDeviceRiskFlagged,
		DeviceHash: deviceHash,
		Metadata: map[string]string{
			"score":              strconv.FormatFloat(report.Score, 'f', 2, 64),
			"multi_account":      strconv.FormatBool(report.MultiAccount.Flagged),
			"rapid_switching":    strconv.FormatBool(report.RapidSwitching.Flagged),
			"otp_failures":       strconv.FormatBool(report.OTPFailures.Flagged),
			"registration_burst": strconv.FormatBool(report.RegistrationBurst.Flagged),
		},
	})
}

func (s *DeviceTrustService) checkFailed(check, userID string, err error) {
	s.logger.Warn("device check unavailable, not flagged",
		slog.String("check", check),
		slog.String("user_id", userID),
		slog.Any("error", err))
}

// Trust marks the device as trusted for the user, creating the row if needed.
// riskFlag stores a flag raised while the device was still unregistered.
func (s *DeviceTrustService) Trust(ctx context.Context, userID, deviceHash, ipAddress, label string, riskFlag bool) error {
	now := s.now()
	err := s.devices.Upsert(ctx, &models.TrustedDevice{
		UserID:        userID,
		DeviceHash:    deviceHash,
		Label:         label,
		FirstSeenIP:   ipAddress,
		TrustedStatus: true,
		RiskFlag:      riskFlag,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to trust device: %w", err)
	}

	s.events.Record(ctx, models.SecurityEvent{
		UserID:     userID,
		EventType:  models.EventDeviceTrusted,
		DeviceHash: deviceHash,
		IPAddress:  ipAddress,
		Metadata:   map[string]string{"label": label},
	})
	s.auditLogger.LogDeviceAction(models.EventDeviceTrusted, userID, deviceHash, ipAddress, map[string]string{"label": label})
	return nil
}

// Touch refreshes last_seen_at for a known device
func (s *DeviceTrustService) Touch(ctx context.Context, userID, deviceHash string) error {
	if err := s.devices.TouchLastSeen(ctx, userID, deviceHash, s.now()); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// List returns the user's devices, most recently seen first
func (s *DeviceTrustService) List(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Remove deletes a device at the user's request
func (s *DeviceTrustService) Remove(ctx context.Context, userID, deviceHash, ipAddress string) error {
	if err := s.devices.Delete(ctx, userID, deviceHash); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to remove device: %w", err)
	}

	s.events.Record(ctx, models.SecurityEvent{
		UserID:     userID,
		EventType:  models.EventDeviceRemoved,
		DeviceHash: deviceHash,
		IPAddress:  ipAddress,
	})
	s.auditLogger.LogDeviceAction(models.EventDeviceRemoved, userID, deviceHash, ipAddress, nil)
	return nil
}

// ClearRiskFlag lowers the risk flag. This is the only way the flag is cleared.
func (s *DeviceTrustService) ClearRiskFlag(ctx context.Context, userID, deviceHash, actorID string) error {
	if err := s.devices.ClearRiskFlag(ctx, userID, deviceHash); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to clear device risk flag: %w", err)
	}

	metadata := map[string]string{"actor_id": actorID}
	s.events.Record(ctx, models.SecurityEvent{
		UserID:     userID,
		EventType:  models.EventDeviceRiskCleared,
		DeviceHash: deviceHash,
		Metadata:   metadata,
	})
	s.auditLogger.LogDeviceAction(models.EventDeviceRiskCleared, userID, deviceHash, "", metadata)
	return nil
}

// roundScore trims float noise so threshold comparisons are exact
func roundScore(v float64) float64 {
	return math.Round(v*10000) / 10000
}
