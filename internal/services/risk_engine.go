package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/signals"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Signal weights
const (
	WeightTorExit          = 0.30
	WeightProxy            = 0.15
	WeightVPNOrHosting     = 0.15
	WeightGeoJump          = 0.15
	WeightHardenedBrowser  = 0.15
	WeightRepeatedTor      = 0.10
	TorBrowserPartialRatio = 0.7

	HighRiskThreshold   = 0.6
	MediumRiskThreshold = 0.3

	RepeatedTorWindow    = 7 * 24 * time.Hour
	RepeatedTorThreshold = 3
)

// AccessLogRepository defines persistence for anonymity access logs
type AccessLogRepository interface {
	Create(ctx context.Context, log *models.AccessLog) error
	GetLatestForUser(ctx context.Context, userID string) (*models.AccessLog, error)
	CountTorSince(ctx context.Context, userID string, since time.Time) (int, error)
	CountDistinctDevicesSince(ctx context.Context, userID, excludeHash string, since time.Time) (int, error)
}

// TorChecker looks up Tor exit membership
type TorChecker interface {
	Lookup(ctx context.Context, ip string) signals.TorResult
}

// IPIntelLookup looks up proxy, VPN, hosting and geo data for an address
type IPIntelLookup interface {
	Lookup(ctx context.Context, ip string) signals.IPIntelResult
}

// GeoChecker checks for impossible travel
type GeoChecker interface {
	Check(ctx context.Context, userID string, current signals.GeoPoint, at time.Time) signals.GeoResult
}

// RiskSignals are the boolean inputs of the weighted score
type RiskSignals struct {
	TorExit     bool
	TorBrowser  bool
	Proxy       bool
	VPN         bool
	Hosting     bool
	GeoJump     bool
	Hardened    bool
	RepeatedTor bool
}

// AssessRequest describes one device check
type AssessRequest struct {
	UserID     string
	DeviceHash string
	IPAddress  string
	Privacy    signals.PrivacyProbe
}

// Assessment is a risk verdict plus the raw provider data behind it
type Assessment struct {
	models.RiskAssessment
	Intel signals.IPIntelResult
	Tor   signals.TorResult
	Geo   signals.GeoResult
}

// RiskEngine aggregates anonymity signals into an enforcement decision
type RiskEngine struct {
	tor         TorChecker
	intel       IPIntelLookup
	geo         GeoChecker
	logs        AccessLogRepository
	users       UserRepository
	events      *SecurityEventService
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
}

// NewRiskEngine creates a new RiskEngine
func NewRiskEngine(tor TorChecker, intel IPIntelLookup, geo GeoChecker, logs AccessLogRepository, users UserRepository, events *SecurityEventService, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *RiskEngine {
	return &RiskEngine{
		tor:         tor,
		intel:       intel,
		geo:         geo,
		logs:        logs,
		users:       users,
		events:      events,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Score is the pure weighted aggregation of s
func (e *RiskEngine) Score(s RiskSignals) models.RiskAssessment {
	var score float64
	var details []string

	switch {
	case s.TorExit:
		score += WeightTorExit
		details = append(details, "IP address is a known Tor exit node")
	case s.TorBrowser:
		score += WeightTorExit * TorBrowserPartialRatio
		details = append(details, "Tor Browser detected without a matching exit node")
	}
	if s.Proxy {
		score += WeightProxy
		details = append(details, "IP address is a known proxy")
	}
	if s.VPN || s.Hosting {
		score += WeightVPNOrHosting
		if s.VPN {
			details = append(details, "IP address belongs to a VPN provider")
		} else {
			details = append(details, "IP address belongs to a hosting provider")
		}
	}
	if s.GeoJump {
		score += WeightGeoJump
		details = append(details, "impossible travel since the previous login")
	}
	if s.Hardened {
		score += WeightHardenedBrowser
		details = append(details, "browser blocks fingerprinting surfaces")
	}
	if s.RepeatedTor {
		score += WeightRepeatedTor
		details = append(details, "repeated Tor usage in the last 7 days")
	}

	score = math.Max(0, math.Min(1, roundScore(score)))
	level := levelFor(score)

	return models.RiskAssessment{
		Score:       score,
		Level:       level,
		RequiresOTP: level == models.RiskHigh,
		Signals: map[string]bool{
			models.SignalTorExit:         s.TorExit,
			models.SignalTorBrowser:      s.TorBrowser,
			models.SignalProxy:           s.Proxy,
			models.SignalVPN:             s.VPN,
			models.SignalHosting:         s.Hosting,
			models.SignalGeoJump:         s.GeoJump,
			models.SignalHardenedBrowser: s.Hardened,
			models.SignalRepeatedTor:     s.RepeatedTor,
		},
		Details: details,
		Action:  actionFor(level),
	}
}

func levelFor(score float64) models.RiskLevel {
	switch {
	case score >= HighRiskThreshold:
		return models.RiskHigh
	case score >= MediumRiskThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func actionFor(level models.RiskLevel) string {
	switch level {
	case models.RiskHigh:
		return models.ActionForceOTP
	case models.RiskMedium:
		return models.ActionMonitor
	default:
		return models.ActionAllow
	}
}

// Assess gathers every signal, scores them and records the outcome.
// Providers degrade to neutral results, so Assess never fails.
func (e *RiskEngine) Assess(ctx context.Context, req AssessRequest) Assessment {
	at := e.now()

	var (
		tor     signals.TorResult
		intel   signals.IPIntelResult
		privacy signals.PrivacySignals
	)

	var g errgroup.Group
	g.Go(func() error {
		tor = e.tor.Lookup(ctx, req.IPAddress)
		return nil
	})
	g.Go(func() error {
		intel = e.intel.Lookup(ctx, req.IPAddress)
		return nil
	})
	g.Go(func() error {
		if req.Privacy == nil {
			return nil
		}
		p, err := req.Privacy.Probe(ctx)
		if err != nil {
			metrics.SignalFailures.WithLabelValues("privacy").Inc()
			e.logger.Warn("privacy probe failed", slog.String("user_id", req.UserID), slog.Any("error", err))
			return nil
		}
		privacy = p
		return nil
	})
	_ = g.Wait()

	// Geo needs the coordinates from IP intelligence
	var geo signals.GeoResult
	if intel.Available {
		geo = e.geo.Check(ctx, req.UserID, signals.GeoPoint{
			Country:   intel.CountryCode,
			Latitude:  intel.Latitude,
			Longitude: intel.Longitude,
		}, at)
	}

	repeated := e.repeatedTor(ctx, req.UserID, at)

	assessment := e.Score(RiskSignals{
		TorExit:     tor.IsExitNode,
		TorBrowser:  privacy.TorBrowser,
		Proxy:       intel.Proxy,
		VPN:         intel.VPN,
		Hosting:     intel.Hosting,
		GeoJump:     geo.Flagged,
		Hardened:    privacy.Hardened(),
		RepeatedTor: repeated,
	})

	metrics.RiskAssessments.WithLabelValues(string(assessment.Level)).Inc()
	metrics.RiskScore.Observe(assessment.Score)
	e.auditLogger.LogRiskDecision(req.UserID, req.IPAddress, string(assessment.Level), assessment.Score, assessment.Action, activeSignals(assessment.Signals))

	e.record(ctx, req, assessment, intel, at)

	return Assessment{RiskAssessment: assessment, Intel: intel, Tor: tor, Geo: geo}
}

// repeatedTor counts prior Tor-flagged logins. Errors count as no history.
func (e *RiskEngine) repeatedTor(ctx context.Context, userID string, at time.Time) bool {
	n, err := e.logs.CountTorSince(ctx, userID, at.Add(-RepeatedTorWindow))
	if err != nil {
		e.logger.Warn("repeated tor lookback unavailable", slog.String("user_id", userID), slog.Any("error", err))
		return false
	}
	return n >= RepeatedTorThreshold
}

// record writes the access log row and any follow-up events. Failures are
// logged only; the decision stands.
func (e *RiskEngine) record(ctx context.Context, req AssessRequest, a models.RiskAssessment, intel signals.IPIntelResult, at time.Time) {
	entry := &models.AccessLog{
		UserID:      req.UserID,
		DeviceHash:  req.DeviceHash,
		IPAddress:   req.IPAddress,
		TorExit:     a.Signals[models.SignalTorExit],
		TorBrowser:  a.Signals[models.SignalTorBrowser],
		Proxy:       a.Signals[models.SignalProxy],
		VPN:         a.Signals[models.SignalVPN],
		Hosting:     a.Signals[models.SignalHosting],
		GeoJump:     a.Signals[models.SignalGeoJump],
		Hardened:    a.Signals[models.SignalHardenedBrowser],
		RepeatedTor: a.Signals[models.SignalRepeatedTor],
		Score:       a.Score,
		Level:       a.Level,
		Action:      a.Action,
		Country:     intel.Country,
		City:        intel.City,
		Latitude:    intel.Latitude,
		Longitude:   intel.Longitude,
		ISP:         intel.ISP,
		Org:         intel.Org,
		CreatedAt:   at,
	}
	if err := e.logs.Create(ctx, entry); err != nil {
		e.logger.Error("failed to write access log", slog.String("user_id", req.UserID), slog.Any("error", err))
	}

	if a.Level != models.RiskHigh {
		return
	}

	e.events.Record(ctx, models.SecurityEvent{
		UserID:     req.UserID,
		EventType:  models.EventHighAnonymityRisk,
		DeviceHash: req.DeviceHash,
		IPAddress:  req.IPAddress,
		Metadata: map[string]string{
			"score":   strconv.FormatFloat(a.Score, 'f', 2, 64),
			"signals": fmt.Sprint(activeSignals(a.Signals)),
		},
	})

	if a.Signals[models.SignalRepeatedTor] {
		e.escalateMonitoring(ctx, req)
	}
}

func (e *RiskEngine) escalateMonitoring(ctx context.Context, req AssessRequest) {
	user, err := e.users.GetByID(ctx, req.UserID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			e.logger.Error("failed to load user for monitoring escalation", slog.String("user_id", req.UserID), slog.Any("error", err))
		}
		return
	}

	next := models.NextMonitoringLevel(user.MonitoringLevel)
	if next == user.MonitoringLevel {
		return
	}
	if err := e.users.UpdateMonitoringLevel(ctx, req.UserID, next); err != nil {
		e.logger.Error("failed to escalate monitoring level", slog.String("user_id", req.UserID), slog.Any("error", err))
		return
	}

	e.events.Record(ctx, models.SecurityEvent{
		UserID:     req.UserID,
		EventType:  models.EventMonitoringEscalated,
		DeviceHash: req.DeviceHash,
		IPAddress:  req.IPAddress,
		Metadata: map[string]string{
			"from":   user.MonitoringLevel,
			"to":     next,
			"reason": models.SignalRepeatedTor,
		},
	})
}

// activeSignals lists the raised signal names in stable order
func activeSignals(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for name, on := range m {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
