package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/fingerprint"
	"github.com/BradenHooton/stepguard/internal/loginflow"
	"github.com/BradenHooton/stepguard/internal/metrics"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/signals"
	pkglogger "github.com/BradenHooton/stepguard/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// StepResult is what the caller learns after each login step
type StepResult struct {
	State             loginflow.State          `json:"state"`
	NextStep          string                   `json:"next_step"`
	FlowToken         string                   `json:"flow_token,omitempty"`
	Redirect          string                   `json:"redirect,omitempty"`
	Trusted           bool                     `json:"trusted"`
	Action            string                   `json:"action,omitempty"`
	Risk              *models.RiskAssessment   `json:"risk,omitempty"`
	DeviceRisk        *models.DeviceRiskReport `json:"device_risk,omitempty"`
	FingerprintFlags  []string                 `json:"fingerprint_flags,omitempty"`
	Challenge         *IssueResult             `json:"challenge,omitempty"`
	AttemptsRemaining *int                     `json:"attempts_remaining,omitempty"`
}

// DeviceCheckInput is the client-reported device environment
type DeviceCheckInput struct {
	Fingerprint models.DeviceFingerprint
	Privacy     signals.PrivacyProbe
	IPAddress   string
}

// LoginOrchestrator drives the login state machine and performs its effects
type LoginOrchestrator struct {
	credentials *AuthService
	trust       *DeviceTrustService
	risk        *RiskEngine
	otp         *OTPService
	collector   *fingerprint.Collector
	tokens      *auth.FlowTokenManager
	events      *SecurityEventService
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	now         func() time.Time
}

// NewLoginOrchestrator creates a new LoginOrchestrator
func NewLoginOrchestrator(credentials *AuthService, trust *DeviceTrustService, risk *RiskEngine, otp *OTPService, collector *fingerprint.Collector, tokens *auth.FlowTokenManager, events *SecurityEventService, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *LoginOrchestrator {
	return &LoginOrchestrator{
		credentials: credentials,
		trust:       trust,
		risk:        risk,
		otp:         otp,
		collector:   collector,
		tokens:      tokens,
		events:      events,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Login checks credentials and opens a flow waiting for the device check
func (o *LoginOrchestrator) Login(ctx context.Context, email, password, ipAddress string) (*StepResult, error) {
	flow := loginflow.New()
	res := &StepResult{}

	user, err := o.credentials.Authenticate(ctx, email, password, ipAddress)
	if err != nil {
		if errors.Is(err, models.ErrInternalServer) {
			return nil, err
		}
		flow, err = o.apply(ctx, flow, loginflow.CredentialsRejected{Err: err}, res)
		return o.finish(flow, res, err)
	}

	flow, err = o.apply(ctx, flow, loginflow.CredentialsAccepted{UserID: user.ID, Role: user.Role}, res)
	return o.finish(flow, res, err)
}

// CheckDevice fingerprints the device and runs the trust lookup, the device
// history checks and the risk assessment concurrently
func (o *LoginOrchestrator) CheckDevice(ctx context.Context, flowToken string, in DeviceCheckInput) (*StepResult, error) {
	flow, err := o.resume(flowToken, loginflow.StateDeviceCheck)
	if err != nil {
		return nil, err
	}

	collected := o.collector.Collect(in.Fingerprint)
	res := &StepResult{FingerprintFlags: collected.Flags}

	var (
		known      bool
		report     models.DeviceRiskReport
		assessment Assessment
	)
	var g errgroup.Group
	g.Go(func() error {
		known, _ = o.trust.IsKnown(ctx, flow.UserID, collected.Hash)
		return nil
	})
	g.Go(func() error {
		report = o.trust.Evaluate(ctx, flow.UserID, collected.Hash)
		return nil
	})
	g.Go(func() error {
		assessment = o.risk.Assess(ctx, AssessRequest{
			UserID:     flow.UserID,
			DeviceHash: collected.Hash,
			IPAddress:  in.IPAddress,
			Privacy:    in.Privacy,
		})
		return nil
	})
	_ = g.Wait()

	res.Trusted = known
	res.Risk = &assessment.RiskAssessment
	res.DeviceRisk = &report
	res.Action = assessment.Action
	if !known && assessment.Level != models.RiskHigh {
		res.Action = models.ActionChallenge
	}

	o.seedLastIssued(ctx, &flow)

	flow, err = o.apply(ctx, flow, loginflow.DeviceEvaluated{
		DeviceHash:  collected.Hash,
		DeviceLabel: fingerprint.Label(collected.Fingerprint),
		IPAddress:   in.IPAddress,
		Known:       known,
		Flagged:     report.RiskFlag,
		Level:       assessment.Level,
		At:          o.now(),
	}, res)
	return o.finish(flow, res, err)
}

// IssueOTP resends a code for a flow waiting on verification
func (o *LoginOrchestrator) IssueOTP(ctx context.Context, flowToken string) (*StepResult, error) {
	flow, err := o.resume(flowToken, loginflow.StateOTPVerify)
	if err != nil {
		return nil, err
	}

	o.seedLastIssued(ctx, &flow)

	res := &StepResult{}
	flow, err = o.apply(ctx, flow, loginflow.ResendRequested{At: o.now()}, res)
	return o.finish(flow, res, err)
}

// VerifyOTP checks a submitted code
func (o *LoginOrchestrator) VerifyOTP(ctx context.Context, flowToken, code string) (*StepResult, error) {
	flow, err := o.resume(flowToken, loginflow.StateOTPVerify)
	if err != nil {
		return nil, err
	}

	res := &StepResult{}
	result, err := o.otp.Verify(ctx, flow.UserID, code)
	if err != nil {
		if result == nil {
			return nil, err
		}
		flow, err = o.apply(ctx, flow, loginflow.OTPRejected{Err: err, Remaining: result.AttemptsRemaining}, res)
		return o.finish(flow, res, err)
	}

	flow, err = o.apply(ctx, flow, loginflow.OTPVerified{}, res)
	return o.finish(flow, res, err)
}

// Cancel abandons a flow. Nothing persisted so far is rolled back.
func (o *LoginOrchestrator) Cancel(ctx context.Context, flowToken string) (*StepResult, error) {
	flow, err := o.tokens.Parse(flowToken)
	if err != nil {
		return nil, err
	}

	res := &StepResult{}
	flow, err = o.apply(ctx, flow, loginflow.Cancelled{}, res)
	if err == nil {
		o.events.Record(ctx, models.SecurityEvent{
			UserID:     flow.UserID,
			EventType:  models.EventLoginAbandoned,
			DeviceHash: flow.DeviceHash,
			IPAddress:  flow.IPAddress,
		})
	}
	return o.finish(flow, res, err)
}

// resume restores a flow and rejects tokens from another step before any
// side effect runs
func (o *LoginOrchestrator) resume(flowToken string, want loginflow.State) (loginflow.Flow, error) {
	flow, err := o.tokens.Parse(flowToken)
	if err != nil {
		return loginflow.Flow{}, err
	}
	if flow.State != want {
		return loginflow.Flow{}, models.ErrInvalidFlowStep
	}
	return flow, nil
}

// seedLastIssued moves the flow's issue time forward to the newest stored
// code, since the token the caller presents may predate it
func (o *LoginOrchestrator) seedLastIssued(ctx context.Context, flow *loginflow.Flow) {
	last, err := o.otp.LastIssuedAt(ctx, flow.UserID)
	if err != nil {
		o.logger.Warn("could not read last issued code", slog.String("user_id", flow.UserID), slog.Any("error", err))
		return
	}
	if last.After(flow.LastIssuedAt) {
		flow.LastIssuedAt = last
	}
}

// apply runs one transition and executes its effects in order
func (o *LoginOrchestrator) apply(ctx context.Context, flow loginflow.Flow, ev loginflow.Event, res *StepResult) (loginflow.Flow, error) {
	from := flow.State
	flow, effects := loginflow.Transition(flow, ev)
	if from != flow.State {
		metrics.FlowTransitions.WithLabelValues(string(from), string(flow.State)).Inc()
	}

	for _, effect := range effects {
		switch e := effect.(type) {
		case loginflow.SurfaceError:
			if errors.Is(e.Err, models.ErrInvalidOTP) {
				remaining := e.Remaining
				res.AttemptsRemaining = &remaining
			}
			return flow, e.Err

		case loginflow.CollectFingerprint:
			// The caller submits the fingerprint in the next step

		case loginflow.IssueChallenge:
			issued, err := o.otp.Issue(ctx, flow.UserID)
			if err != nil {
				// The caller can still ask for a resend; the store shows no recent code
				o.logger.Error("failed to issue challenge", slog.String("user_id", flow.UserID), slog.Any("error", err))
				continue
			}
			res.Challenge = issued
			flow, _ = loginflow.Transition(flow, loginflow.ChallengeIssued{At: o.now()})

		case loginflow.TouchDevice:
			if err := o.trust.Touch(ctx, flow.UserID, e.DeviceHash); err != nil {
				o.logger.Warn("failed to touch device", slog.String("user_id", flow.UserID), slog.Any("error", err))
			}
			res.Trusted = true

		case loginflow.RegisterDevice:
			if err := o.trust.Trust(ctx, flow.UserID, e.DeviceHash, flow.IPAddress, flow.DeviceLabel, e.Flagged); err != nil {
				o.logger.Error("failed to register trusted device", slog.String("user_id", flow.UserID), slog.Any("error", err))
			} else {
				res.Trusted = true
			}

		case loginflow.Redirect:
			res.Redirect = e.Target
			o.loginSucceeded(ctx, flow)
		}
	}

	return flow, nil
}

func (o *LoginOrchestrator) loginSucceeded(ctx context.Context, flow loginflow.Flow) {
	o.events.Record(ctx, models.SecurityEvent{
		UserID:     flow.UserID,
		EventType:  models.EventLoginSuccess,
		DeviceHash: flow.DeviceHash,
		IPAddress:  flow.IPAddress,
		Metadata:   map[string]string{"risk_level": string(flow.RiskLevel)},
	})
	o.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:  models.EventLoginSuccess,
		UserID:     flow.UserID,
		IPAddress:  flow.IPAddress,
		DeviceHash: flow.DeviceHash,
		Success:    true,
	})
}

// finish fills the common result fields and signs the flow for the next step
func (o *LoginOrchestrator) finish(flow loginflow.Flow, res *StepResult, stepErr error) (*StepResult, error) {
	res.State = flow.State
	res.NextStep = loginflow.NextStep(flow.State)

	if flow.UserID != "" && flow.State != loginflow.StateAbandoned {
		token, err := o.tokens.Issue(flow)
		if err != nil {
			return nil, fmt.Errorf("failed to issue flow token: %w", err)
		}
		res.FlowToken = token
	}

	return res, stepErr
}
