package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/services"
	"github.com/BradenHooton/stepguard/internal/signals"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
)

// LoginFlowService defines the step-up login operations
type LoginFlowService interface {
	Login(ctx context.Context, email, password, ipAddress string) (*services.StepResult, error)
	CheckDevice(ctx context.Context, flowToken string, in services.DeviceCheckInput) (*services.StepResult, error)
	IssueOTP(ctx context.Context, flowToken string) (*services.StepResult, error)
	VerifyOTP(ctx context.Context, flowToken, code string) (*services.StepResult, error)
	Cancel(ctx context.Context, flowToken string) (*services.StepResult, error)
}

// LoginHandler handles the step-up login endpoints
type LoginHandler struct {
	service  LoginFlowService
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewLoginHandler creates a new LoginHandler
func NewLoginHandler(service LoginFlowService, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Login handles the credentials step
// @Router /auth/login [post]
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Login(r.Context(), req.Email, req.Password, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		h.writeFlowError(w, err, res)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, res)
}

// CheckDevice handles the device step
// @Router /auth/device [post]
func (h *LoginHandler) CheckDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceCheckRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.CheckDevice(r.Context(), req.FlowToken, services.DeviceCheckInput{
		Fingerprint: req.Fingerprint.toModel(),
		Privacy:     signals.ReportedProbe{Signals: req.Privacy.toSignals()},
		IPAddress:   pkghttp.ExtractClientIP(r, h.ipConfig),
	})
	if err != nil {
		h.writeFlowError(w, err, res)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, res)
}

// IssueOTP resends a verification code
// @Router /auth/otp [post]
func (h *LoginHandler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	var req FlowTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.IssueOTP(r.Context(), req.FlowToken)
	if err != nil {
		h.writeFlowError(w, err, res)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, res)
}

// VerifyOTP checks a submitted code
// @Router /auth/otp/verify [post]
func (h *LoginHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.VerifyOTP(r.Context(), req.FlowToken, req.Code)
	if err != nil {
		h.writeFlowError(w, err, res)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, res)
}

// Cancel abandons the flow
// @Router /auth/cancel [post]
func (h *LoginHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req FlowTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Cancel(r.Context(), req.FlowToken)
	if err != nil {
		h.writeFlowError(w, err, res)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, res)
}

// writeFlowError maps login flow errors to responses
func (h *LoginHandler) writeFlowError(w http.ResponseWriter, err error, res *services.StepResult) {
	switch {
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrAccountDisabled),
		errors.Is(err, models.ErrAccountSuspended),
		errors.Is(err, models.ErrAccountLocked):
		// Return generic error for all account status issues to prevent user enumeration
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrFlowExpired):
		pkghttp.WriteError(w, http.StatusUnauthorized, "flow_expired", err.Error())
	case errors.Is(err, models.ErrInvalidFlowStep):
		pkghttp.WriteConflictState(w, "invalid_step", err.Error())
	case errors.Is(err, models.ErrResendCooldown):
		pkghttp.WriteError(w, http.StatusTooManyRequests, "resend_cooldown", err.Error())
	case errors.Is(err, models.ErrInvalidOTPFormat):
		pkghttp.WriteBadRequest(w, err.Error())
	case errors.Is(err, models.ErrInvalidOTP):
		remaining := 0
		if res != nil && res.AttemptsRemaining != nil {
			remaining = *res.AttemptsRemaining
		}
		pkghttp.WriteInvalidCode(w, err.Error(), remaining)
	case errors.Is(err, models.ErrOTPExpired):
		pkghttp.WriteGone(w, "otp_expired", err.Error())
	case errors.Is(err, models.ErrOTPAttemptsExhausted):
		pkghttp.WriteGone(w, "otp_locked", err.Error())
	case errors.Is(err, models.ErrNoPendingChallenge):
		pkghttp.WriteGone(w, "no_pending_challenge", err.Error())
	default:
		h.logger.Error("login flow step failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
