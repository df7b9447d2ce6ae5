package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/models"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// DeviceService defines the trusted device management operations
type DeviceService interface {
	List(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	Remove(ctx context.Context, userID, deviceHash, ipAddress string) error
	ClearRiskFlag(ctx context.Context, userID, deviceHash, actorID string) error
}

// SecurityEventLister reads a user's security history
type SecurityEventLister interface {
	List(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

// DeviceHandler handles trusted device and security history endpoints
type DeviceHandler struct {
	devices  DeviceService
	events   SecurityEventLister
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(devices DeviceService, events SecurityEventLister, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices:  devices,
		events:   events,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// ListDevices returns the user's devices, most recently seen first
// @Router /users/{id}/devices [get]
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !h.checkUserAccess(w, r, userID) {
		return
	}

	devices, err := h.devices.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list devices", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, deviceToResponse(d))
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"devices": resp,
		"total":   len(resp),
	})
}

// RemoveDevice forgets a device so the next login from it is challenged
// @Router /users/{id}/devices/{hash} [delete]
func (h *DeviceHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !h.checkUserAccess(w, r, userID) {
		return
	}

	err := h.devices.Remove(r.Context(), userID, chi.URLParam(r, "hash"), pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Device not found")
			return
		}
		h.logger.Error("failed to remove device", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearRiskFlag lifts a device risk flag. Admin only.
// @Router /users/{id}/devices/{hash}/clear-risk [post]
func (h *DeviceHandler) ClearRiskFlag(w http.ResponseWriter, r *http.Request) {
	flow, ok := auth.GetFlowFromContext(r)
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	userID := chi.URLParam(r, "id")
	err := h.devices.ClearRiskFlag(r.Context(), userID, chi.URLParam(r, "hash"), flow.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Device not found")
			return
		}
		h.logger.Error("failed to clear risk flag", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSecurityEvents returns the user's recent security events
// @Param limit query int false "Limit (default 50, max 100)"
// @Router /users/{id}/security-events [get]
func (h *DeviceHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !h.checkUserAccess(w, r, userID) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			pkghttp.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.events.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list security events", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make([]SecurityEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventToResponse(e))
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": resp,
		"total":  len(resp),
	})
}

// checkUserAccess allows the owner or an admin through
func (h *DeviceHandler) checkUserAccess(w http.ResponseWriter, r *http.Request, userID string) bool {
	flow, ok := auth.GetFlowFromContext(r)
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return false
	}

	if flow.UserID != userID && flow.Role != models.RoleAdmin {
		pkghttp.WriteForbidden(w, "you cannot access this resource")
		return false
	}

	return true
}
