package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/stepguard/internal/handlers"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceListResponse struct {
	Devices []handlers.DeviceResponse `json:"devices"`
	Total   int                       `json:"total"`
}

type eventListResponse struct {
	Events []handlers.SecurityEventResponse `json:"events"`
	Total  int                              `json:"total"`
}

func newDeviceHandler(devices *handlers.MockDeviceService, events *handlers.MockEventLister) *handlers.DeviceHandler {
	return handlers.NewDeviceHandler(devices, events, nil, handlers.NewTestLogger())
}

func TestDeviceHandler_ListDevices_Owner(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	devices := &handlers.MockDeviceService{
		ListFunc: func(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
			assert.Equal(t, "user-1", userID)
			return []*models.TrustedDevice{{
				UserID:        userID,
				DeviceHash:    "abc",
				Label:         "Firefox on Linux x86_64",
				TrustedStatus: true,
				LastSeenAt:    seen,
			}}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/users/user-1/devices", nil)
	req = handlers.WithURLParams(req, map[string]string{"id": "user-1"})
	req = handlers.WithFlowContext(req, "user-1", models.RoleCustomer)
	w := httptest.NewRecorder()
	newDeviceHandler(devices, &handlers.MockEventLister{}).ListDevices(w, req)

	var resp deviceListResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "abc", resp.Devices[0].DeviceHash)
	assert.True(t, resp.Devices[0].Trusted)
	assert.True(t, seen.Equal(resp.Devices[0].LastSeenAt))
}

func TestDeviceHandler_Access(t *testing.T) {
	tests := []struct {
		name       string
		callerID   string
		role       string
		wantStatus int
	}{
		{"owner", "user-1", models.RoleCustomer, http.StatusOK},
		{"admin", "admin-1", models.RoleAdmin, http.StatusOK},
		{"other customer", "user-2", models.RoleCustomer, http.StatusForbidden},
		{"teller", "teller-1", models.RoleTeller, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/users/user-1/devices", nil)
			req = handlers.WithURLParams(req, map[string]string{"id": "user-1"})
			req = handlers.WithFlowContext(req, tt.callerID, tt.role)
			w := httptest.NewRecorder()
			newDeviceHandler(&handlers.MockDeviceService{}, &handlers.MockEventLister{}).ListDevices(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestDeviceHandler_NoFlowContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/users/user-1/devices", nil)
	req = handlers.WithURLParams(req, map[string]string{"id": "user-1"})
	w := httptest.NewRecorder()
	newDeviceHandler(&handlers.MockDeviceService{}, &handlers.MockEventLister{}).ListDevices(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusUnauthorized, "unauthorized")
}

func TestDeviceHandler_RemoveDevice(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"removed", nil, http.StatusNoContent},
		{"unknown device", models.ErrNotFound, http.StatusNotFound},
		{"storage failure", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotHash string
			devices := &handlers.MockDeviceService{
				RemoveFunc: func(ctx context.Context, userID, deviceHash, ipAddress string) error {
					gotHash = deviceHash
					return tt.err
				},
			}

			req := httptest.NewRequest(http.MethodDelete, "/users/user-1/devices/abc", nil)
			req = handlers.WithURLParams(req, map[string]string{"id": "user-1", "hash": "abc"})
			req = handlers.WithFlowContext(req, "user-1", models.RoleCustomer)
			w := httptest.NewRecorder()
			newDeviceHandler(devices, &handlers.MockEventLister{}).RemoveDevice(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "abc", gotHash)
		})
	}
}

func TestDeviceHandler_ClearRiskFlag_RecordsActor(t *testing.T) {
	var gotActor string
	devices := &handlers.MockDeviceService{
		ClearRiskFlagFunc: func(ctx context.Context, userID, deviceHash, actorID string) error {
			assert.Equal(t, "user-1", userID)
			gotActor = actorID
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/users/user-1/devices/abc/clear-risk", nil)
	req = handlers.WithURLParams(req, map[string]string{"id": "user-1", "hash": "abc"})
	req = handlers.WithFlowContext(req, "admin-1", models.RoleAdmin)
	w := httptest.NewRecorder()
	newDeviceHandler(devices, &handlers.MockEventLister{}).ClearRiskFlag(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "admin-1", gotActor)
}

func TestDeviceHandler_ListSecurityEvents(t *testing.T) {
	var gotLimit int
	events := &handlers.MockEventLister{
		ListFunc: func(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
			gotLimit = limit
			return []*models.SecurityEvent{
				{ID: "e1", UserID: userID, EventType: models.EventOTPFailed, Metadata: map[string]string{"attempts": "2"}},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/users/user-1/security-events?limit=10", nil)
	req = handlers.WithURLParams(req, map[string]string{"id": "user-1"})
	req = handlers.WithFlowContext(req, "user-1", models.RoleCustomer)
	w := httptest.NewRecorder()
	newDeviceHandler(&handlers.MockDeviceService{}, events).ListSecurityEvents(w, req)

	var resp eventListResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, models.EventOTPFailed, resp.Events[0].EventType)
	assert.Equal(t, "2", resp.Events[0].Metadata["attempts"])
	assert.Equal(t, 10, gotLimit)
}

func TestDeviceHandler_ListSecurityEvents_InvalidLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/users/user-1/security-events?limit=-3", nil)
	req = handlers.WithURLParams(req, map[string]string{"id": "user-1"})
	req = handlers.WithFlowContext(req, "user-1", models.RoleCustomer)
	w := httptest.NewRecorder()
	newDeviceHandler(&handlers.MockDeviceService{}, &handlers.MockEventLister{}).ListSecurityEvents(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusBadRequest, "bad_request")
}
