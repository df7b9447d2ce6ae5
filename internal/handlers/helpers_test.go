package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/loginflow"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/services"
	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestLogger discards all output
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithFlowContext adds a completed flow to the request context
func WithFlowContext(req *http.Request, userID, role string) *http.Request {
	flow := loginflow.Flow{State: loginflow.StateSuccess, UserID: userID, Role: role}
	ctx := context.WithValue(req.Context(), auth.FlowContextKey, flow)
	return req.WithContext(ctx)
}

// WithURLParams sets chi route parameters on the request
func WithURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// MockLoginFlowService implements LoginFlowService for testing
type MockLoginFlowService struct {
	LoginFunc       func(ctx context.Context, email, password, ipAddress string) (*services.StepResult, error)
	CheckDeviceFunc func(ctx context.Context, flowToken string, in services.DeviceCheckInput) (*services.StepResult, error)
	IssueOTPFunc    func(ctx context.Context, flowToken string) (*services.StepResult, error)
	VerifyOTPFunc   func(ctx context.Context, flowToken, code string) (*services.StepResult, error)
	CancelFunc      func(ctx context.Context, flowToken string) (*services.StepResult, error)
}

func (m *MockLoginFlowService) Login(ctx context.Context, email, password, ipAddress string) (*services.StepResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, email, password, ipAddress)
}

func (m *MockLoginFlowService) CheckDevice(ctx context.Context, flowToken string, in services.DeviceCheckInput) (*services.StepResult, error) {
	if m.CheckDeviceFunc == nil {
		return nil, models.ErrInvalidFlowStep
	}
	return m.CheckDeviceFunc(ctx, flowToken, in)
}

func (m *MockLoginFlowService) IssueOTP(ctx context.Context, flowToken string) (*services.StepResult, error) {
	if m.IssueOTPFunc == nil {
		return nil, models.ErrInvalidFlowStep
	}
	return m.IssueOTPFunc(ctx, flowToken)
}

func (m *MockLoginFlowService) VerifyOTP(ctx context.Context, flowToken, code string) (*services.StepResult, error) {
	if m.VerifyOTPFunc == nil {
		return nil, models.ErrInvalidFlowStep
	}
	return m.VerifyOTPFunc(ctx, flowToken, code)
}

func (m *MockLoginFlowService) Cancel(ctx context.Context, flowToken string) (*services.StepResult, error) {
	if m.CancelFunc == nil {
		return nil, models.ErrInvalidFlowStep
	}
	return m.CancelFunc(ctx, flowToken)
}

// MockDeviceService implements DeviceService for testing
type MockDeviceService struct {
	ListFunc          func(ctx context.Context, userID string) ([]*models.TrustedDevice, error)
	RemoveFunc        func(ctx context.Context, userID, deviceHash, ipAddress string) error
	ClearRiskFlagFunc func(ctx context.Context, userID, deviceHash, actorID string) error
}

func (m *MockDeviceService) List(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, userID)
}

func (m *MockDeviceService) Remove(ctx context.Context, userID, deviceHash, ipAddress string) error {
	if m.RemoveFunc == nil {
		return nil
	}
	return m.RemoveFunc(ctx, userID, deviceHash, ipAddress)
}

func (m *MockDeviceService) ClearRiskFlag(ctx context.Context, userID, deviceHash, actorID string) error {
	if m.ClearRiskFlagFunc == nil {
		return nil
	}
	return m.ClearRiskFlagFunc(ctx, userID, deviceHash, actorID)
}

// MockEventLister implements SecurityEventLister for testing
type MockEventLister struct {
	ListFunc func(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error)
}

func (m *MockEventLister) List(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	if m.ListFunc == nil {
		return nil, nil
	}
	return m.ListFunc(ctx, userID, limit)
}

// MockDatabase implements DatabaseChecker for testing
type MockDatabase struct {
	Err error
}

func (m *MockDatabase) HealthCheck(ctx context.Context) error {
	return m.Err
}

// FixedTorList implements TorListSizer for testing
type FixedTorList int

func (f FixedTorList) Size() int {
	return int(f)
}
