package handlers

import (
	"strings"
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/BradenHooton/stepguard/internal/signals"
)

// Login flow DTOs

// LoginRequest is the credentials step
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

func (r *LoginRequest) normalize() {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

// FingerprintRequest is the client-reported browser environment
type FingerprintRequest struct {
	UserAgent           string `json:"user_agent" validate:"required,max=1024"`
	Platform            string `json:"platform" validate:"max=128"`
	ScreenResolution    string `json:"screen_resolution" validate:"max=32,screenres"`
	Timezone            string `json:"timezone" validate:"max=64"`
	Language            string `json:"language" validate:"max=35"`
	ColorDepth          int    `json:"color_depth" validate:"gte=0,lte=64"`
	HardwareConcurrency int    `json:"hardware_concurrency" validate:"gte=0,lte=1024"`
	Headless            bool   `json:"headless"`
	WebDriver           bool   `json:"webdriver"`
	Emulator            bool   `json:"emulator"`
}

// PrivacyRequest carries the browser's anti-fingerprinting observations
type PrivacyRequest struct {
	CanvasBlocked bool `json:"canvas_blocked"`
	WebGLBlocked  bool `json:"webgl_blocked"`
	WebRTCBlocked bool `json:"webrtc_blocked"`
	AudioBlocked  bool `json:"audio_blocked"`
	EntropyScore  *int `json:"entropy_score,omitempty" validate:"omitempty,gte=0,lte=100"`
	TorBrowser    bool `json:"tor_browser"`
}

// DeviceCheckRequest is the device step
type DeviceCheckRequest struct {
	FlowToken   string             `json:"flow_token" validate:"required"`
	Fingerprint FingerprintRequest `json:"fingerprint"`
	Privacy     PrivacyRequest     `json:"privacy"`
}

// FlowTokenRequest is used by resend and cancel
type FlowTokenRequest struct {
	FlowToken string `json:"flow_token" validate:"required"`
}

// VerifyOTPRequest is the code submission step. Format is checked by the
// service so a malformed code is reported without consuming an attempt.
type VerifyOTPRequest struct {
	FlowToken string `json:"flow_token" validate:"required"`
	Code      string `json:"code" validate:"required,max=16"`
}

func (r *VerifyOTPRequest) normalize() {
	r.Code = strings.TrimSpace(r.Code)
}

func (f FingerprintRequest) toModel() models.DeviceFingerprint {
	return models.DeviceFingerprint{
		UserAgent:           f.UserAgent,
		Platform:            f.Platform,
		ScreenResolution:    f.ScreenResolution,
		Timezone:            f.Timezone,
		Language:            f.Language,
		ColorDepth:          f.ColorDepth,
		HardwareConcurrency: f.HardwareConcurrency,
		Headless:            f.Headless,
		WebDriver:           f.WebDriver,
		Emulator:            f.Emulator,
	}
}

func (p PrivacyRequest) toSignals() signals.PrivacySignals {
	return signals.PrivacySignals{
		CanvasBlocked: p.CanvasBlocked,
		WebGLBlocked:  p.WebGLBlocked,
		WebRTCBlocked: p.WebRTCBlocked,
		AudioBlocked:  p.AudioBlocked,
		EntropyScore:  p.EntropyScore,
		TorBrowser:    p.TorBrowser,
	}
}

// Device DTOs

// DeviceResponse is a trusted device as shown to its owner
type DeviceResponse struct {
	DeviceHash  string    `json:"device_hash"`
	Label       string    `json:"label"`
	FirstSeenIP string    `json:"first_seen_ip"`
	Trusted     bool      `json:"trusted"`
	RiskFlag    bool      `json:"risk_flag"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func deviceToResponse(d *models.TrustedDevice) DeviceResponse {
	return DeviceResponse{
		DeviceHash:  d.DeviceHash,
		Label:       d.Label,
		FirstSeenIP: d.FirstSeenIP,
		Trusted:     d.TrustedStatus,
		RiskFlag:    d.RiskFlag,
		FirstSeenAt: d.FirstSeenAt,
		LastSeenAt:  d.LastSeenAt,
	}
}

// SecurityEventResponse is one entry of a user's security history
type SecurityEventResponse struct {
	ID         string            `json:"id"`
	EventType  string            `json:"event_type"`
	DeviceHash string            `json:"device_hash,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func eventToResponse(e *models.SecurityEvent) SecurityEventResponse {
	return SecurityEventResponse{
		ID:         e.ID,
		EventType:  e.EventType,
		DeviceHash: e.DeviceHash,
		IPAddress:  e.IPAddress,
		Metadata:   e.Metadata,
		CreatedAt:  e.CreatedAt,
	}
}
