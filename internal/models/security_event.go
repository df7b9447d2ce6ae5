package models

import "time"

// Security event types
const (
	EventLoginSuccess        = "login_success"
	EventLoginFailed         = "login_failed"
	EventLoginAbandoned      = "login_abandoned"
	EventOTPIssued           = "otp_issued"
	EventOTPFailed           = "otp_failed"
	EventOTPVerified         = "otp_verified"
	EventOTPLocked           = "otp_locked"
	EventDeviceTrusted       = "device_trusted"
	EventDeviceRemoved       = "device_removed"
	EventDeviceRiskFlagged   = "device_risk_flagged"
	EventDeviceRiskCleared   = "device_risk_cleared"
	EventHighAnonymityRisk   = "high_anonymity_risk"
	EventMonitoringEscalated = "monitoring_escalated"
)

// SecurityEvent is a generic audit record for security-relevant transitions
type SecurityEvent struct {
	ID         string
	UserID     string
	EventType  string
	DeviceHash string
	IPAddress  string
	Metadata   map[string]string
	CreatedAt  time.Time
}
