package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// FlowClaims carries login flow state between caller-facing steps.
// A token in the SUCCESS state is accepted as a bearer on account routes.
type FlowClaims struct {
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	Role          string `json:"role"`
	State         string `json:"state"`
	DeviceHash    string `json:"device_hash,omitempty"`
	DeviceLabel   string `json:"device_label,omitempty"`
	IPAddress     string `json:"ip,omitempty"`
	DeviceKnown   bool   `json:"device_known,omitempty"`
	DeviceFlagged bool   `json:"device_flagged,omitempty"`
	RiskLevel     string `json:"risk_level,omitempty"`
	LastIssuedAt  int64  `json:"last_issued_at,omitempty"`
	jwt.RegisteredClaims
}
