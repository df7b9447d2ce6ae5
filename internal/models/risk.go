package models

import "time"

// RiskLevel is the coarse anonymity risk bucket
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Signal names used in RiskAssessment.Signals and access log rows
const (
	SignalTorExit         = "tor_exit"
	SignalTorBrowser      = "tor_browser"
	SignalProxy           = "proxy"
	SignalVPN             = "vpn"
	SignalHosting         = "hosting"
	SignalGeoJump         = "geo_jump"
	SignalHardenedBrowser = "hardened_browser"
	SignalRepeatedTor     = "repeated_tor"
)

// Actions recorded against an assessment
const (
	ActionAllow     = "allow"
	ActionChallenge = "challenge"
	ActionForceOTP  = "force_otp"
	ActionMonitor   = "monitor"
)

// RiskAssessment is the aggregated anonymity verdict for one login
type RiskAssessment struct {
	Score       float64         `json:"score"`
	Level       RiskLevel       `json:"level"`
	RequiresOTP bool            `json:"requires_otp"`
	Signals     map[string]bool `json:"signals"`
	Details     []string        `json:"details"`
	Action      string          `json:"action"`
}

// AccessLog is one append-only row per device check
type AccessLog struct {
	ID          string
	UserID      string
	DeviceHash  string
	IPAddress   string
	TorExit     bool
	TorBrowser  bool
	Proxy       bool
	VPN         bool
	Hosting     bool
	GeoJump     bool
	Hardened    bool
	RepeatedTor bool
	Score       float64
	Level       RiskLevel
	Action      string
	Country     string
	City        string
	Latitude    float64
	Longitude   float64
	ISP         string
	Org         string
	CreatedAt   time.Time
}

// HasCoordinates reports whether the row carries a usable geo position
func (l *AccessLog) HasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}
