package models

import "time"

// DeviceFingerprint is the client-reported environment of a browser.
// It is treated as immutable once collected for a login.
type DeviceFingerprint struct {
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	ScreenResolution    string `json:"screen_resolution"`
	Timezone            string `json:"timezone"`
	Language            string `json:"language"`
	ColorDepth          int    `json:"color_depth"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	Headless            bool   `json:"headless"`
	WebDriver           bool   `json:"webdriver"`
	Emulator            bool   `json:"emulator"`
}

// TrustedDevice associates a device hash with a user
type TrustedDevice struct {
	UserID        string
	DeviceHash    string
	Label         string
	FirstSeenIP   string
	TrustedStatus bool
	RiskFlag      bool
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
}

// CanSkipChallenge reports whether the device may bypass OTP on its own.
// Risk assessment may still force a challenge.
func (d *TrustedDevice) CanSkipChallenge() bool {
	return d.TrustedStatus && !d.RiskFlag
}

// DeviceCheck is one flagged/unflagged device-history check
type DeviceCheck struct {
	Flagged bool    `json:"flagged"`
	Count   int     `json:"count"`
	Weight  float64 `json:"weight"`
}

// DeviceRiskReport aggregates the device-history checks for a user/device pair
type DeviceRiskReport struct {
	MultiAccount      DeviceCheck `json:"multi_account"`
	RapidSwitching    DeviceCheck `json:"rapid_switching"`
	OTPFailures       DeviceCheck `json:"otp_failures"`
	RegistrationBurst DeviceCheck `json:"registration_burst"`
	Score             float64     `json:"score"`
	RiskFlag          bool        `json:"risk_flag"`
}
