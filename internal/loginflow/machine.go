// Package loginflow holds the step-up login state machine. Transition is
// pure: it never performs I/O and callers execute the returned effects.
package loginflow

import (
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
)

// State is a login flow step
type State string

const (
	StateCredentials State = "CREDENTIALS"
	StateDeviceCheck State = "DEVICE_CHECK"
	StateOTPVerify   State = "OTP_VERIFY"
	StateSuccess     State = "SUCCESS"
	StateAbandoned   State = "ABANDONED"
)

// ResendCooldown is the minimum gap between two issued codes
const ResendCooldown = 30 * time.Second

// Terminal reports whether no further events are accepted
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateAbandoned
}

// Flow is the state carried between caller-facing steps
type Flow struct {
	State         State
	UserID        string
	Role          string
	DeviceHash    string
	DeviceLabel   string
	IPAddress     string
	DeviceKnown   bool
	DeviceFlagged bool // history flag raised before the device had a row
	RiskLevel     models.RiskLevel
	LastIssuedAt  time.Time
}

// New returns a flow waiting for credentials
func New() Flow {
	return Flow{State: StateCredentials}
}

// Event is an input to the state machine
type Event interface {
	event()
}

type CredentialsRejected struct{ Err error }

type CredentialsAccepted struct {
	UserID string
	Role   string
}

type DeviceEvaluated struct {
	DeviceHash  string
	DeviceLabel string
	IPAddress   string
	Known       bool
	Flagged     bool
	Level       models.RiskLevel
	At          time.Time
}

type ChallengeIssued struct{ At time.Time }

type OTPRejected struct {
	Err       error
	Remaining int
}

type OTPVerified struct{}

type ResendRequested struct{ At time.Time }

type Cancelled struct{}

func (CredentialsRejected) event() {}
func (CredentialsAccepted) event() {}
func (DeviceEvaluated) event()     {}
func (ChallengeIssued) event()     {}
func (OTPRejected) event()         {}
func (OTPVerified) event()         {}
func (ResendRequested) event()     {}
func (Cancelled) event()           {}

// Effect is work the caller must perform after a transition
type Effect interface {
	effect()
}

type SurfaceError struct {
	Err       error
	Remaining int
}

type CollectFingerprint struct{}

type IssueChallenge struct{}

type RegisterDevice struct {
	DeviceHash string
	Flagged    bool
}

type TouchDevice struct{ DeviceHash string }

type Redirect struct{ Target string }

func (SurfaceError) effect()       {}
func (CollectFingerprint) effect() {}
func (IssueChallenge) effect()     {}
func (RegisterDevice) effect()     {}
func (TouchDevice) effect()        {}
func (Redirect) effect()           {}

// Transition applies ev to f. Events that are not valid for the current
// state leave the flow unchanged and surface ErrInvalidFlowStep.
func Transition(f Flow, ev Event) (Flow, []Effect) {
	if _, ok := ev.(Cancelled); ok && !f.State.Terminal() {
		f.State = StateAbandoned
		return f, nil
	}

	switch f.State {
	case StateCredentials:
		switch e := ev.(type) {
		case CredentialsRejected:
			return f, []Effect{SurfaceError{Err: e.Err}}
		case CredentialsAccepted:
			f.UserID = e.UserID
			f.Role = e.Role
			f.State = StateDeviceCheck
			return f, []Effect{CollectFingerprint{}}
		}

	case StateDeviceCheck:
		if e, ok := ev.(DeviceEvaluated); ok {
			f.DeviceHash = e.DeviceHash
			f.DeviceLabel = e.DeviceLabel
			f.IPAddress = e.IPAddress
			f.DeviceKnown = e.Known
			f.DeviceFlagged = e.Flagged
			f.RiskLevel = e.Level

			if e.Known && e.Level != models.RiskHigh {
				f.State = StateSuccess
				return f, []Effect{TouchDevice{DeviceHash: f.DeviceHash}, Redirect{Target: RedirectFor(f.Role)}}
			}
			f.State = StateOTPVerify
			// A replayed device check inside the cooldown reuses the pending code
			if f.coolingDown(e.At) {
				return f, nil
			}
			return f, []Effect{IssueChallenge{}}
		}

	case StateOTPVerify:
		switch e := ev.(type) {
		case ChallengeIssued:
			f.LastIssuedAt = e.At
			return f, nil
		case OTPRejected:
			return f, []Effect{SurfaceError{Err: e.Err, Remaining: e.Remaining}}
		case OTPVerified:
			f.State = StateSuccess
			return f, []Effect{RegisterDevice{DeviceHash: f.DeviceHash, Flagged: f.DeviceFlagged}, Redirect{Target: RedirectFor(f.Role)}}
		case ResendRequested:
			if f.coolingDown(e.At) {
				return f, []Effect{SurfaceError{Err: models.ErrResendCooldown}}
			}
			return f, []Effect{IssueChallenge{}}
		}
	}

	return f, []Effect{SurfaceError{Err: models.ErrInvalidFlowStep}}
}

// coolingDown reports whether a code was issued less than ResendCooldown
// before at
func (f Flow) coolingDown(at time.Time) bool {
	return !f.LastIssuedAt.IsZero() && at.Sub(f.LastIssuedAt) < ResendCooldown
}

// RedirectFor maps a stored role to the post-login landing page
func RedirectFor(role string) string {
	switch role {
	case models.RoleAdmin:
		return "/admin/dashboard"
	case models.RoleTeller:
		return "/teller/dashboard"
	default:
		return "/dashboard"
	}
}

// NextStep names what the caller should do next in state s
func NextStep(s State) string {
	switch s {
	case StateCredentials:
		return "credentials"
	case StateDeviceCheck:
		return "device_check"
	case StateOTPVerify:
		return "otp_verify"
	case StateSuccess:
		return "redirect"
	default:
		return "none"
	}
}
