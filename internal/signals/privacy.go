package signals

import "context"

const lowEntropyThreshold = 30

// PrivacySignals are browser anti-fingerprinting observations.
// EntropyScore is in [0,100]; nil means the client did not report one.
type PrivacySignals struct {
	CanvasBlocked bool `json:"canvas_blocked"`
	WebGLBlocked  bool `json:"webgl_blocked"`
	WebRTCBlocked bool `json:"webrtc_blocked"`
	AudioBlocked  bool `json:"audio_blocked"`
	EntropyScore  *int `json:"entropy_score,omitempty"`
	TorBrowser    bool `json:"tor_browser"`
}

// BlockedCount returns how many fingerprinting surfaces are blocked
func (p PrivacySignals) BlockedCount() int {
	n := 0
	for _, blocked := range []bool{p.CanvasBlocked, p.WebGLBlocked, p.WebRTCBlocked, p.AudioBlocked} {
		if blocked {
			n++
		}
	}
	return n
}

// Hardened reports an anti-fingerprinting browser: two or more blocked
// surfaces, or a reported entropy score under 30
func (p PrivacySignals) Hardened() bool {
	if p.BlockedCount() >= 2 {
		return true
	}
	return p.EntropyScore != nil && *p.EntropyScore < lowEntropyThreshold
}

// PrivacyProbe supplies browser privacy observations for the current login
type PrivacyProbe interface {
	Probe(ctx context.Context) (PrivacySignals, error)
}

// ReportedProbe returns values the client already collected
type ReportedProbe struct {
	Signals PrivacySignals
}

func (p ReportedProbe) Probe(_ context.Context) (PrivacySignals, error) {
	s := p.Signals
	if s.EntropyScore != nil {
		v := *s.EntropyScore
		if v < 0 {
			v = 0
		} else if v > 100 {
			v = 100
		}
		s.EntropyScore = &v
	}
	return s, nil
}
