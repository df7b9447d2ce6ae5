package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/BradenHooton/stepguard/internal/models"
)

const unknown = "unknown"

// Human-readable suspicious environment flags
const (
	FlagHeadless          = "headless browser"
	FlagWebDriver         = "webdriver automation"
	FlagEmulator          = "emulator"
	FlagNoConcurrency     = "zero hardware concurrency"
	FlagUnknownResolution = "unknown screen resolution"
)

// headlessMarkers are user agent fragments only seen in automated browsers
var headlessMarkers = []string{"headlesschrome", "phantomjs", "slimerjs"}

// Result is the outcome of collecting a fingerprint
type Result struct {
	Fingerprint models.DeviceFingerprint
	Hash        string
	Suspicious  bool
	Flags       []string
}

// Collector normalizes client environment data and derives device hashes
type Collector struct {
	salt string
}

// NewCollector creates a Collector. The salt must be non-empty and stable
// across restarts or every device becomes unknown.
func NewCollector(salt string) (*Collector, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, models.ErrMissingSalt
	}
	return &Collector{salt: salt}, nil
}

// Collect normalizes raw attributes, evaluates automation signals and hashes the result
func (c *Collector) Collect(raw models.DeviceFingerprint) Result {
	fp := normalize(raw)

	var flags []string
	if fp.Headless {
		flags = append(flags, FlagHeadless)
	}
	if fp.WebDriver {
		flags = append(flags, FlagWebDriver)
	}
	if fp.Emulator {
		flags = append(flags, FlagEmulator)
	}
	if fp.HardwareConcurrency == 0 {
		flags = append(flags, FlagNoConcurrency)
	}
	if fp.ScreenResolution == unknown {
		flags = append(flags, FlagUnknownResolution)
	}

	return Result{
		Fingerprint: fp,
		Hash:        c.Hash(fp),
		Suspicious:  len(flags) > 0,
		Flags:       flags,
	}
}

// Hash returns the salted SHA-256 of the fingerprint fields in fixed order
func (c *Collector) Hash(fp models.DeviceFingerprint) string {
	fields := []string{
		fp.UserAgent,
		fp.Platform,
		fp.ScreenResolution,
		fp.Timezone,
		fp.Language,
		strconv.Itoa(fp.ColorDepth),
		strconv.Itoa(fp.HardwareConcurrency),
		strconv.FormatBool(fp.Headless),
		strconv.FormatBool(fp.WebDriver),
		strconv.FormatBool(fp.Emulator),
	}

	sum := sha256.Sum256([]byte(c.salt + strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

func normalize(fp models.DeviceFingerprint) models.DeviceFingerprint {
	fp.UserAgent = orUnknown(fp.UserAgent)
	fp.Platform = orUnknown(fp.Platform)
	fp.ScreenResolution = orUnknown(fp.ScreenResolution)
	fp.Timezone = orUnknown(fp.Timezone)
	fp.Language = orUnknown(strings.ToLower(fp.Language))

	if fp.ColorDepth < 0 {
		fp.ColorDepth = 0
	}
	if fp.HardwareConcurrency < 0 {
		fp.HardwareConcurrency = 0
	}

	ua := strings.ToLower(fp.UserAgent)
	for _, marker := range headlessMarkers {
		if strings.Contains(ua, marker) {
			fp.Headless = true
			break
		}
	}

	return fp
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return unknown
	}
	return s
}

// browserFamilies is checked in order; Edge and Opera also carry "chrome"
var browserFamilies = []struct{ marker, name string }{
	{"edg/", "Edge"},
	{"opr/", "Opera"},
	{"firefox/", "Firefox"},
	{"chrome/", "Chrome"},
	{"safari/", "Safari"},
}

// Label returns a short display name for a device, e.g. "Firefox on Linux x86_64"
func Label(fp models.DeviceFingerprint) string {
	browser := "Unknown browser"
	ua := strings.ToLower(fp.UserAgent)
	for _, f := range browserFamilies {
		if strings.Contains(ua, f.marker) {
			browser = f.name
			break
		}
	}

	platform := strings.TrimSpace(fp.Platform)
	if platform == "" || platform == unknown {
		return browser
	}
	return browser + " on " + platform
}
