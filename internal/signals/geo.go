package signals

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/BradenHooton/stepguard/internal/metrics"
	"github.com/BradenHooton/stepguard/internal/models"
)

const earthRadiusKm = 6371.0

// AccessLogReader returns the most recent access log row for a user,
// or models.ErrNotFound when the user has none
type AccessLogReader interface {
	GetLatestForUser(ctx context.Context, userID string) (*models.AccessLog, error)
}

// GeoConfig holds impossible-travel thresholds
type GeoConfig struct {
	DistanceThresholdKm float64
	SpeedThresholdKmh   float64
}

// DefaultGeoConfig flags more than 500 km at more than 500 km/h
func DefaultGeoConfig() GeoConfig {
	return GeoConfig{DistanceThresholdKm: 500, SpeedThresholdKmh: 500}
}

// GeoPoint is the located position of the current login
type GeoPoint struct {
	Country   string
	Latitude  float64
	Longitude float64
}

func (p GeoPoint) known() bool {
	return p.Latitude != 0 || p.Longitude != 0
}

// GeoResult is the outcome of an impossible-travel check
type GeoResult struct {
	Flagged         bool
	HasBaseline     bool
	DistanceKm      float64
	SpeedKmh        float64
	PreviousCountry string
}

// GeoAnomaly compares a login against the user's previous located login
type GeoAnomaly struct {
	cfg    GeoConfig
	logs   AccessLogReader
	logger *slog.Logger
}

// NewGeoAnomaly creates the checker
func NewGeoAnomaly(cfg GeoConfig, logs AccessLogReader, logger *slog.Logger) *GeoAnomaly {
	return &GeoAnomaly{cfg: cfg, logs: logs, logger: logger}
}

// Check reads the latest stored row for userID and evaluates travel to current.
// A missing baseline or a storage error never flags.
func (g *GeoAnomaly) Check(ctx context.Context, userID string, current GeoPoint, at time.Time) GeoResult {
	prev, err := g.logs.GetLatestForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			metrics.SignalFailures.WithLabelValues("geo").Inc()
			g.logger.Warn("failed to load previous access log",
				slog.String("user_id", userID),
				slog.Any("error", err))
		}
		return GeoResult{}
	}
	return EvaluateTravel(g.cfg, prev, current, at)
}

// EvaluateTravel flags when both distance and implied speed exceed the
// thresholds. Zero elapsed time over the distance threshold counts as
// infinite speed.
func EvaluateTravel(cfg GeoConfig, prev *models.AccessLog, current GeoPoint, at time.Time) GeoResult {
	if prev == nil {
		return GeoResult{}
	}

	result := GeoResult{HasBaseline: true, PreviousCountry: prev.Country}
	if !prev.HasCoordinates() || !current.known() {
		return result
	}

	result.DistanceKm = HaversineKm(prev.Latitude, prev.Longitude, current.Latitude, current.Longitude)

	elapsed := at.Sub(prev.CreatedAt).Hours()
	if elapsed <= 0 {
		result.SpeedKmh = math.Inf(1)
	} else {
		result.SpeedKmh = result.DistanceKm / elapsed
	}

	result.Flagged = result.DistanceKm > cfg.DistanceThresholdKm && result.SpeedKmh > cfg.SpeedThresholdKmh
	return result
}

// HaversineKm returns the great-circle distance between two coordinates
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
