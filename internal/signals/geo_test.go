package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/stretchr/testify/assert"
)

type mockAccessLogReader struct {
	GetLatestForUserFunc func(ctx context.Context, userID string) (*models.AccessLog, error)
}

func (m *mockAccessLogReader) GetLatestForUser(ctx context.Context, userID string) (*models.AccessLog, error) {
	return m.GetLatestForUserFunc(ctx, userID)
}

var (
	newYork = GeoPoint{Country: "United States", Latitude: 40.7128, Longitude: -74.0060}
	sydney  = GeoPoint{Country: "Australia", Latitude: -33.8688, Longitude: 151.2093}
	london  = GeoPoint{Country: "United Kingdom", Latitude: 51.5074, Longitude: -0.1278}
)

func logAt(p GeoPoint, at time.Time) *models.AccessLog {
	return &models.AccessLog{Country: p.Country, Latitude: p.Latitude, Longitude: p.Longitude, CreatedAt: at}
}

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name     string
		a, b     GeoPoint
		expected float64
	}{
		{"NYC to London", newYork, london, 5570},
		{"NYC to Sydney", newYork, sydney, 15989},
		{"same point", london, london, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := HaversineKm(tt.a.Latitude, tt.a.Longitude, tt.b.Latitude, tt.b.Longitude)
			assert.InDelta(t, tt.expected, d, 50)
		})
	}
}

func TestEvaluateTravel(t *testing.T) {
	cfg := DefaultGeoConfig()
	now := time.Now()

	// About 10 km east of central London
	nearLondon := GeoPoint{Country: "United Kingdom", Latitude: 51.5074, Longitude: 0.0160}

	tests := []struct {
		name    string
		prev    *models.AccessLog
		current GeoPoint
		flagged bool
	}{
		{"first login has no baseline", nil, sydney, false},
		{"far apart ten minutes apart", logAt(newYork, now.Add(-10*time.Minute)), sydney, true},
		{"10 km ten minutes apart", logAt(london, now.Add(-10*time.Minute)), nearLondon, false},
		{"far apart but enough time", logAt(newYork, now.Add(-24*time.Hour)), london, false},
		{"same timestamp far apart", logAt(newYork, now), london, true},
		{"previous without coordinates", &models.AccessLog{CreatedAt: now.Add(-time.Minute)}, london, false},
		{"current without coordinates", logAt(newYork, now.Add(-time.Minute)), GeoPoint{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EvaluateTravel(cfg, tt.prev, tt.current, now)
			assert.Equal(t, tt.flagged, result.Flagged)
		})
	}
}

func TestGeoAnomalyCheck_FirstLoginNeverFlags(t *testing.T) {
	g := NewGeoAnomaly(DefaultGeoConfig(), &mockAccessLogReader{
		GetLatestForUserFunc: func(ctx context.Context, userID string) (*models.AccessLog, error) {
			return nil, models.ErrNotFound
		},
	}, quietLogger())

	result := g.Check(context.Background(), "user-1", sydney, time.Now())

	assert.False(t, result.Flagged)
	assert.False(t, result.HasBaseline)
}

func TestGeoAnomalyCheck_StorageErrorFailsOpen(t *testing.T) {
	g := NewGeoAnomaly(DefaultGeoConfig(), &mockAccessLogReader{
		GetLatestForUserFunc: func(ctx context.Context, userID string) (*models.AccessLog, error) {
			return nil, errors.New("connection refused")
		},
	}, quietLogger())

	assert.False(t, g.Check(context.Background(), "user-1", sydney, time.Now()).Flagged)
}

func TestGeoAnomalyCheck_ImpossibleTravel(t *testing.T) {
	now := time.Now()
	g := NewGeoAnomaly(DefaultGeoConfig(), &mockAccessLogReader{
		GetLatestForUserFunc: func(ctx context.Context, userID string) (*models.AccessLog, error) {
			return logAt(newYork, now.Add(-10*time.Minute)), nil
		},
	}, quietLogger())

	result := g.Check(context.Background(), "user-1", sydney, now)

	assert.True(t, result.Flagged)
	assert.Equal(t, "United States", result.PreviousCountry)
	assert.Greater(t, result.SpeedKmh, 500.0)
}
