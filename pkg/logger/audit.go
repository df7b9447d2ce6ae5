package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	UserID        string
	IPAddress     string
	DeviceHash    string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogAuthAttempt logs credential and OTP attempts
func (al *AuditLogger) LogAuthAttempt(event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.DeviceHash != "" {
		attrs = append(attrs, slog.String("device", ShortHash(event.DeviceHash)))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	attrs = appendMetadata(attrs, event.Metadata)

	if event.Success {
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	}
}

// LogRiskDecision logs the enforcement decision for a device check.
// HIGH decisions are logged at warn level.
func (al *AuditLogger) LogRiskDecision(userID, ipAddress, level string, score float64, action string, signals []string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "risk"),
		slog.String("event_type", "risk_decision"),
		slog.String("user_id", userID),
		slog.String("level", level),
		slog.Float64("score", score),
		slog.String("action", action),
		slog.Any("signals", signals),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if ipAddress != "" {
		attrs = append(attrs, slog.String("ip_address", ipAddress))
	}

	lvl := slog.LevelInfo
	if level == "HIGH" {
		lvl = slog.LevelWarn
	}
	al.logger.LogAttrs(context.Background(), lvl, "audit", attrs...)
}

// LogDeviceAction logs trusted device changes
func (al *AuditLogger) LogDeviceAction(eventType, userID, deviceHash, ipAddress string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "device"),
		slog.String("event_type", eventType),
		slog.String("user_id", userID),
		slog.String("device", ShortHash(deviceHash)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if ipAddress != "" {
		attrs = append(attrs, slog.String("ip_address", ipAddress))
	}
	attrs = appendMetadata(attrs, metadata)

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
}

func appendMetadata(attrs []slog.Attr, metadata map[string]string) []slog.Attr {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		attrs = append(attrs, slog.String(key, metadata[key]))
	}
	return attrs
}
