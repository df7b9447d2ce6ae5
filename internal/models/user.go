package models

import (
	"time"
)

// Roles
const (
	RoleCustomer = "customer"
	RoleTeller   = "teller"
	RoleAdmin    = "admin"
)

// Monitoring levels, escalated one step at a time
const (
	MonitoringStandard = "standard"
	MonitoringElevated = "elevated"
	MonitoringStrict   = "strict"
)

type User struct {
	ID              string
	Email           string
	PasswordHash    string
	Name            string
	Role            string // "customer", "teller", "admin"
	Status          string // "active", "suspended", "disabled"
	MonitoringLevel string
	LockedUntil     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NextMonitoringLevel returns the level one step above current.
// Strict is the ceiling.
func NextMonitoringLevel(current string) string {
	switch current {
	case MonitoringElevated, MonitoringStrict:
		return MonitoringStrict
	default:
		return MonitoringElevated
	}
}
