package routes

import (
	"net/http"

	"github.com/BradenHooton/stepguard/internal/auth"
	"github.com/BradenHooton/stepguard/internal/handlers"
	"github.com/BradenHooton/stepguard/internal/middleware"
	"github.com/BradenHooton/stepguard/internal/models"
	"github.com/go-chi/chi/v5"
)

// Handlers groups everything RegisterRoutes mounts
type Handlers struct {
	Login   *handlers.LoginHandler
	Devices *handlers.DeviceHandler
	Health  *handlers.HealthHandler
	Metrics http.Handler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, h Handlers, tokens *auth.FlowTokenManager, rateLimit middleware.RateLimitConfig) {
	router.Get("/health", h.Health.Health)
	if h.Metrics != nil {
		router.Handle("/metrics", h.Metrics)
	}

	router.Route("/api/v1", func(api chi.Router) {
		// Login flow - public, rate limited by client IP
		api.Route("/auth", func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(rateLimit))

			r.Post("/login", h.Login.Login)
			r.Post("/device", h.Login.CheckDevice)
			r.Post("/otp", h.Login.IssueOTP)
			r.Post("/otp/verify", h.Login.VerifyOTP)
			r.Post("/cancel", h.Login.Cancel)
		})

		// Completed flow required
		api.Group(func(r chi.Router) {
			r.Use(auth.RequireCompletedFlow(tokens))
			r.Use(middleware.RateLimitByUser(middleware.RateLimitConfig{
				RequestsPerMinute: rateLimit.RequestsPerMinute * 3,
				IPConfig:          rateLimit.IPConfig,
			}))

			r.Get("/users/{id}/devices", h.Devices.ListDevices)
			r.Delete("/users/{id}/devices/{hash}", h.Devices.RemoveDevice)
			r.Get("/users/{id}/security-events", h.Devices.ListSecurityEvents)

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(models.RoleAdmin))
				r.Post("/users/{id}/devices/{hash}/clear-risk", h.Devices.ClearRiskFlag)
			})
		})
	})
}
