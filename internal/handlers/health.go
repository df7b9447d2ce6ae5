package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
)

// DatabaseChecker pings the primary store
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// TorListSizer reports how many exit nodes are loaded
type TorListSizer interface {
	Size() int
}

// HealthHandler reports service readiness
type HealthHandler struct {
	db  DatabaseChecker
	tor TorListSizer
}

// NewHealthHandler creates a new HealthHandler. tor may be nil.
func NewHealthHandler(db DatabaseChecker, tor TorListSizer) *HealthHandler {
	return &HealthHandler{db: db, tor: tor}
}

// Health returns 503 when the database is unreachable. An empty Tor list
// is reported but does not fail the check.
// @Router /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]interface{}{
		"status":   "healthy",
		"database": "up",
	}
	if h.tor != nil {
		resp["tor_exit_nodes"] = h.tor.Size()
	}

	if err := h.db.HealthCheck(ctx); err != nil {
		resp["status"] = "unhealthy"
		resp["database"] = "down"
		pkghttp.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}
