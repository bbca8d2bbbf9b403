package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"playguard/internal/license"
)

// StatsProvider reports manager state for health checks
type StatsProvider interface {
	Stats() license.Stats
}

// ClientCounter reports connected event stream clients
type ClientCounter interface {
	ClientCount() int
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Timestamp time.Time     `json:"timestamp"`
	License   license.Stats `json:"license"`
	WSClients int           `json:"wsClients"`
}

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	stats   StatsProvider
	clients ClientCounter
	version string
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(stats StatsProvider, clients ClientCounter, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		stats:   stats,
		clients: clients,
		version: version,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Health handles GET /healthz. It answers 503 until the license manager
// has been initialized.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.stats.Stats()

	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		License:   stats,
	}
	if h.clients != nil {
		resp.WSClients = h.clients.ClientCount()
	}

	if !stats.Initialized {
		resp.Status = "unavailable"
		h.logger.WarnContext(r.Context(), "health check before initialization")
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// Live handles GET /livez
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}
