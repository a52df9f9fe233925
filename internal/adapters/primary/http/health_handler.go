package http

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthChecker defines the interface for health check dependencies
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HubStats reports the relay's live state.
type HubStats interface {
	GetClientCount() int
	GetRoomCount() int
	Seq() int64
}

// HealthHandler handles health check requests
type HealthHandler struct {
	db        HealthChecker
	hub       HubStats
	probes    map[string]func() bool
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. db may be nil when the relay
// runs without a Postgres change source.
func NewHealthHandler(db HealthChecker, hub HubStats, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		hub:       hub,
		probes:    make(map[string]func() bool),
		startTime: time.Now(),
		version:   version,
	}
}

// AddProbe registers a background component whose readiness is reported
// under name, such as the change listener or the Redis subscription.
func (h *HealthHandler) AddProbe(name string, ready func() bool) {
	h.probes[name] = ready
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version,omitempty"`
	Uptime    string           `json:"uptime,omitempty"`
	Checks    map[string]Check `json:"checks,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// RelayStats is the hub section of the detailed health report.
type RelayStats struct {
	Clients int   `json:"clients"`
	Rooms   int   `json:"rooms"`
	Seq     int64 `json:"seq"`
}

// HandleLiveness handles liveness probe requests (is the service running?)
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles readiness probe requests (can the service accept traffic?)
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, status := h.runChecks(r.Context(), "unhealthy")

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	WriteJSON(w, statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    checks,
	})
}

// HandleHealth handles detailed health check requests (for monitoring/debugging)
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks, status := h.runChecks(r.Context(), "degraded")

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := struct {
		HealthResponse
		Relay  *RelayStats `json:"relay,omitempty"`
		Memory struct {
			Alloc      uint64 `json:"alloc_bytes"`
			TotalAlloc uint64 `json:"total_alloc_bytes"`
			Sys        uint64 `json:"sys_bytes"`
			NumGC      uint32 `json:"num_gc"`
		} `json:"memory"`
		Goroutines int `json:"goroutines"`
	}{
		HealthResponse: HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
			Uptime:    time.Since(h.startTime).Round(time.Second).String(),
			Checks:    checks,
		},
		Goroutines: runtime.NumGoroutine(),
	}
	if h.hub != nil {
		response.Relay = &RelayStats{
			Clients: h.hub.GetClientCount(),
			Rooms:   h.hub.GetRoomCount(),
			Seq:     h.hub.Seq(),
		}
	}
	response.Memory.Alloc = memStats.Alloc
	response.Memory.TotalAlloc = memStats.TotalAlloc
	response.Memory.Sys = memStats.Sys
	response.Memory.NumGC = memStats.NumGC

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	WriteJSON(w, statusCode, response)
}

// runChecks evaluates the database and every probe. failed is the overall
// status reported when any check is not healthy.
func (h *HealthHandler) runChecks(ctx context.Context, failed string) (map[string]Check, string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	checks := make(map[string]Check, len(h.probes)+1)
	overall := "healthy"

	if h.db != nil {
		checks["database"] = h.checkDatabase(ctx)
	}
	for name, ready := range h.probes {
		if ready() {
			checks[name] = Check{Status: "healthy"}
		} else {
			checks[name] = Check{Status: "unhealthy", Message: "not ready"}
		}
	}

	for _, c := range checks {
		if c.Status != "healthy" {
			overall = failed
			break
		}
	}
	return checks, overall
}

// checkDatabase checks the database connection
func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	err := h.db.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: err.Error(),
			Latency: latency.String(),
		}
	}

	return Check{
		Status:  "healthy",
		Latency: latency.String(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}
