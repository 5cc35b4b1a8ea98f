package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/metrics"
	"github.com/Shugur-Network/pool/internal/pool"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
}

// Checker reports the pool's health: how many relays are connected and how
// the event pipeline is doing.
type Checker struct {
	pool      *pool.Pool
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewChecker creates a health checker over a pool.
func NewChecker(p *pool.Pool, logger *zap.Logger, version string) *Checker {
	return &Checker{
		pool:      p,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth snapshots the pool's components.
func (h *Checker) CheckHealth() *HealthResponse {
	components := []*ComponentStatus{
		h.checkRelays(),
		h.checkMemory(),
	}

	return &HealthResponse{
		Status:     overallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
	}
}

func (h *Checker) checkRelays() *ComponentStatus {
	relays := h.pool.Relays()
	connected := 0
	states := make(map[string]interface{}, len(relays))
	for _, url := range relays {
		state, err := h.pool.RelayStatus(url)
		if err != nil {
			continue
		}
		states[url] = state.String()
		if state == pool.StateConnected || state == pool.StateAuthenticating {
			connected++
		}
	}

	status := StatusHealthy
	message := ""
	switch {
	case len(relays) == 0:
		status = StatusUnhealthy
		message = "no relays configured"
	case connected == 0:
		status = StatusUnhealthy
		message = "no relay connected"
	case connected < len(relays):
		status = StatusDegraded
		message = fmt.Sprintf("%d of %d relays connected", connected, len(relays))
	}

	states["events_forwarded"] = metrics.GetEventsForwardedCount()
	return &ComponentStatus{
		Name:    "relays",
		Status:  status,
		Message: message,
		Details: states,
	}
}

func (h *Checker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := StatusHealthy
	// Heap above 1 GiB for a client pool points at a leak.
	if m.HeapAlloc > 1<<30 {
		status = StatusDegraded
	}
	return &ComponentStatus{
		Name:   "memory",
		Status: status,
		Details: map[string]interface{}{
			"heap_alloc_bytes": m.HeapAlloc,
			"goroutines":       runtime.NumGoroutine(),
		},
	}
}

func overallStatus(components []*ComponentStatus) HealthStatus {
	status := StatusHealthy
	for _, c := range components {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func formatUptime(d time.Duration) string {
	return d.Round(time.Second).String()
}

// Handler serves the health report as JSON. Degraded still returns 200;
// only unhealthy maps to 503.
func (h *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := h.CheckHealth()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(report); err != nil {
			h.logger.Error("failed to encode health response", zap.Error(err))
		}
	})
}
