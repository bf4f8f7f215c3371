// Package health provides health check endpoints for the rdmarm daemon.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (are RDMA resources open and usable?)
//   - /health: Detailed component health
//
// The detailed check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "device": {"status": "healthy", "message": "mlx5_0 port 1 ACTIVE"},
//	    "memory": {"status": "healthy"},
//	    "pool": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmarm/internal/rdma"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the daemon.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// ResourceSource is the resource manager as seen by the checker.
type ResourceSource interface {
	Ready() bool
	Status() rdma.Status
}

// ShutdownState reports whether the daemon is shutting down.
type ShutdownState interface {
	IsShuttingDown() bool
}

// Checker performs health checks on the resource manager.
type Checker struct {
	cacheExpiry  time.Time
	source       ResourceSource
	shutdown     ShutdownState
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
}

// NewChecker creates a new health checker. shutdown may be nil.
func NewChecker(source ResourceSource, shutdown ShutdownState) *Checker {
	return &Checker{
		source:   source,
		shutdown: shutdown,
		cacheTTL: 2 * time.Second,
	}
}

// SetCacheTTL overrides how long a detailed check result is reused.
func (c *Checker) SetCacheTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheTTL = ttl
	c.cachedStatus = nil
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	if c.source == nil {
		checks["manager"] = Check{Status: StatusUnhealthy, Message: "resource manager not initialized"}
	} else {
		snapshot := c.source.Status()
		checks["device"] = CheckDevice(snapshot)
		checks["memory"] = CheckMemory(snapshot)
		checks["pool"] = CheckPool(snapshot)
	}

	healthStatus := &HealthStatus{
		Status:    determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckDevice checks that the device is open and its port is usable.
func CheckDevice(s rdma.Status) Check {
	if s.Drained {
		return Check{Status: StatusUnhealthy, Message: "resources drained"}
	}

	if s.Device == "" {
		return Check{Status: StatusUnhealthy, Message: "no device open"}
	}

	if s.AtomicCap == "" || s.AtomicCap == "none" {
		return Check{Status: StatusUnhealthy, Message: s.Device + " lacks atomic operations"}
	}

	msg := fmt.Sprintf("%s port %d %s", s.Device, s.Port, s.PortState)

	if s.PortState != "ACTIVE" {
		return Check{Status: StatusDegraded, Message: msg}
	}

	return Check{Status: StatusHealthy, Message: msg}
}

// CheckMemory checks that the main memory region is registered.
func CheckMemory(s rdma.Status) Check {
	region, ok := s.Regions[rdma.MainMemory.String()]
	if !ok || !region.Valid {
		return Check{Status: StatusUnhealthy, Message: "main memory not registered"}
	}

	return Check{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d regions, main memory %d bytes", len(s.Regions), region.Length),
	}
}

// CheckPool checks the queue pool. A drained pool is unhealthy and a pool
// with no free queue pair is degraded.
func CheckPool(s rdma.Status) Check {
	p := s.Pool
	if p.Drained {
		return Check{Status: StatusUnhealthy, Message: "queue pool drained"}
	}

	msg := fmt.Sprintf("%d live, %d in use, %d free, %d classes", p.LiveQPs, p.InUseQPs, p.FreeQPs, p.Classes)

	if p.LiveQPs > 0 && p.FreeQPs == 0 {
		return Check{Status: StatusDegraded, Message: msg}
	}

	return Check{Status: StatusHealthy, Message: msg}
}

// IsReady checks if the manager can serve acquisitions.
func (c *Checker) IsReady(_ context.Context) bool {
	if c.source == nil {
		return false
	}

	if c.shutdown != nil && c.shutdown.IsShuttingDown() {
		return false
	}

	return c.source.Ready()
}

// IsLive checks if the process is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

func determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsLive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ok"})
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	} else {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// DetailedHandler handles detailed health check requests. Degraded still
// answers 200 with the status in the body.
func (h *Handler) DetailedHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write health response")
	}
}
