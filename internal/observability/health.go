package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth tracks the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthCheckFunc is a function that checks the health of a component.
type HealthCheckFunc func(ctx context.Context) error

// NodeCounter reports how many nodes the coordinator currently knows about.
// Implemented by coordinator.NodeRegistry.
type NodeCounter interface {
	Count() int
}

// HealthChecker manages health checks for all components and serves the
// coordinator's /health endpoint.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checks     map[string]HealthCheckFunc
	nodes      NodeCounter
}

// NewHealthChecker creates a new health checker. nodes may be nil until the
// node registry is constructed; HealthHandler falls back to a count of 0.
func NewHealthChecker(nodes NodeCounter) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]HealthCheckFunc),
		nodes:      nodes,
	}
}

// RegisterCheck registers a health check function for a component.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
	hc.components[name] = &ComponentHealth{
		Status:    HealthStatusHealthy,
		LastCheck: time.Now(),
	}
}

// RunChecks executes all registered health checks.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	for name, check := range hc.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(checkCtx)
		cancel()

		health := &ComponentHealth{LastCheck: time.Now()}
		if err != nil {
			health.Status = HealthStatusUnhealthy
			health.Message = err.Error()
		} else {
			health.Status = HealthStatusHealthy
		}
		hc.components[name] = health
	}
}

// IsHealthy returns true if all registered components are healthy.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	for _, health := range hc.components {
		if health.Status == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

// HealthHandler returns a gin handler for GET /health. Per the external
// interface contract this always returns 200 with {status, nodes} — node
// registry health is not folded into coordinator-wide unhealthiness, since
// the whole point of /health is to stay trivially pollable.
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count := 0
		if hc.nodes != nil {
			count = hc.nodes.Count()
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"nodes":  count,
		})
	}
}

// StartPeriodicChecks runs health checks periodically until ctx is done.
func (hc *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}
