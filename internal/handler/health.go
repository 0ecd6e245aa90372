package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const readyTimeout = 5 * time.Second

// HealthChecker is satisfied by repository.DB.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Pinger is satisfied by the redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// dependency is one backing store the identity service cannot work without.
type dependency struct {
	name  string
	check func(ctx context.Context) error
}

// HealthHandler serves liveness and readiness. Readiness fails when the user
// database or the code store is unreachable, since no registration step can
// complete without both.
type HealthHandler struct {
	deps []dependency
}

func NewHealthHandler(db HealthChecker, codes Pinger) *HealthHandler {
	h := &HealthHandler{}
	if db != nil {
		h.deps = append(h.deps, dependency{name: "database", check: db.HealthCheck})
	}
	if codes != nil {
		h.deps = append(h.deps, dependency{name: "redis", check: codes.Ping})
	}
	return h
}

// Shallow answers as long as the process serves HTTP.
func (h *HealthHandler) Shallow(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "identity",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]gin.H, len(h.deps))
	ready := true
	for _, d := range h.deps {
		start := time.Now()
		if err := d.check(ctx); err != nil {
			checks[d.name] = gin.H{"status": "unhealthy", "error": err.Error()}
			ready = false
			continue
		}
		checks[d.name] = gin.H{"status": "ok", "latency_ms": time.Since(start).Milliseconds()}
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}
