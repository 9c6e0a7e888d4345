// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/peerwave/signaling/internal/bus"
	"github.com/peerwave/signaling/internal/logging"
)

// Handler manages health check endpoints
type Handler struct {
	bridge bus.Bridge
}

// NewHandler creates a new health check handler
func NewHandler(bridge bus.Bridge) *Handler {
	return &Handler{bridge: bridge}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the distribution bridge is reachable (or disabled)
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"bridge": h.checkBridge(ctx),
	}

	status := "ready"
	statusCode := http.StatusOK
	if checks["bridge"] != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBridge(ctx context.Context) string {
	if err := h.bridge.Ping(ctx); err != nil {
		logging.Error(ctx, "Bridge health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
