package http

import (
	"context"
	"net/http"
	"time"

	"mediarelay/internal/infrastructure/monitoring"
	"mediarelay/pkg/utils"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 2 * time.Second

type HealthHandler struct {
	checker   *monitoring.HealthChecker
	startedAt time.Time
}

func NewHealthHandler(checker *monitoring.HealthChecker) *HealthHandler {
	return &HealthHandler{checker: checker, startedAt: time.Now()}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// Health is the liveness probe. It reports the latest background check
// results without running them.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    utils.FormatDuration(time.Since(h.startedAt)),
		"checks":    h.checker.LastResults(),
	})
}

// Ready runs every check and fails with 503 if any of them fails.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := h.checker.GetReadinessStatus(ctx)
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
