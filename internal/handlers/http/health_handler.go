package http

import (
	"net/http"

	"streamgate/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

// NewHealthHandler serves liveness, readiness and metrics. A nil gatherer
// disables /metrics.
func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	return &HealthHandler{checker: checker, gatherer: gatherer}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

// Health reports liveness. Failing dependencies show up in the body but do
// not fail the probe.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.CheckAll(c.Request.Context()))
}

func (h *HealthHandler) Ready(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
