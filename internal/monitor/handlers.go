package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the monitor.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new monitor handler.
func NewHandler(m *Monitor) *Handler {
	return &Handler{monitor: m}
}

// RegisterRoutes sets up monitor routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/monitor", h.GetLatest)
}

// GetLatest handles GET /v1/monitor
func (h *Handler) GetLatest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"frame":   h.monitor.Latest(),
		"running": h.monitor.Running(),
	})
}
