package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for alert endpoint status
type Handler struct {
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs := h.dispatcher.Subscriptions()
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
		"events":   []EventType{EventRiskLevelChanged, EventAnomalyDetected},
	})
}
