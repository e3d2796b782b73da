package ingest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/pagination"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ScoreRequest is the body accepted by the scoring endpoints.
type ScoreRequest struct {
	Features map[string]any `json:"features"`
}

// PredictResponse is the compact verdict returned by POST /predict.
type PredictResponse struct {
	Prediction   scoring.Prediction `json:"prediction"`
	AnomalyScore float64            `json:"anomaly_score"`
	IsFraud      bool               `json:"is_fraud"`
}

// Handler provides HTTP endpoints for the scoring pipeline.
type Handler struct {
	service *Service
}

// NewHandler creates a new ingest handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterCompatRoutes mounts the unversioned prediction endpoint.
func (h *Handler) RegisterCompatRoutes(r gin.IRoutes) {
	r.POST("/predict", h.Predict)
}

// RegisterRoutes sets up the /v1 routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/score", h.Score)
	r.GET("/transactions", h.ListRecent)
	r.GET("/window", h.GetWindow)
	r.GET("/model", h.GetModel)
}

// Predict handles POST /predict
func (h *Handler) Predict(c *gin.Context) {
	tx, ok := h.ingest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, PredictResponse{
		Prediction:   tx.Prediction,
		AnomalyScore: tx.AnomalyScore,
		IsFraud:      tx.IsFraud,
	})
}

// Score handles POST /v1/transactions/score
func (h *Handler) Score(c *gin.Context) {
	tx, ok := h.ingest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (h *Handler) ingest(c *gin.Context) (*transactions.Transaction, bool) {
	var req ScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if security.IsTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the size limit",
			})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object with a \"features\" object",
		})
		return nil, false
	}

	tx, err := h.service.Ingest(c.Request.Context(), req.Features)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return nil, false
	}
	return tx, true
}

// ListRecent handles GET /v1/transactions
func (h *Handler) ListRecent(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor must be a value returned as next_cursor",
		})
		return
	}

	txs, next, more, err := h.service.Page(c.Request.Context(), cursor, limit)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	resp := gin.H{
		"transactions": txs,
		"count":        len(txs),
		"has_more":     more,
	}
	if more {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetWindow handles GET /v1/window
func (h *Handler) GetWindow(c *gin.Context) {
	records, kpis := h.service.Window()
	c.JSON(http.StatusOK, gin.H{
		"kpis":         kpis,
		"transactions": records,
		"count":        len(records),
	})
}

// GetModel handles GET /v1/model
func (h *Handler) GetModel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"model": h.service.Model()})
}

// errorStatus maps pipeline errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var inputErr *features.InputError
	var scoringErr *scoring.ScoringError
	var storeErr *transactions.StoreError

	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, scoring.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "scorer_unavailable"
	case errors.As(err, &scoringErr):
		return http.StatusInternalServerError, "scoring_failed"
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
