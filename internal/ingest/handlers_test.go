package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func setupRouter(t *testing.T, scorer scoring.Scorer) (*gin.Engine, *Service, *transactions.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := transactions.NewMemoryStore()
	svc, _ := newTestService(scorer, store, 200)
	h := NewHandler(svc)

	r := gin.New()
	h.RegisterCompatRoutes(r)
	h.RegisterRoutes(r.Group("/v1"))
	return r, svc, store
}

func postJSON(r http.Handler, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHandler_Predict(t *testing.T) {
	r, _, store := setupRouter(t, constScorer(-0.05))

	w := postJSON(r, "/predict", ScoreRequest{Features: payload(149.62)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Anomaly", resp["prediction"])
	assert.Equal(t, true, resp["is_fraud"])
	assert.InDelta(t, -0.05, resp["anomaly_score"], 1e-12)
	assert.Len(t, resp, 3)

	n, _ := store.Count(context.Background())
	assert.Equal(t, int64(1), n)
}

func TestHandler_Predict_MissingFeature(t *testing.T) {
	r, _, store := setupRouter(t, constScorer(0.1))

	raw := payload(10)
	delete(raw, "V3")
	w := postJSON(r, "/predict", ScoreRequest{Features: raw})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_input", resp["error"])
	assert.Contains(t, resp["message"], "V3")

	n, _ := store.Count(context.Background())
	assert.Zero(t, n)
}

func TestHandler_Predict_BadBodies(t *testing.T) {
	r, _, _ := setupRouter(t, constScorer(0.1))

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", "nope", "invalid_request"},
		{"array", "[1,2]", "invalid_request"},
		{"features not an object", `{"features": 3}`, "invalid_request"},
		{"no features", `{}`, "invalid_input"},
		{"empty features", `{"features": {}}`, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp["error"])
		})
	}
}

func TestHandler_Score_ReturnsRecord(t *testing.T) {
	r, _, _ := setupRouter(t, constScorer(0.12))

	w := postJSON(r, "/v1/transactions/score", ScoreRequest{Features: payload(3.5)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Transaction transactions.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Transaction.ID)
	assert.Equal(t, scoring.Normal, resp.Transaction.Prediction)
	assert.False(t, resp.Transaction.IsFraud)
	assert.InDelta(t, 3.5, resp.Transaction.Amount, 1e-12)
	assert.False(t, resp.Transaction.Timestamp.IsZero())
}

func TestHandler_ScoringFailure(t *testing.T) {
	failing := scoring.ScorerFunc(func(ctx context.Context, vec features.Vector) (scoring.Result, error) {
		return scoring.Result{}, errors.New("boom")
	})
	r, _, _ := setupRouter(t, failing)

	w := postJSON(r, "/predict", ScoreRequest{Features: payload(1)})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "scoring_failed")
}

func TestHandler_StoreFailure(t *testing.T) {
	r, _, store := setupRouter(t, constScorer(0.1))
	require.NoError(t, store.Close())

	w := postJSON(r, "/predict", ScoreRequest{Features: payload(1)})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store_unavailable")

	w = get(r, "/v1/transactions")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_ListRecent(t *testing.T) {
	r, svc, _ := setupRouter(t, constScorer(0.1))
	for i := 0; i < 60; i++ {
		_, err := svc.Ingest(context.Background(), payload(float64(i)))
		require.NoError(t, err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", defaultListLimit},
		{"?limit=5", 5},
		{"?limit=0", defaultListLimit},
		{"?limit=abc", defaultListLimit},
		{"?limit=1000", 60},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := get(r, "/v1/transactions"+tt.query)
			require.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Transactions []transactions.Transaction `json:"transactions"`
				Count        int                        `json:"count"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp.Count)
			require.Len(t, resp.Transactions, tt.want)
			assert.Equal(t, int64(60), resp.Transactions[0].ID)
		})
	}
}

func TestHandler_ListRecent_CursorPaging(t *testing.T) {
	r, svc, _ := setupRouter(t, constScorer(0.1))
	for i := 0; i < 12; i++ {
		_, err := svc.Ingest(context.Background(), payload(float64(i)))
		require.NoError(t, err)
	}

	type page struct {
		Transactions []transactions.Transaction `json:"transactions"`
		HasMore      bool                       `json:"has_more"`
		NextCursor   string                     `json:"next_cursor"`
	}

	var (
		ids  []int64
		path = "/v1/transactions?limit=5"
	)
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "paging did not terminate")

		w := get(r, path)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, tx := range resp.Transactions {
			ids = append(ids, tx.ID)
		}
		if !resp.HasMore {
			assert.Empty(t, resp.NextCursor)
			break
		}
		path = "/v1/transactions?limit=5&cursor=" + resp.NextCursor
	}

	require.Len(t, ids, 12)
	for i, id := range ids {
		assert.Equal(t, int64(12-i), id)
	}
}

func TestHandler_ListRecent_InvalidCursor(t *testing.T) {
	r, _, _ := setupRouter(t, constScorer(0.1))

	w := get(r, "/v1/transactions?cursor=bm9waXBl")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}

func TestHandler_GetWindow(t *testing.T) {
	r, svc, _ := setupRouter(t, constScorer(-0.2))
	for i := 0; i < 3; i++ {
		_, err := svc.Ingest(context.Background(), payload(1))
		require.NoError(t, err)
	}

	w := get(r, "/v1/window")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		KPIs struct {
			Count        int     `json:"count"`
			AnomalyCount int     `json:"anomaly_count"`
			FraudRate    float64 `json:"fraud_rate"`
			RiskLevel    string  `json:"risk_level"`
		} `json:"kpis"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, 3, resp.KPIs.AnomalyCount)
	assert.Equal(t, "CRITICAL", resp.KPIs.RiskLevel)
}

func TestHandler_GetModel(t *testing.T) {
	r, _, _ := setupRouter(t, constScorer(0))

	w := get(r, "/v1/model")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), features.DefaultVersion)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"input", &features.InputError{Key: "V1", Reason: features.ReasonMissing}, http.StatusBadRequest, "invalid_input"},
		{"circuit open", &scoring.ScoringError{Err: scoring.ErrCircuitOpen}, http.StatusServiceUnavailable, "scorer_unavailable"},
		{"scoring", &scoring.ScoringError{Err: errors.New("x")}, http.StatusInternalServerError, "scoring_failed"},
		{"store", &transactions.StoreError{Op: "append", Err: errors.New("x")}, http.StatusServiceUnavailable, "store_unavailable"},
		{"other", errors.New("x"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
