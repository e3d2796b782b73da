package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/features"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/scoring"
	"github.com/mbd888/fraudwatch/internal/transactions"
	"github.com/mbd888/fraudwatch/internal/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

// newTestServer creates a server backed by the in-memory store and the
// built-in baseline model.
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithShutdownDelay(0)}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.monitor.Stop()
		s.rateLimiter.Stop()
		_ = s.pipeline.Close()
	})
	return s
}

func samplePayload(amount float64) map[string]any {
	raw := map[string]any{features.FieldAmount: amount}
	for _, name := range features.DefaultFields() {
		if name != features.FieldAmount {
			raw[name] = 0.1
		}
	}
	return raw
}

func serve(s *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.monitor.Start(ctx)
	waitFor(t, s.monitor.Running)

	w := serve(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
		assert.True(t, c.Healthy, c.Name)
	}
	assert.ElementsMatch(t, []string{"scorer", "monitor"}, names)
}

func TestHealthEndpoint_DegradedWhileMonitorStopped(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
	assert.Contains(t, w.Body.String(), "monitor loop not running")
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := serve(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_FailsWhenScorerSelfTestFails(t *testing.T) {
	broken := scoring.ScorerFunc(func(ctx context.Context, vec features.Vector) (scoring.Result, error) {
		return scoring.Result{}, errors.New("model not loaded")
	})

	_, err := New(testConfig(), WithLogger(logging.Discard()), WithScorer(broken))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-test")
}

func TestNew_HydratesWindowFromStore(t *testing.T) {
	store := transactions.NewMemoryStore()
	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), &transactions.Draft{
			Amount:       float64(i),
			AnomalyScore: 0.2,
			Prediction:   scoring.Normal,
		})
		require.NoError(t, err)
	}

	s := newTestServer(t, WithStore(store))

	records, kpis := s.Pipeline().Window.View()
	require.Len(t, records, 5)
	assert.Equal(t, int64(5), records[0].ID, "newest first")
	assert.Equal(t, 5, kpis.Count)
}

func TestNew_UnknownModelPath(t *testing.T) {
	cfg := testConfig()
	cfg.ModelPath = t.TempDir() + "/missing.json"

	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/predict",
		"POST:/v1/transactions/score",
		"GET:/v1/transactions",
		"GET:/v1/window",
		"GET:/v1/model",
		"GET:/v1/monitor",
		"GET:/v1/webhooks",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/v1/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// End to end through the middleware chain
// ---------------------------------------------------------------------------

func TestPredictFlowsIntoWindowAndMonitor(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := serve(s, http.MethodPost, "/predict", gin.H{"features": samplePayload(10 + float64(i))})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp, 3)
		assert.Contains(t, resp, "prediction")
		assert.Contains(t, resp, "anomaly_score")
		assert.Contains(t, resp, "is_fraud")
	}

	assert.Equal(t, 3, s.Pipeline().Window.Len())

	frame, err := s.Monitor().Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, frame.KPIs.Count)
	assert.Equal(t, int64(3), frame.Processed)

	w := serve(s, http.MethodGet, "/v1/transactions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestRiskAlertsDeliveredToWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []webhooks.Event
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e webhooks.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.AlertWebhookURLs = []string{hook.URL}
	flagAll := scoring.ScorerFunc(func(ctx context.Context, vec features.Vector) (scoring.Result, error) {
		return scoring.Result{Score: -0.4, Prediction: scoring.Anomaly}, nil
	})
	s, err := New(cfg, WithLogger(logging.Discard()), WithShutdownDelay(0), WithScorer(flagAll))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		_ = s.pipeline.Close()
	})

	ctx := context.Background()
	_, err = s.Monitor().Poll(ctx)
	require.NoError(t, err)

	w := serve(s, http.MethodPost, "/predict", gin.H{"features": samplePayload(99)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	frame, err := s.Monitor().Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, "CRITICAL", string(frame.KPIs.RiskLevel))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.alerts.Wait(waitCtx))

	mu.Lock()
	defer mu.Unlock()
	types := map[webhooks.EventType]int{}
	for _, e := range got {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[webhooks.EventRiskLevelChanged])
	assert.Equal(t, 1, types[webhooks.EventAnomalyDetected])

	w = serve(s, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deliveries":2`)
}

func TestPredict_InvalidInputIsRejected(t *testing.T) {
	s := newTestServer(t)

	raw := samplePayload(5)
	delete(raw, "V7")

	w := serve(s, http.MethodPost, "/predict", gin.H{"features": raw})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_input")
	assert.Equal(t, 0, s.Pipeline().Window.Len())
}

func TestPredict_OversizeBody(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(make([]byte, 128<<10)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/health/live", nil, "X-Request-ID", "replay-42")
	assert.Equal(t, "replay-42", w.Header().Get("X-Request-ID"))

	w = serve(s, http.MethodGet, "/health/live", nil, "X-Request-ID", "bad id\nwith newline")
	got := w.Header().Get("X-Request-ID")
	assert.Len(t, got, 32, "unsafe inbound IDs are replaced")
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, http.MethodGet, "/v1/model", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Body.String(), features.DefaultVersion)
	assert.Contains(t, w.Body.String(), `"circuit":{"name":"scorer","state":"closed"`)
}

func TestCORSUsesConfiguredOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowedOrigins = []string{"https://console.example.com"}
	s, err := New(cfg, WithLogger(logging.Discard()), WithShutdownDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.monitor.Stop()
		s.rateLimiter.Stop()
		_ = s.pipeline.Close()
	})

	w := serve(s, http.MethodGet, "/v1/window", nil, "Origin", "https://console.example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = serve(s, http.MethodGet, "/v1/window", nil, "Origin", "https://evil.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPanicRecoveryReturnsJSON(t *testing.T) {
	s := newTestServer(t)
	s.Router().GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(s, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithShutdownDelay(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.ready.Load() && s.monitor.Running() })
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
	assert.False(t, s.monitor.Running())
}
