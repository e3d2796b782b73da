package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/metrics"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute, ExemptPrefixes: []string{"/health"}})
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 5)
	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(key), "request %d should be allowed (within burst)", i)
	}
	assert.False(t, limiter.Allow(key), "request after burst should be denied")

	// 1 second = 1 token at 60/min
	clock.advance(time.Second)
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"), "client A should be rate limited")
	assert.True(t, limiter.Allow("client-b"), "client B should not be rate limited")
}

func TestLimiterTokensCapAtBurst(t *testing.T) {
	limiter, clock := newTestLimiter(t, 600, 2)
	key := "idle"

	require.True(t, limiter.Allow(key))
	clock.advance(time.Hour)

	assert.True(t, limiter.Allow(key))
	assert.True(t, limiter.Allow(key))
	assert.False(t, limiter.Allow(key), "an idle client earns at most a full burst")
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 6000, cfg.RequestsPerMinute)
	assert.Equal(t, 200, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Contains(t, cfg.ExemptPrefixes, "/metrics")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/predict", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/predict").Code)

	w := do(http.MethodPost, "/predict")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health/live").Code, "probes are never limited")
	}
}

func TestTake_RemainingAndRetryAfter(t *testing.T) {
	limiter, clock := newTestLimiter(t, 30, 3)

	assert.Equal(t, Decision{Allowed: true, Remaining: 2}, limiter.Take("ip"))
	assert.Equal(t, Decision{Allowed: true, Remaining: 1}, limiter.Take("ip"))
	assert.Equal(t, Decision{Allowed: true, Remaining: 0}, limiter.Take("ip"))

	d := limiter.Take("ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter, "30/min refills one token every 2s")

	clock.advance(time.Second)
	d = limiter.Take("ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter, "half a token already earned")
}

func TestEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(t, 60, 1)
	limiter.Allow("stale")
	clock.advance(90 * time.Second)
	limiter.Allow("fresh")
	clock.advance(45 * time.Second)

	limiter.evictIdle()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.buckets, "stale")
	assert.Contains(t, limiter.buckets, "fresh")
}

func TestMiddleware_CountsRejectionsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, 60, 1)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/transactions", func(c *gin.Context) { c.Status(http.StatusOK) })

	counter := metrics.RateLimited.WithLabelValues("/v1/transactions")
	before := testutil.ToFloat64(counter)
	for i := 0; i < 3; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/transactions", nil))
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}
