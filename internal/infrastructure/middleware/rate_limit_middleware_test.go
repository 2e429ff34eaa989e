package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relaycast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func rateLimitedRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(NewHTTPRateLimitMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doGet(router *gin.Engine, forwardedFor string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitDisabledAllowsEverything(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := rateLimitedRouter(t, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, doGet(router, "").Code)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := rateLimitedRouter(t, cfg)

	require.Equal(t, http.StatusOK, doGet(router, "").Code)

	w := doGet(router, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
}

func TestRateLimitIsPerClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := rateLimitedRouter(t, cfg)

	require.Equal(t, http.StatusOK, doGet(router, "10.0.0.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(router, "10.0.0.1").Code)

	// A different client keeps its own budget.
	assert.Equal(t, http.StatusOK, doGet(router, "10.0.0.2").Code)
}

func TestClientIPPrefersFirstForwardedHop(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	req.RemoteAddr = "192.0.2.5:4411"
	assert.Equal(t, "192.0.2.5", clientIP(req))
}

func TestLimiterStoreEvictsIdleClients(t *testing.T) {
	store := newRateLimiterStore(rate.Limit(1), 1)
	store.allow("10.0.0.1")
	require.Len(t, store.clients, 1)

	time.Sleep(time.Millisecond)
	store.evictIdle(time.Nanosecond)
	assert.Empty(t, store.clients)
}
