package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaycast/pkg/config"
	"relaycast/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 3 * time.Minute

// limiterEntry pairs a client limiter with its last use so idle clients can
// be evicted instead of accumulating forever.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiterStore struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	rate    rate.Limit
	burst   int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		clients: make(map[string]*limiterEntry),
		rate:    r,
		burst:   burst,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.clients[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.clients[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (s *rateLimiterStore) evictIdle(maxIdle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for key, entry := range s.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(s.clients, key)
		}
	}
}

// clientIP resolves the client address, preferring the first hop of
// X-Forwarded-For when the relay sits behind a proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware applies per-IP rate limiting and an optional
// global cap on in-flight requests to the control API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)
	go func() {
		for range time.Tick(time.Minute) {
			store.evictIdle(limiterIdleTTL)
		}
	}()

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "too many concurrent requests",
				})
				return
			}
		}

		if !store.allow(clientIP(c.Request)) {
			appErr := errors.NewRateLimitError()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}
