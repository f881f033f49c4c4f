package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"mediarelay/pkg/config"
	apperrors "mediarelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type bucket struct {
	*rate.Limiter
	seen time.Time
}

// clientBuckets holds one token bucket per client address. Buckets idle
// for limiterIdleTTL are dropped on the next sweep.
type clientBuckets struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	swept   time.Time
}

func newClientBuckets(limit rate.Limit, burst int) *clientBuckets {
	return &clientBuckets{buckets: make(map[string]*bucket), limit: limit, burst: burst}
}

func (cb *clientBuckets) allow(client string, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if now.Sub(cb.swept) > limiterIdleTTL {
		cb.sweep(now)
	}
	b, ok := cb.buckets[client]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(cb.limit, cb.burst)}
		cb.buckets[client] = b
	}
	b.seen = now
	return b.AllowN(now, 1)
}

// sweep must be called with mu held.
func (cb *clientBuckets) sweep(now time.Time) {
	for k, b := range cb.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(cb.buckets, k)
		}
	}
	cb.swept = now
}

func (cb *clientBuckets) len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buckets)
}

// clientIP is the first X-Forwarded-For hop when it is an IP address, and
// the peer address otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// NewHTTPRateLimitMiddleware limits API requests per client address.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	limits := cfg.RateLimiting.HTTP
	buckets := newClientBuckets(rate.Limit(limits.RequestsPerSecond), limits.Burst)

	return func(c *gin.Context) {
		if !buckets.allow(clientIP(c.Request), time.Now()) {
			c.Header("Retry-After", "1")
			writeError(c, apperrors.RateLimited())
			return
		}
		c.Next()
	}
}

// NewMessageLimiter returns the limiter applied to one signaling connection,
// or nil when rate limiting is disabled.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	return rate.NewLimiter(rate.Limit(ws.MessagesPerSecond), ws.Burst)
}
