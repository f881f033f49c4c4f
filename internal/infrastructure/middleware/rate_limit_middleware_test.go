package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(router *gin.Engine, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, serve(router, "/test", nil).Code)
	}
	assert.Nil(t, NewMessageLimiter(cfg))
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, serve(router, "/test", nil).Code)
	w := serve(router, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// A different forwarded client has its own bucket.
	other := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	assert.Equal(t, http.StatusOK, serve(router, "/test", other).Code)
}

func TestClientBuckets_EvictsIdle(t *testing.T) {
	cb := newClientBuckets(1, 1)
	now := time.Now()
	assert.True(t, cb.allow("a", now))
	assert.False(t, cb.allow("a", now))
	assert.True(t, cb.allow("b", now))
	assert.Equal(t, 2, cb.len())

	assert.True(t, cb.allow("c", now.Add(10*time.Minute)))
	assert.Equal(t, 1, cb.len())
}

func TestNewMessageLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 1
	cfg.RateLimiting.WebSocket.Burst = 2

	l := NewMessageLimiter(cfg)
	require.NotNil(t, l)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/missing", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("agent a1: %w", domain.ErrAgentNotFound))
	})
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	w := serve(router, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")

	w = serve(router, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")

	w = serve(router, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestTracingMiddleware_SetsTraceHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/t", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(router, "/t", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(TraceHeader))

	w = serve(router, "/t", map[string]string{TraceHeader: "abc123"})
	assert.Equal(t, "abc123", w.Header().Get(TraceHeader))
}
