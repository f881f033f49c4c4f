package middleware

import (
	"time"

	"mediarelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequestLogMiddleware logs one line per request with the trace id that
// TracingMiddleware stored on the request context. Register it after
// TracingMiddleware. The signaling upgrade path is skipped since its
// request lives as long as the socket.
func RequestLogMiddleware(cl *logger.ContextLogger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if skipped[path] {
			return
		}
		cl.LogRequest(c.Request.Context(), c.Request.Method, path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
