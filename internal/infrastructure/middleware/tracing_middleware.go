package middleware

import (
	"net/http"

	"mediarelay/pkg/logger"
	"mediarelay/pkg/tracing"
	"mediarelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the request's trace id in both directions. A caller
// supplied id is kept so logs can be joined across services.
const TraceHeader = "X-Trace-ID"

func requestTraceID(c *gin.Context, span trace.Span) string {
	if id := c.GetHeader(TraceHeader); id != "" {
		return id
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return utils.GenerateTraceID()
}

// TracingMiddleware spans each request under its route template and puts
// the trace id into the request context for the context logger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		traceID := requestTraceID(c, span)
		c.Header(TraceHeader, traceID)
		c.Request = c.Request.WithContext(logger.WithTraceID(ctx, traceID))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("http.client_ip", c.ClientIP()),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
