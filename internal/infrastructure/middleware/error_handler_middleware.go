package middleware

import (
	"net/http"
	"runtime/debug"

	"mediarelay/internal/core/domain"
	apperrors "mediarelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError renders e in the body shape shared by every API error.
func writeError(c *gin.Context, e *apperrors.AppError) {
	body := gin.H{"error": string(e.Code), "message": e.Message}
	if len(e.Fields) > 0 {
		body["details"] = e.Fields
	}
	c.AbortWithStatusJSON(e.HTTPStatus, body)
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error, unless the handler already wrote a response. Server-side
// failures are logged at error level, client mistakes at debug.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}
		appErr := domain.ToAppError(last.Err)

		fields := []any{"code", appErr.Code, "method", c.Request.Method, "route", c.FullPath()}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed", append(fields, "error", last.Err)...)
		} else {
			logger.Debugw("request rejected", append(fields, "message", appErr.Message)...)
		}
		writeError(c, appErr)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 and logs the stack.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Errorw("handler panicked",
				"panic", r,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"stack", string(debug.Stack()),
			)
			writeError(c, apperrors.New(apperrors.ErrCodeInternal, "internal error"))
		}()
		c.Next()
	}
}
