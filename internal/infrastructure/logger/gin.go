package logger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLogMessage is the message of every access log entry
const AccessLogMessage = "HTTP Request"

// AccessLog logs one entry per request once the handlers have run. Correlation
// fields come from the request context, so tenant and connection IDs bound by
// later middleware are included. 5xx logs at error, 4xx at warn.
func AccessLog(base *zap.Logger) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()

		reqLogger := base
		if l, ok := ctx.Value(LoggerKey).(*zap.Logger); ok {
			reqLogger = l
		}
		reqLogger = reqLogger.With(
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)
		c.Request = c.Request.WithContext(WithContext(ctx, reqLogger))

		c.Next()

		status := c.Writer.Status()
		fields := append(Fields(c.Request.Context()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		)
		if route := c.FullPath(); route != "" {
			fields = append(fields, zap.String("route", route))
		}
		if GetConnectionID(c.Request.Context()) == "" {
			if id := c.Param("connection_id"); id != "" {
				fields = append(fields, zap.String("connection_id", id))
			}
		}
		if q := c.Request.URL.RawQuery; q != "" {
			fields = append(fields, zap.String("query", q))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.Strings("errors", c.Errors.Errors()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			base.Error(AccessLogMessage, fields...)
		case status >= http.StatusBadRequest:
			base.Warn(AccessLogMessage, fields...)
		default:
			base.Info(AccessLogMessage, fields...)
		}
	}
}

// Recovery turns a handler panic into a 500 and logs it with the stack
func Recovery(base *zap.Logger) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				base.Error("Panic recovered",
					append(Fields(c.Request.Context()),
						zap.String("method", c.Request.Method),
						zap.String("path", c.Request.URL.Path),
						zap.Any("panic", rec),
						zap.Stack("stacktrace"),
					)...,
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// RequestLogger returns the logger AccessLog bound to the request
func RequestLogger(c *gin.Context) *zap.Logger {
	if c.Request == nil {
		return zap.NewNop()
	}
	return FromContext(c.Request.Context())
}
