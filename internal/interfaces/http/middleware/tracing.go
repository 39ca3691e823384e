// Package middleware provides HTTP middleware for the sync engine's API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the server span middleware
type TracingConfig struct {
	ServiceName string
	Enabled     bool
	// SkipPaths are served without a span; probes would otherwise dominate traces.
	SkipPaths []string
}

// ProbePaths are the liveness and readiness endpoints
var ProbePaths = []string{"/health", "/healthz", "/ready"}

// Tracing starts a server span per request, named "METHOD route"
// (e.g. "POST /api/v1/webhooks/:connection_id").
func Tracing(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return passThrough
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	return otelgin.Middleware(cfg.ServiceName, otelgin.WithFilter(func(r *http.Request) bool {
		_, skipped := skip[r.URL.Path]
		return !skipped
	}))
}

// SpanAttributes tags the server span with request, tenant and connection IDs
// and marks 4xx/5xx answers as errors. Place it after authentication.
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		var attrs []attribute.KeyValue
		if id := RequestIDFrom(c); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		if id := tenantLabel(c); id != "" {
			attrs = append(attrs, attribute.String("tenant_id", id))
		}
		if id := c.Param("connection_id"); id != "" {
			attrs = append(attrs, attribute.String("connection_id", id))
		}
		span.SetAttributes(attrs...)

		c.Next()

		if status := c.Writer.Status(); status >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
