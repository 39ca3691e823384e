package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/erp/marketsync/internal/infrastructure/telemetry"
)

// unmatchedRoute labels requests no route matched
const unmatchedRoute = "unknown"

var payloadSizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576}

// HTTPMetricsConfig configures request metrics
type HTTPMetricsConfig struct {
	MeterProvider *telemetry.MeterProvider
	Enabled       bool
	// SkipPaths are not measured
	SkipPaths []string
}

type httpInstruments struct {
	requests    *telemetry.Counter
	duration    *telemetry.Histogram
	requestSize *telemetry.Histogram
	inFlight    metric.Int64UpDownCounter
}

func newHTTPInstruments(meter metric.Meter) (*httpInstruments, error) {
	requests, err := telemetry.NewCounter(meter,
		"http_server_request_total", "HTTP requests served", "{request}")
	if err != nil {
		return nil, err
	}
	duration, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http_server_request_duration_seconds",
		Description: "HTTP request latency",
		Unit:        "s",
		Boundaries:  telemetry.HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	requestSize, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http_server_request_size_bytes",
		Description: "Declared request body size, dominated by webhook payloads",
		Unit:        "By",
		Boundaries:  payloadSizeBuckets,
	})
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("http_server_active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	return &httpInstruments{
		requests:    requests,
		duration:    duration,
		requestSize: requestSize,
		inFlight:    inFlight,
	}, nil
}

// HTTPMetrics counts requests per method, route, status and tenant and
// records their latency and payload size.
func HTTPMetrics(cfg HTTPMetricsConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.MeterProvider == nil || !cfg.MeterProvider.Enabled() {
		return passThrough
	}
	return meterRequests(cfg.MeterProvider.Meter("http.server"), cfg.SkipPaths)
}

func meterRequests(meter metric.Meter, skipPaths []string) gin.HandlerFunc {
	if meter == nil {
		return passThrough
	}
	inst, err := newHTTPInstruments(meter)
	if err != nil {
		return passThrough
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		start := time.Now()
		inst.inFlight.Add(ctx, 1)
		defer inst.inFlight.Add(ctx, -1)

		c.Next()

		status := c.Writer.Status()
		route := []attribute.KeyValue{
			telemetry.AttrHTTPMethod.String(c.Request.Method),
			telemetry.AttrHTTPRoute.String(routePattern(c)),
			telemetry.AttrStatusClass.String(telemetry.StatusClass(status)),
		}
		counted := append(route[:len(route):len(route)], telemetry.AttrHTTPStatusCode.Int(status))
		if tenantID := tenantLabel(c); tenantID != "" {
			counted = append(counted, telemetry.AttrTenantID.String(tenantID))
		}

		inst.requests.Inc(ctx, counted...)
		inst.duration.RecordDuration(ctx, time.Since(start), route...)
		if size := c.Request.ContentLength; size > 0 {
			inst.requestSize.Record(ctx, float64(size), route...)
		}
	}
}

func passThrough(c *gin.Context) {
	c.Next()
}

// routePattern keeps the route label bounded by using the matched pattern
func routePattern(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}
