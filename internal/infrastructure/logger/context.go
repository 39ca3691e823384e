package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// LoggerKey is the context key for the logger
	LoggerKey contextKey = "logger"
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// TenantIDKey is the context key for tenant ID
	TenantIDKey contextKey = "tenant_id"
	// ConnectionIDKey is the context key for the connection a request or job acts on
	ConnectionIDKey contextKey = "connection_id"
	// JobIDKey is the context key for the sync job being executed
	JobIDKey contextKey = "job_id"
)

// correlationKeys are the context values copied onto every enriched entry, in output order
var correlationKeys = []contextKey{RequestIDKey, TenantIDKey, ConnectionIDKey, JobIDKey}

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context, or a no-op logger
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

func withValue(ctx context.Context, logger *zap.Logger, key contextKey, value string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, key, value)
	enriched := logger.With(zap.String(string(key), value))
	return WithContext(ctx, enriched), enriched
}

func value(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithRequestID stores the request ID and returns the enriched logger
func WithRequestID(ctx context.Context, logger *zap.Logger, requestID string) (context.Context, *zap.Logger) {
	return withValue(ctx, logger, RequestIDKey, requestID)
}

// WithTenantID stores the tenant ID and returns the enriched logger
func WithTenantID(ctx context.Context, logger *zap.Logger, tenantID string) (context.Context, *zap.Logger) {
	return withValue(ctx, logger, TenantIDKey, tenantID)
}

// WithConnectionID stores the connection ID and returns the enriched logger
func WithConnectionID(ctx context.Context, logger *zap.Logger, connectionID string) (context.Context, *zap.Logger) {
	return withValue(ctx, logger, ConnectionIDKey, connectionID)
}

// WithJobID stores the sync job ID and returns the enriched logger
func WithJobID(ctx context.Context, logger *zap.Logger, jobID string) (context.Context, *zap.Logger) {
	return withValue(ctx, logger, JobIDKey, jobID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string { return value(ctx, RequestIDKey) }

// GetTenantID retrieves tenant ID from context
func GetTenantID(ctx context.Context) string { return value(ctx, TenantIDKey) }

// GetConnectionID retrieves connection ID from context
func GetConnectionID(ctx context.Context) string { return value(ctx, ConnectionIDKey) }

// GetJobID retrieves the sync job ID from context
func GetJobID(ctx context.Context) string { return value(ctx, JobIDKey) }

// Fields returns the correlation fields carried by ctx: trace_id and span_id
// of the active span, then every correlation ID that is set.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	for _, key := range correlationKeys {
		if v := value(ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// ---------------------------------------------------------------------------
// ContextLogger
// ---------------------------------------------------------------------------

// ContextLogger adds the correlation fields of its context to every entry.
// Use it where the base logger was not derived from the context, e.g. in
// long-lived services handling a request or job context.
type ContextLogger struct {
	ctx    context.Context
	logger *zap.Logger
}

// L returns a ContextLogger over the logger stored in ctx
func L(ctx context.Context) *ContextLogger {
	return &ContextLogger{ctx: ctx, logger: FromContext(ctx)}
}

// WithLogger returns a ContextLogger over the given logger
func WithLogger(ctx context.Context, logger *zap.Logger) *ContextLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextLogger{ctx: ctx, logger: logger}
}

// With creates a child ContextLogger with additional fields
func (cl *ContextLogger) With(fields ...zap.Field) *ContextLogger {
	return &ContextLogger{ctx: cl.ctx, logger: cl.logger.With(fields...)}
}

// Zap returns the enriched zap logger
func (cl *ContextLogger) Zap() *zap.Logger {
	return cl.logger.With(Fields(cl.ctx)...)
}

func (cl *ContextLogger) Debug(msg string, fields ...zap.Field) { cl.Zap().Debug(msg, fields...) }
func (cl *ContextLogger) Info(msg string, fields ...zap.Field)  { cl.Zap().Info(msg, fields...) }
func (cl *ContextLogger) Warn(msg string, fields ...zap.Field)  { cl.Zap().Warn(msg, fields...) }
func (cl *ContextLogger) Error(msg string, fields ...zap.Field) { cl.Zap().Error(msg, fields...) }
