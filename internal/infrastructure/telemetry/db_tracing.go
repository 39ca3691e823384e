package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSlowQuery = 200 * time.Millisecond
	callbackPrefix   = "marketsync_db:"
)

var (
	AttrDBOperation = attribute.Key("db.operation")
	AttrDBTable     = attribute.Key("db.sql.table")

	dbQueryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}
)

// DBTracingConfig configures query spans and query duration metrics
type DBTracingConfig struct {
	Enabled bool
	// WithQueryVariables puts bound values into spans; never in production,
	// credential rows carry sealed secrets.
	WithQueryVariables bool
	SlowQueryThreshold time.Duration
	DBSystem           string
}

// DefaultDBTracingConfig returns a disabled config for postgres
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		SlowQueryThreshold: defaultSlowQuery,
		DBSystem:           "postgresql",
	}
}

// DBInstrumentation is a gorm plugin: otelgorm spans plus slow query marking
// and an optional db_query_duration_seconds histogram per operation and table.
type DBInstrumentation struct {
	config   DBTracingConfig
	logger   *zap.Logger
	duration *Histogram
}

// DBInstrumentationOption configures a DBInstrumentation
type DBInstrumentationOption func(*DBInstrumentation) error

// WithQueryMetrics records query durations on meter
func WithQueryMetrics(meter metric.Meter) DBInstrumentationOption {
	return func(p *DBInstrumentation) error {
		if meter == nil {
			return ErrMeterNil
		}
		h, err := NewHistogram(meter, HistogramOpts{
			Name:        "db_query_duration_seconds",
			Description: "Database statement latency",
			Unit:        "s",
			Boundaries:  dbQueryBuckets,
		})
		if err != nil {
			return err
		}
		p.duration = h
		return nil
	}
}

// NewDBInstrumentation creates the plugin. Install it with db.Use.
func NewDBInstrumentation(cfg DBTracingConfig, logger *zap.Logger, opts ...DBInstrumentationOption) (*DBInstrumentation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = defaultSlowQuery
	}
	if cfg.DBSystem == "" {
		cfg.DBSystem = "postgresql"
	}
	p := &DBInstrumentation{config: cfg, logger: logger}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements gorm.Plugin
func (p *DBInstrumentation) Name() string {
	return "marketsync:db_instrumentation"
}

// Initialize implements gorm.Plugin
func (p *DBInstrumentation) Initialize(db *gorm.DB) error {
	if !p.config.Enabled {
		p.logger.Debug("Database tracing disabled")
		return nil
	}

	opts := []otelgorm.Option{otelgorm.WithDBName(p.config.DBSystem)}
	if !p.config.WithQueryVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}
	if err := p.registerCallbacks(db); err != nil {
		return err
	}

	p.logger.Info("Database tracing enabled",
		zap.Bool("query_variables", p.config.WithQueryVariables),
		zap.Duration("slow_query_threshold", p.config.SlowQueryThreshold),
		zap.Bool("query_metrics", p.duration != nil),
	)
	return nil
}

type queryStartKey struct{}

type registerFunc func(name string, fn func(*gorm.DB)) error

func (p *DBInstrumentation) registerCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	stages := []struct {
		op            string
		before, after registerFunc
	}{
		{"create",
			func(n string, fn func(*gorm.DB)) error { return cb.Create().Before("gorm:create").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, fn) }},
		{"query",
			func(n string, fn func(*gorm.DB)) error { return cb.Query().Before("gorm:query").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, fn) }},
		{"update",
			func(n string, fn func(*gorm.DB)) error { return cb.Update().Before("gorm:update").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, fn) }},
		{"delete",
			func(n string, fn func(*gorm.DB)) error { return cb.Delete().Before("gorm:delete").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, fn) }},
		{"row",
			func(n string, fn func(*gorm.DB)) error { return cb.Row().Before("gorm:row").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Row().After("gorm:row").Register(n, fn) }},
		{"raw",
			func(n string, fn func(*gorm.DB)) error { return cb.Raw().Before("gorm:raw").Register(n, fn) },
			func(n string, fn func(*gorm.DB)) error { return cb.Raw().After("gorm:raw").Register(n, fn) }},
	}

	for _, s := range stages {
		if err := s.before(callbackPrefix+"before_"+s.op, markQueryStart); err != nil {
			return err
		}
		if err := s.after(callbackPrefix+"after_"+s.op, p.afterQuery(s.op)); err != nil {
			return err
		}
	}
	return nil
}

func markQueryStart(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartKey{}, time.Now())
	}
}

func (p *DBInstrumentation) afterQuery(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			return
		}

		var elapsed time.Duration
		start, timed := ctx.Value(queryStartKey{}).(time.Time)
		if timed {
			elapsed = time.Since(start)
			if p.duration != nil {
				p.duration.RecordDuration(ctx, elapsed,
					AttrDBOperation.String(op),
					AttrDBTable.String(db.Statement.Table),
				)
			}
		}

		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return
		}
		span.SetAttributes(AttrDBOperation.String(op))
		if db.Statement.Table != "" {
			span.SetAttributes(AttrDBTable.String(db.Statement.Table))
		}
		if db.Statement.RowsAffected >= 0 {
			span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		}
		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			span.RecordError(db.Error)
			span.SetStatus(codes.Error, db.Error.Error())
		}
		if timed && elapsed > p.config.SlowQueryThreshold {
			span.SetAttributes(attribute.Bool("db.slow_query", true))
			span.AddEvent("slow_query", trace.WithAttributes(
				attribute.Int64("duration_ms", elapsed.Milliseconds()),
				attribute.Int64("threshold_ms", p.config.SlowQueryThreshold.Milliseconds()),
			))
		}
	}
}
