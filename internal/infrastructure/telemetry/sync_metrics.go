package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
)

// SyncMetrics records the sync engine's operational metrics: connector
// requests, webhook deliveries, finished runs and per-record outcomes.
type SyncMetrics struct {
	logger *zap.Logger

	connectorRequests *Counter
	connectorDuration *Histogram
	webhookEvents     *Counter
	runsTotal         *Counter
	runDuration       *Histogram
	recordsTotal      *Counter
	activeJobs        *Gauge
}

// ErrMeterNil is returned by NewSyncMetrics without a meter
var ErrMeterNil = errors.New("telemetry: meter is nil")

// SyncMetricsConfig holds configuration for sync metrics.
type SyncMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewSyncMetrics creates the sync instruments on the given meter.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SyncMetrics{logger: logger}

	var err error
	sm.connectorRequests, err = NewCounter(cfg.Meter,
		"marketsync.connector.requests",
		"Outbound requests made to external systems",
		"{request}",
	)
	if err != nil {
		return nil, err
	}

	sm.connectorDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "marketsync.connector.request.duration",
		Description: "Latency of outbound requests to external systems",
		Unit:        "s",
		Boundaries:  HTTPDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	sm.webhookEvents, err = NewCounter(cfg.Meter,
		"marketsync.webhook.events",
		"Inbound webhook deliveries by result",
		"{event}",
	)
	if err != nil {
		return nil, err
	}

	sm.runsTotal, err = NewCounter(cfg.Meter,
		"marketsync.sync.runs",
		"Finished sync runs by status",
		"{run}",
	)
	if err != nil {
		return nil, err
	}

	sm.runDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "marketsync.sync.run.duration",
		Description: "Wall time of finished sync runs",
		Unit:        "s",
		Boundaries:  SyncRunDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	sm.recordsTotal, err = NewCounter(cfg.Meter,
		"marketsync.sync.records",
		"Records processed by sync runs by outcome",
		"{record}",
	)
	if err != nil {
		return nil, err
	}

	sm.activeJobs, err = NewGauge(cfg.Meter,
		"marketsync.sync.active_jobs",
		"Jobs currently executing",
		"{job}",
	)
	if err != nil {
		return nil, err
	}

	logger.Debug("Sync metrics initialized")
	return sm, nil
}

// ObserveConnectorRequest records one outbound request. A zero status code
// means the request never produced a response.
func (sm *SyncMetrics) ObserveConnectorRequest(ctx context.Context, kind integration.ConnectorKind, op string, statusCode int, elapsed time.Duration) {
	attrs := []attribute.KeyValue{
		AttrConnectorKind.String(string(kind)),
		AttrConnectorOp.String(op),
		AttrStatusClass.String(StatusClass(statusCode)),
	}
	sm.connectorRequests.Inc(ctx, attrs...)
	sm.connectorDuration.RecordDuration(ctx, elapsed, attrs...)
}

// ObserveWebhook records the outcome of one webhook delivery.
func (sm *SyncMetrics) ObserveWebhook(ctx context.Context, kind integration.ConnectorKind, result string) {
	sm.webhookEvents.Inc(ctx,
		AttrConnectorKind.String(string(kind)),
		AttrWebhookResult.String(result),
	)
}

// ObserveRun records a finalized run and its record counts.
func (sm *SyncMetrics) ObserveRun(ctx context.Context, kind integration.ConnectorKind, run *integration.SyncRun) {
	if run == nil {
		return
	}
	base := []attribute.KeyValue{
		AttrConnectorKind.String(string(kind)),
		AttrOperation.String(string(run.Operation)),
	}

	sm.runsTotal.Inc(ctx, append(base,
		AttrRunStatus.String(string(run.Status)),
		AttrTrigger.String(string(run.Trigger)),
	)...)
	sm.runDuration.RecordDuration(ctx, run.Duration(), append(base, AttrRunStatus.String(string(run.Status)))...)

	if run.SuccessCount > 0 {
		sm.recordsTotal.Add(ctx, int64(run.SuccessCount), append(base, AttrRecordOutcome.String("success"))...)
	}
	for kind, n := range failuresByKind(run.Failures) {
		sm.recordsTotal.Add(ctx, n, append(base,
			AttrRecordOutcome.String("failed"),
			AttrFailureKind.String(string(kind)),
		)...)
	}
}

// RecordActiveJobs records how many jobs are executing right now.
func (sm *SyncMetrics) RecordActiveJobs(ctx context.Context, n int) {
	sm.activeJobs.Record(ctx, int64(n))
}

func failuresByKind(failures []integration.RecordFailure) map[integration.FailureKind]int64 {
	out := make(map[integration.FailureKind]int64)
	for _, f := range failures {
		out[f.Kind]++
	}
	return out
}

// StatusClass buckets an HTTP status code as "2xx", "4xx" and so on.
// Zero maps to "error".
func StatusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
