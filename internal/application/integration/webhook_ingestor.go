package integration

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/logger"
)

// DefaultDedupTTL is how long a webhook event ID is remembered
const DefaultDedupTTL = 24 * time.Hour

// Webhook results reported to the observer
const (
	WebhookResultAccepted    = "accepted"
	WebhookResultDuplicate   = "duplicate"
	WebhookResultInactive    = "inactive"
	WebhookResultRejected    = "rejected"
	WebhookResultInvalid     = "invalid"
	WebhookResultUnavailable = "unavailable"
)

// CredentialSource hands out credential snapshots
type CredentialSource interface {
	Get(ctx context.Context, connectionID uuid.UUID) (integration.Credentials, error)
}

// JobNotifier wakes the job consumer after an enqueue
type JobNotifier interface {
	Notify()
}

// WebhookObserver records webhook outcomes
type WebhookObserver interface {
	ObserveWebhook(ctx context.Context, kind integration.ConnectorKind, result string)
}

// WebhookIngestor turns inbound notifications into sync jobs. It answers as
// soon as the job is durably queued; the sync itself runs later.
type WebhookIngestor struct {
	connections integration.ConnectionRepository
	credentials CredentialSource
	connectors  integration.ConnectorResolver
	dedup       integration.DedupCache
	queue       integration.JobQueue
	logger      *zap.Logger

	notifier JobNotifier
	observer WebhookObserver
	dedupTTL time.Duration
}

// WebhookIngestorOption configures a WebhookIngestor
type WebhookIngestorOption func(*WebhookIngestor)

// WithNotifier sets the consumer woken after each enqueue
func WithNotifier(n JobNotifier) WebhookIngestorOption {
	return func(w *WebhookIngestor) { w.notifier = n }
}

// WithWebhookObserver sets the metrics observer
func WithWebhookObserver(o WebhookObserver) WebhookIngestorOption {
	return func(w *WebhookIngestor) { w.observer = o }
}

// WithDedupTTL overrides DefaultDedupTTL
func WithDedupTTL(ttl time.Duration) WebhookIngestorOption {
	return func(w *WebhookIngestor) {
		if ttl > 0 {
			w.dedupTTL = ttl
		}
	}
}

// NewWebhookIngestor creates a webhook ingestor
func NewWebhookIngestor(
	connections integration.ConnectionRepository,
	credentials CredentialSource,
	connectors integration.ConnectorResolver,
	dedup integration.DedupCache,
	queue integration.JobQueue,
	log *zap.Logger,
	opts ...WebhookIngestorOption,
) *WebhookIngestor {
	if log == nil {
		log = zap.NewNop()
	}
	w := &WebhookIngestor{
		connections: connections,
		credentials: credentials,
		connectors:  connectors,
		dedup:       dedup,
		queue:       queue,
		logger:      log,
		dedupTTL:    DefaultDedupTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle verifies, deduplicates and enqueues one notification. The returned
// status is what the sender must receive; jobID is uuid.Nil when no job was
// created. err carries the reason for non-200 answers and is safe to log.
func (w *WebhookIngestor) Handle(ctx context.Context, rawBody []byte, headers http.Header, connectionID uuid.UUID) (int, uuid.UUID, error) {
	log := logger.WithLogger(ctx, w.logger).With(
		zap.String("connection_id", connectionID.String()),
		zap.String("user_agent", headers.Get("User-Agent")),
	)

	conn, err := w.connections.FindByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, integration.ErrConnectionNotFound) {
			log.Warn("Webhook for unknown connection", zap.String("category", "security"))
			w.observe(ctx, "", WebhookResultRejected)
			return http.StatusUnauthorized, uuid.Nil, &integration.SecurityError{Reason: "unknown connection"}
		}
		log.Error("Failed to load connection for webhook", zap.Error(err))
		w.observe(ctx, "", WebhookResultUnavailable)
		return http.StatusServiceUnavailable, uuid.Nil, err
	}
	log = log.With(zap.String("connector", string(conn.Kind)))

	if !conn.IsActive {
		log.Info("Webhook for inactive connection ignored")
		w.observe(ctx, conn.Kind, WebhookResultInactive)
		return http.StatusOK, uuid.Nil, nil
	}

	connector, err := w.connectors.Get(conn.Kind)
	if err != nil {
		log.Error("No connector for webhook", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultUnavailable)
		return http.StatusServiceUnavailable, uuid.Nil, err
	}

	creds, err := w.credentials.Get(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, integration.ErrCredentialsNotFound) {
			log.Warn("Webhook for connection without credentials", zap.String("category", "security"))
			w.observe(ctx, conn.Kind, WebhookResultRejected)
			return http.StatusUnauthorized, uuid.Nil, &integration.SecurityError{Reason: "no webhook secret configured"}
		}
		log.Error("Failed to load credentials for webhook", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultUnavailable)
		return http.StatusServiceUnavailable, uuid.Nil, err
	}

	if err := connector.VerifyWebhookSignature(rawBody, headers, creds.WebhookSecret); err != nil {
		log.Warn("Webhook signature rejected",
			zap.String("category", "security"),
			zap.Int("body_bytes", len(rawBody)),
			zap.Error(err),
		)
		w.observe(ctx, conn.Kind, WebhookResultRejected)
		return http.StatusUnauthorized, uuid.Nil, err
	}

	event, err := connector.ParseWebhookEvent(rawBody, headers)
	if err != nil {
		log.Warn("Malformed webhook payload", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultInvalid)
		return http.StatusBadRequest, uuid.Nil, err
	}
	log = log.With(zap.String("event_id", event.EventID), zap.String("topic", event.Topic))

	source := string(conn.Kind)
	fresh, err := w.dedup.MarkSeen(ctx, conn.ID, source, event.EventID, w.dedupTTL)
	if err != nil {
		log.Error("Webhook dedup unavailable", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultUnavailable)
		return http.StatusServiceUnavailable, uuid.Nil, err
	}
	if !fresh {
		log.Info("Duplicate webhook event acknowledged")
		w.observe(ctx, conn.Kind, WebhookResultDuplicate)
		return http.StatusOK, uuid.Nil, nil
	}

	job, err := integration.NewSyncJob(conn, event.Operation, integration.TriggerWebhook)
	if err != nil {
		w.release(ctx, log, conn.ID, source, event.EventID)
		log.Warn("Webhook event cannot be translated", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultInvalid)
		return http.StatusBadRequest, uuid.Nil, &integration.DataValidationError{Field: "operation", Reason: err.Error()}
	}
	job.WithScope(event.ExternalIDs).WithSourceEvent(event.EventID)

	if err := w.queue.Enqueue(ctx, job); err != nil {
		w.release(ctx, log, conn.ID, source, event.EventID)
		log.Error("Failed to enqueue webhook job", zap.Error(err))
		w.observe(ctx, conn.Kind, WebhookResultUnavailable)
		return http.StatusServiceUnavailable, uuid.Nil, err
	}
	if w.notifier != nil {
		w.notifier.Notify()
	}

	log.Info("Webhook event queued",
		zap.String("job_id", job.ID.String()),
		zap.String("operation", string(job.Operation)),
		zap.Int64("sequence", job.Sequence),
		zap.Int("scope", len(job.Scope)),
	)
	w.observe(ctx, conn.Kind, WebhookResultAccepted)
	return http.StatusOK, job.ID, nil
}

func (w *WebhookIngestor) release(ctx context.Context, log *logger.ContextLogger, connectionID uuid.UUID, source, eventID string) {
	if err := w.dedup.Release(ctx, connectionID, source, eventID); err != nil {
		log.Error("Failed to release webhook dedup mark", zap.Error(err))
	}
}

func (w *WebhookIngestor) observe(ctx context.Context, kind integration.ConnectorKind, result string) {
	if w.observer != nil {
		w.observer.ObserveWebhook(ctx, kind, result)
	}
}
