package integration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Connections & credentials
// ---------------------------------------------------------------------------

// ConnectionRepository persists connections
type ConnectionRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*Connection, error)
	FindAllForTenant(ctx context.Context, tenantID uuid.UUID, filter ConnectionFilter) ([]Connection, error)
	FindActive(ctx context.Context) ([]Connection, error)
	Save(ctx context.Context, conn *Connection) error
	// UpdateHealth writes the health columns of an active connection only
	UpdateHealth(ctx context.Context, id uuid.UUID, health ConnectionHealth) error
	UpdateCredentialState(ctx context.Context, id uuid.UUID, scheme AuthScheme, rotatedAt time.Time) error
	UpdateActivation(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
}

// CredentialRepository persists credentials. Implementations encrypt at rest.
type CredentialRepository interface {
	Get(ctx context.Context, connectionID uuid.UUID) (*Credentials, error)
	Put(ctx context.Context, creds Credentials) error
	All(ctx context.Context) ([]Credentials, error)
}

// ---------------------------------------------------------------------------
// Mappings & catalog
// ---------------------------------------------------------------------------

// ProductMappingReader provides read access to product mappings
type ProductMappingReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*ProductMapping, error)
	FindByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*ProductMapping, error)
	FindActiveByProductID(ctx context.Context, connectionID, productID uuid.UUID) (*ProductMapping, error)
	FindByConnection(ctx context.Context, connectionID uuid.UUID, filter ProductMappingFilter) ([]ProductMapping, int64, error)
	// FindMapped returns active mappings linked to an internal product, optionally
	// restricted to the given external IDs.
	FindMapped(ctx context.Context, connectionID uuid.UUID, externalIDs []string) ([]ProductMapping, error)
}

// ProductMappingWriter provides write access to product mappings
type ProductMappingWriter interface {
	// Save inserts or updates by (connection_id, external_id)
	Save(ctx context.Context, mapping *ProductMapping) error
}

// ProductMappingRepository combines read and write access
type ProductMappingRepository interface {
	ProductMappingReader
	ProductMappingWriter
}

// CatalogReader looks up internal products of one tenant
type CatalogReader interface {
	FindByID(ctx context.Context, tenantID, productID uuid.UUID) (*CatalogProduct, error)
	FindBySKU(ctx context.Context, tenantID uuid.UUID, sku string) ([]CatalogProduct, error)
	FindByBarcode(ctx context.Context, tenantID uuid.UUID, barcode string) ([]CatalogProduct, error)
	FindByNormalizedName(ctx context.Context, tenantID uuid.UUID, normalized string) ([]CatalogProduct, error)
	FindByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]CatalogProduct, error)
}

// OrderSink hands normalized orders to the internal order system. Import is an
// idempotent upsert keyed by (connection, external ID).
type OrderSink interface {
	Import(ctx context.Context, conn *Connection, order ExternalOrder, lines []ResolvedOrderLine) error
}

// ResolvedOrderLine is an order line bound to an internal product
type ResolvedOrderLine struct {
	Line              ExternalOrderLine
	InternalProductID uuid.UUID
}

// ---------------------------------------------------------------------------
// Queue, checkpoints, ledger
// ---------------------------------------------------------------------------

// JobQueue is the durable queue of sync jobs
type JobQueue interface {
	// Enqueue assigns the next per-connection sequence and stores the job
	Enqueue(ctx context.Context, job *SyncJob) error
	// Dequeue claims the lowest-sequence available job of the first pair that has
	// one. Returns ErrQueueEmpty when nothing is available.
	Dequeue(ctx context.Context, now time.Time) (*SyncJob, error)
	Requeue(ctx context.Context, jobID uuid.UUID, availableAt time.Time) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	Skip(ctx context.Context, jobID uuid.UUID) error
	// Withdraw marks a still-queued job skipped. Returns ErrJobNotFound when the
	// job is no longer queued.
	Withdraw(ctx context.Context, jobID uuid.UUID) error
	// RecoverStale returns jobs claimed before olderThan to the queue
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
	FindByID(ctx context.Context, jobID uuid.UUID) (*SyncJob, error)
}

// CheckpointRepository reads per-pair checkpoints
type CheckpointRepository interface {
	Get(ctx context.Context, connectionID uuid.UUID, op Operation) (*SyncCheckpoint, error)
	// SaveCursor stores the resume cursor of an in-flight listing
	SaveCursor(ctx context.Context, connectionID uuid.UUID, op Operation, cursor string) error
}

// SyncLedger is the append-only store of finalized runs
type SyncLedger interface {
	// RecordRun atomically stores the run with its failures and logs, advances the
	// pair checkpoint to the run's sequence and marks the job done.
	RecordRun(ctx context.Context, run *SyncRun, checkpoint SyncCheckpoint) error
}

// SyncLedgerReader queries the ledger
type SyncLedgerReader interface {
	ListRuns(ctx context.Context, filter SyncRunFilter) ([]SyncRun, int64, error)
	GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*SyncRun, error)
	LatestRun(ctx context.Context, connectionID uuid.UUID, op Operation) (*SyncRun, error)
}

// ---------------------------------------------------------------------------
// Runtime coordination
// ---------------------------------------------------------------------------

// RunLock is a keyed lease that makes at most one run per pair active
type RunLock interface {
	// TryAcquire takes the lease or returns ErrLeaseHeld. The returned token
	// identifies the holder on Refresh and Release.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// DedupCache remembers recently seen webhook events per connection
type DedupCache interface {
	// MarkSeen records the event and reports whether it was new
	MarkSeen(ctx context.Context, connectionID uuid.UUID, source, eventID string, ttl time.Duration) (bool, error)
	// Release forgets one event so the sender's retry is processed
	Release(ctx context.Context, connectionID uuid.UUID, source, eventID string) error
	// Forget drops the whole scope of a connection
	Forget(ctx context.Context, connectionID uuid.UUID) error
}
