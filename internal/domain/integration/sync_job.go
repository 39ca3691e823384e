package integration

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Operation & Trigger
// ---------------------------------------------------------------------------

// Operation is the kind of synchronization a job performs
type Operation string

const (
	OperationFullSync    Operation = "full_sync"
	OperationStockUpdate Operation = "stock_update"
	OperationPriceUpdate Operation = "price_update"
	OperationOrderSync   Operation = "order_sync"
	OperationProductSync Operation = "product_sync"
)

// AllOperations returns all operations
func AllOperations() []Operation {
	return []Operation{
		OperationFullSync,
		OperationStockUpdate,
		OperationPriceUpdate,
		OperationOrderSync,
		OperationProductSync,
	}
}

// IsValid returns true if the operation is known
func (o Operation) IsValid() bool {
	switch o {
	case OperationFullSync, OperationStockUpdate, OperationPriceUpdate, OperationOrderSync, OperationProductSync:
		return true
	}
	return false
}

// String returns the string representation
func (o Operation) String() string {
	return string(o)
}

// Stages returns the single-purpose operations a run of o executes, in order
func (o Operation) Stages() []Operation {
	if o == OperationFullSync {
		return []Operation{OperationProductSync, OperationStockUpdate, OperationPriceUpdate, OperationOrderSync}
	}
	return []Operation{o}
}

// Trigger records what caused a job to be enqueued
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
	// TriggerRetry marks follow-up jobs for records that failed in a previous run
	TriggerRetry Trigger = "retry"
)

// IsValid returns true if the trigger is known
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerWebhook, TriggerRetry:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// SyncJob
// ---------------------------------------------------------------------------

// JobStatus is the queue bookkeeping state of a job
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusClaimed JobStatus = "claimed"
	JobStatusDone    JobStatus = "done"
	// JobStatusSkipped marks a job whose sequence was already applied
	JobStatusSkipped JobStatus = "skipped"
)

// SyncJob is a queued unit of synchronization work. The payload is immutable
// once created; only the queue bookkeeping fields move.
type SyncJob struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ConnectionID uuid.UUID
	Operation    Operation
	Trigger      Trigger
	// Sequence is assigned by the queue on enqueue, strictly increasing per connection
	Sequence int64
	// Scope restricts the job to these external IDs; empty means everything
	Scope         []string
	SourceEventID string
	Attempt       int

	Status      JobStatus
	AvailableAt time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
}

// NewSyncJob creates a job ready to be enqueued
func NewSyncJob(conn *Connection, op Operation, trigger Trigger) (*SyncJob, error) {
	if !op.IsValid() {
		return nil, ErrInvalidOperation
	}
	if !trigger.IsValid() {
		return nil, ErrInvalidTrigger
	}
	if !conn.IsActive {
		return nil, ErrConnectionInactive
	}
	now := time.Now()
	return &SyncJob{
		ID:           uuid.New(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Operation:    op,
		Trigger:      trigger,
		Status:       JobStatusQueued,
		AvailableAt:  now,
		CreatedAt:    now,
	}, nil
}

// WithScope restricts the job to the given external IDs. Repeats and blanks
// are dropped so each record is looked up once.
func (j *SyncJob) WithScope(externalIDs []string) *SyncJob {
	seen := make(map[string]struct{}, len(externalIDs))
	var scope []string
	for _, id := range externalIDs {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		scope = append(scope, id)
	}
	if len(scope) > 0 {
		j.Scope = scope
	}
	return j
}

// WithSourceEvent records the webhook event that produced the job
func (j *SyncJob) WithSourceEvent(eventID string) *SyncJob {
	j.SourceEventID = eventID
	return j
}

// IsScoped reports whether the job targets a subset of records
func (j *SyncJob) IsScoped() bool {
	return len(j.Scope) > 0
}

// InScope reports whether externalID falls inside the job's scope
func (j *SyncJob) InScope(externalID string) bool {
	if !j.IsScoped() {
		return true
	}
	for _, id := range j.Scope {
		if id == externalID {
			return true
		}
	}
	return false
}

// PairKey is the (connection, operation) key the exclusive run lease is taken on
func (j *SyncJob) PairKey() string {
	return PairKey(j.ConnectionID, j.Operation)
}

// PairKey builds the lease key of a (connection, operation) pair
func PairKey(connectionID uuid.UUID, op Operation) string {
	return connectionID.String() + ":" + string(op)
}

// FollowUp builds a retry job for records that failed in this job's run
func (j *SyncJob) FollowUp(failedExternalIDs []string) *SyncJob {
	now := time.Now()
	return &SyncJob{
		ID:           uuid.New(),
		TenantID:     j.TenantID,
		ConnectionID: j.ConnectionID,
		Operation:    j.Operation,
		Trigger:      TriggerRetry,
		Scope:        append([]string(nil), failedExternalIDs...),
		Attempt:      j.Attempt + 1,
		Status:       JobStatusQueued,
		AvailableAt:  now,
		CreatedAt:    now,
	}
}

// ---------------------------------------------------------------------------
// Checkpoint
// ---------------------------------------------------------------------------

// SyncCheckpoint tracks the last applied sequence of a (connection, operation)
// pair and the cursor an interrupted listing resumes from.
type SyncCheckpoint struct {
	ConnectionID uuid.UUID
	Operation    Operation
	LastSequence int64
	ResumeCursor string
	UpdatedAt    time.Time
}

// Applied reports whether a job sequence was already applied
func (c *SyncCheckpoint) Applied(sequence int64) bool {
	return c != nil && sequence <= c.LastSequence
}
