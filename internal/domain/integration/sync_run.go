package integration

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal status of a sync run
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// IsValid returns true if the status is a terminal run status
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

// FailureKind classifies a per-record failure
type FailureKind string

const (
	FailureKindUnmapped       FailureKind = "unmapped"
	FailureKindAmbiguous      FailureKind = "ambiguous"
	FailureKindValidation     FailureKind = "validation"
	FailureKindRejected       FailureKind = "rejected"
	FailureKindNotFound       FailureKind = "not_found"
	FailureKindRateLimited    FailureKind = "rate_limited"
	FailureKindTransient      FailureKind = "transient"
	FailureKindAuthentication FailureKind = "authentication"
	FailureKindSecurity       FailureKind = "security"
	FailureKindInternal       FailureKind = "internal"
)

// RecordFailure describes why one record failed
type RecordFailure struct {
	ExternalID string
	Operation  Operation
	Kind       FailureKind
	Reason     string
}

// LogLevel is the severity of a run log entry
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// LogEntry is a structured diagnostic tied to a run. Write-once.
type LogEntry struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Level     LogLevel
	Message   string
	Detail    map[string]any
	CreatedAt time.Time
}

// SyncRun is the ledger entry for one executed job. Once finalized it is a
// historical fact and is never mutated again.
type SyncRun struct {
	ID               uuid.UUID
	JobID            uuid.UUID
	TenantID         uuid.UUID
	ConnectionID     uuid.UUID
	Operation        Operation
	Trigger          Trigger
	Sequence         int64
	StartedAt        time.Time
	FinishedAt       time.Time
	RecordsProcessed int
	SuccessCount     int
	FailedCount      int
	Status           RunStatus
	Cancelled        bool
	// Error holds the connection-level cause when the run stopped early
	Error    string
	Failures []RecordFailure
	Logs     []LogEntry
}

// Duration returns how long the run took
func (r *SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedExternalIDs returns the distinct external IDs that failed
func (r *SyncRun) FailedExternalIDs() []string {
	seen := make(map[string]struct{}, len(r.Failures))
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		if f.ExternalID == "" {
			continue
		}
		if _, ok := seen[f.ExternalID]; ok {
			continue
		}
		seen[f.ExternalID] = struct{}{}
		ids = append(ids, f.ExternalID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// RunAccumulator
// ---------------------------------------------------------------------------

// RunAccumulator collects per-record outcomes of an in-flight run. It is safe
// for concurrent use by the record workers of one job.
type RunAccumulator struct {
	mu        sync.Mutex
	run       *SyncRun
	connErr   error
	finalized bool
}

// NewRunAccumulator starts a run for job
func NewRunAccumulator(job *SyncJob) *RunAccumulator {
	return &RunAccumulator{
		run: &SyncRun{
			ID:           uuid.New(),
			JobID:        job.ID,
			TenantID:     job.TenantID,
			ConnectionID: job.ConnectionID,
			Operation:    job.Operation,
			Trigger:      job.Trigger,
			Sequence:     job.Sequence,
			StartedAt:    time.Now(),
			Failures:     make([]RecordFailure, 0),
			Logs:         make([]LogEntry, 0),
		},
	}
}

// RunID returns the ID of the run being accumulated
func (a *RunAccumulator) RunID() uuid.UUID {
	return a.run.ID
}

// RecordSuccess counts one successfully processed record
func (a *RunAccumulator) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.run.RecordsProcessed++
	a.run.SuccessCount++
}

// RecordFailure counts one failed record
func (a *RunAccumulator) RecordFailure(f RecordFailure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.run.RecordsProcessed++
	a.run.FailedCount++
	a.run.Failures = append(a.run.Failures, f)
}

// RecordConnectionError remembers the first connection-level failure
func (a *RunAccumulator) RecordConnectionError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connErr == nil {
		a.connErr = err
	}
}

// ConnectionError returns the connection-level failure, if any
func (a *RunAccumulator) ConnectionError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connErr
}

// Log appends a structured log entry
func (a *RunAccumulator) Log(level LogLevel, message string, detail map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return
	}
	a.run.Logs = append(a.run.Logs, LogEntry{
		ID:        uuid.New(),
		RunID:     a.run.ID,
		Level:     level,
		Message:   message,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}

// Counts returns success and failure counts so far
func (a *RunAccumulator) Counts() (success, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run.SuccessCount, a.run.FailedCount
}

// Finalize derives the terminal status and returns the run. Later calls return
// the same run unchanged.
//
//   - cancelled: partial, or failed when nothing succeeded
//   - connection-level error: failed, whatever succeeded before it
//   - no failures: completed
//   - at least one success: partial
//   - otherwise: failed
func (a *RunAccumulator) Finalize(cancelled bool) *SyncRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return a.run
	}
	a.finalized = true

	r := a.run
	r.FinishedAt = time.Now()
	r.Cancelled = cancelled
	if a.connErr != nil {
		r.Error = a.connErr.Error()
	}

	switch {
	case cancelled:
		if r.SuccessCount > 0 {
			r.Status = RunStatusPartial
		} else {
			r.Status = RunStatusFailed
		}
	case a.connErr != nil:
		r.Status = RunStatusFailed
	case r.FailedCount == 0:
		r.Status = RunStatusCompleted
	case r.SuccessCount > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
	return r
}

// ---------------------------------------------------------------------------
// Ledger queries
// ---------------------------------------------------------------------------

// SyncRunFilter defines filter criteria for ledger queries
type SyncRunFilter struct {
	TenantID     uuid.UUID
	ConnectionID *uuid.UUID
	Operation    *Operation
	Status       *RunStatus
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

// Normalize applies paging defaults
func (f *SyncRunFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 200 {
		f.PageSize = 50
	}
}
