package integration

import (
	"time"

	"github.com/google/uuid"
)

// PairStatus is the live state of one (connection, operation) pair
type PairStatus string

const (
	PairStatusIdle      PairStatus = "idle"
	PairStatusRunning   PairStatus = "running"
	PairStatusCompleted PairStatus = "completed"
	PairStatusPartial   PairStatus = "partial"
	PairStatusFailed    PairStatus = "failed"
)

// PairStatusOf maps a terminal run status onto the pair state machine
func PairStatusOf(status RunStatus) PairStatus {
	switch status {
	case RunStatusCompleted:
		return PairStatusCompleted
	case RunStatusPartial:
		return PairStatusPartial
	default:
		return PairStatusFailed
	}
}

// PairState is what the UI sees of a pair between runs
type PairState struct {
	ConnectionID uuid.UUID
	Operation    Operation
	Status       PairStatus
	// JobID is the running job, or the last finished one
	JobID      uuid.UUID
	RunID      uuid.UUID
	Sequence   int64
	StartedAt  *time.Time
	FinishedAt *time.Time
}
