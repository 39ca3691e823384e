package scheduler

import "errors"

var (
	// ErrOrchestratorNotRunning is returned when an operation needs a started orchestrator
	ErrOrchestratorNotRunning = errors.New("scheduler: orchestrator is not running")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("scheduler: invalid configuration")

	// ErrInvalidSchedule is returned for a cron spec that does not parse or names an unknown operation
	ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

	// ErrRunTimedOut is recorded on runs that hit the job timeout
	ErrRunTimedOut = errors.New("scheduler: run exceeded the job timeout")

	// ErrCatalogProductMissing is recorded when a mapping points at a product the catalog no longer has
	ErrCatalogProductMissing = errors.New("scheduler: mapped catalog product no longer exists")
)
