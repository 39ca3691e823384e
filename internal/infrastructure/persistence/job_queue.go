package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// dequeueBatch bounds how many head-of-pair candidates one Dequeue call tries
const dequeueBatch = 16

// GormJobQueue implements integration.JobQueue on the sync_jobs table.
//
// Sequences come from integration_connections.job_sequence, incremented in the
// enqueue transaction, so they are strictly increasing per connection. A job is
// claimable only when no lower-sequence job of the same pair is still queued or
// claimed, which keeps each pair in sequence order.
type GormJobQueue struct {
	db *gorm.DB
}

// NewGormJobQueue creates a new GormJobQueue
func NewGormJobQueue(db *gorm.DB) *GormJobQueue {
	return &GormJobQueue{db: db}
}

// Enqueue assigns the next connection sequence and stores the job
func (q *GormJobQueue) Enqueue(ctx context.Context, job *integration.SyncJob) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ConnectionModel{}).
			Where("id = ?", job.ConnectionID).
			UpdateColumn("job_sequence", gorm.Expr("job_sequence + 1"))
		if res.Error != nil {
			return fmt.Errorf("failed to allocate job sequence: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return integration.ErrConnectionNotFound
		}

		var seq int64
		if err := tx.Model(&models.ConnectionModel{}).
			Where("id = ?", job.ConnectionID).
			Pluck("job_sequence", &seq).Error; err != nil {
			return fmt.Errorf("failed to read job sequence: %w", err)
		}

		job.Sequence = seq
		job.Status = integration.JobStatusQueued
		if job.AvailableAt.IsZero() {
			job.AvailableAt = time.Now()
		}

		var model models.SyncJobModel
		model.FromDomain(job)
		return tx.Create(&model).Error
	})
}

// Dequeue claims the next runnable job
func (q *GormJobQueue) Dequeue(ctx context.Context, now time.Time) (*integration.SyncJob, error) {
	db := q.db.WithContext(ctx)

	var candidates []models.SyncJobModel
	err := db.
		Where("status = ? AND available_at <= ?", integration.JobStatusQueued, now.UTC()).
		Where(`NOT EXISTS (
			SELECT 1 FROM sync_jobs AS prior
			WHERE prior.connection_id = sync_jobs.connection_id
			AND prior.operation = sync_jobs.operation
			AND prior.status IN ?
			AND prior.sequence < sync_jobs.sequence)`,
			[]integration.JobStatus{integration.JobStatusQueued, integration.JobStatusClaimed}).
		Order("available_at ASC, sequence ASC").
		Limit(dequeueBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	for i := range candidates {
		claimedAt := now.UTC()
		res := db.Model(&models.SyncJobModel{}).
			Where("id = ? AND status = ?", candidates[i].ID, integration.JobStatusQueued).
			Updates(map[string]any{
				"status":     integration.JobStatusClaimed,
				"claimed_at": claimedAt,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Claimed by a concurrent worker
			continue
		}
		job := candidates[i].ToDomain()
		job.Status = integration.JobStatusClaimed
		job.ClaimedAt = &claimedAt
		return job, nil
	}
	return nil, integration.ErrQueueEmpty
}

// Requeue returns a claimed job to the queue, available again at availableAt
func (q *GormJobQueue) Requeue(ctx context.Context, jobID uuid.UUID, availableAt time.Time) error {
	return q.transition(ctx, jobID, integration.JobStatusClaimed, map[string]any{
		"status":       integration.JobStatusQueued,
		"available_at": availableAt.UTC(),
		"claimed_at":   nil,
	})
}

// Complete marks a claimed job done without a ledger entry
func (q *GormJobQueue) Complete(ctx context.Context, jobID uuid.UUID) error {
	return q.transition(ctx, jobID, integration.JobStatusClaimed, map[string]any{
		"status": integration.JobStatusDone,
	})
}

// Skip marks a claimed job whose sequence was already applied
func (q *GormJobQueue) Skip(ctx context.Context, jobID uuid.UUID) error {
	return q.transition(ctx, jobID, integration.JobStatusClaimed, map[string]any{
		"status": integration.JobStatusSkipped,
	})
}

// Withdraw marks a queued job skipped before any worker claims it
func (q *GormJobQueue) Withdraw(ctx context.Context, jobID uuid.UUID) error {
	return q.transition(ctx, jobID, integration.JobStatusQueued, map[string]any{
		"status": integration.JobStatusSkipped,
	})
}

func (q *GormJobQueue) transition(ctx context.Context, jobID uuid.UUID, from integration.JobStatus, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	res := q.db.WithContext(ctx).Model(&models.SyncJobModel{}).
		Where("id = ? AND status = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return integration.ErrJobNotFound
	}
	return nil
}

// RecoverStale returns jobs claimed before olderThan to the queue
func (q *GormJobQueue) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res := q.db.WithContext(ctx).Model(&models.SyncJobModel{}).
		Where("status = ? AND claimed_at < ?", integration.JobStatusClaimed, olderThan.UTC()).
		Updates(map[string]any{
			"status":     integration.JobStatusQueued,
			"claimed_at": nil,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// FindByID finds a job by its ID
func (q *GormJobQueue) FindByID(ctx context.Context, jobID uuid.UUID) (*integration.SyncJob, error) {
	var model models.SyncJobModel
	if err := q.db.WithContext(ctx).First(&model, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrJobNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// Pending counts queued and claimed jobs of a connection (for monitoring)
func (q *GormJobQueue) Pending(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.SyncJobModel{}).
		Where("connection_id = ? AND status IN ?", connectionID,
			[]integration.JobStatus{integration.JobStatusQueued, integration.JobStatusClaimed}).
		Count(&n).Error
	return n, err
}

var _ integration.JobQueue = (*GormJobQueue)(nil)
