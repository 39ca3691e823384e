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
	"gorm.io/gorm/clause"
)

const ledgerInsertBatch = 200

// GormSyncLedger is the append-only ledger of finalized runs. It also owns the
// pair checkpoints, because a checkpoint only moves together with a run.
type GormSyncLedger struct {
	db *gorm.DB
}

// NewGormSyncLedger creates a new GormSyncLedger
func NewGormSyncLedger(db *gorm.DB) *GormSyncLedger {
	return &GormSyncLedger{db: db}
}

// ---------------------------------------------------------------------------
// Write side
// ---------------------------------------------------------------------------

// RecordRun stores a finalized run with its failures and logs, advances the
// pair checkpoint and marks the job done, all in one transaction.
func (l *GormSyncLedger) RecordRun(ctx context.Context, run *integration.SyncRun, checkpoint integration.SyncCheckpoint) error {
	if !run.Status.IsValid() {
		return integration.ErrRunNotFinalized
	}

	var model models.SyncRunModel
	model.FromDomain(run)
	failures, logs := model.Failures, model.Logs
	model.Failures, model.Logs = nil, nil

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.SyncRunModel{}).Where("job_id = ?", run.JobID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return integration.ErrRunAlreadyRecorded
		}

		if err := tx.Omit(clause.Associations).Create(&model).Error; err != nil {
			return fmt.Errorf("failed to insert sync run: %w", err)
		}
		if len(failures) > 0 {
			if err := tx.CreateInBatches(failures, ledgerInsertBatch).Error; err != nil {
				return fmt.Errorf("failed to insert run failures: %w", err)
			}
		}
		if len(logs) > 0 {
			if err := tx.CreateInBatches(logs, ledgerInsertBatch).Error; err != nil {
				return fmt.Errorf("failed to insert run logs: %w", err)
			}
		}

		if err := advanceCheckpoint(tx, checkpoint); err != nil {
			return err
		}

		return tx.Model(&models.SyncJobModel{}).
			Where("id = ?", run.JobID).
			Updates(map[string]any{"status": integration.JobStatusDone, "updated_at": time.Now()}).Error
	})
}

// advanceCheckpoint moves the pair checkpoint forward, never backward
func advanceCheckpoint(tx *gorm.DB, cp integration.SyncCheckpoint) error {
	now := time.Now()
	res := tx.Model(&models.SyncCheckpointModel{}).
		Where("connection_id = ? AND operation = ? AND last_sequence < ?", cp.ConnectionID, cp.Operation, cp.LastSequence).
		Updates(map[string]any{
			"last_sequence": cp.LastSequence,
			"resume_cursor": cp.ResumeCursor,
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SyncCheckpointModel{
		ConnectionID: cp.ConnectionID,
		Operation:    cp.Operation,
		LastSequence: cp.LastSequence,
		ResumeCursor: cp.ResumeCursor,
		UpdatedAt:    now,
	}).Error
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// Get returns the checkpoint of a pair, or nil when nothing was applied yet
func (l *GormSyncLedger) Get(ctx context.Context, connectionID uuid.UUID, op integration.Operation) (*integration.SyncCheckpoint, error) {
	var model models.SyncCheckpointModel
	err := l.db.WithContext(ctx).First(&model, "connection_id = ? AND operation = ?", connectionID, op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

// SaveCursor stores the resume cursor of an in-flight listing without moving
// the applied sequence
func (l *GormSyncLedger) SaveCursor(ctx context.Context, connectionID uuid.UUID, op integration.Operation, cursor string) error {
	now := time.Now()
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "operation"}},
		DoUpdates: clause.AssignmentColumns([]string{"resume_cursor", "updated_at"}),
	}).Create(&models.SyncCheckpointModel{
		ConnectionID: connectionID,
		Operation:    op,
		ResumeCursor: cursor,
		UpdatedAt:    now,
	}).Error
}

// ---------------------------------------------------------------------------
// Read side
// ---------------------------------------------------------------------------

// ListRuns returns runs matching the filter, newest first, with the total count
func (l *GormSyncLedger) ListRuns(ctx context.Context, filter integration.SyncRunFilter) ([]integration.SyncRun, int64, error) {
	filter.Normalize()

	query := l.db.WithContext(ctx).Model(&models.SyncRunModel{}).Where("tenant_id = ?", filter.TenantID)
	if filter.ConnectionID != nil {
		query = query.Where("connection_id = ?", *filter.ConnectionID)
	}
	if filter.Operation != nil {
		query = query.Where("operation = ?", *filter.Operation)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.From != nil {
		query = query.Where("started_at >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("started_at <= ?", filter.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.SyncRunModel
	if err := query.
		Order("started_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	runs := make([]integration.SyncRun, len(rows))
	for i := range rows {
		runs[i] = *rows[i].ToDomain()
	}
	return runs, total, nil
}

// GetRun loads one run of a tenant with its failures and logs
func (l *GormSyncLedger) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*integration.SyncRun, error) {
	var model models.SyncRunModel
	err := l.db.WithContext(ctx).
		Preload("Failures").
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		First(&model, "id = ? AND tenant_id = ?", runID, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrRunNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// LatestRun returns the most recent run of a pair
func (l *GormSyncLedger) LatestRun(ctx context.Context, connectionID uuid.UUID, op integration.Operation) (*integration.SyncRun, error) {
	var model models.SyncRunModel
	err := l.db.WithContext(ctx).
		Where("connection_id = ? AND operation = ?", connectionID, op).
		Order("sequence DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrRunNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

var (
	_ integration.SyncLedger           = (*GormSyncLedger)(nil)
	_ integration.SyncLedgerReader     = (*GormSyncLedger)(nil)
	_ integration.CheckpointRepository = (*GormSyncLedger)(nil)
)
