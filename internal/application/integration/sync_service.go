package integration

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
)

// RunController is the runtime that executes queued jobs
type RunController interface {
	JobNotifier
	// PairStates returns the live state of every pair of a connection it has seen
	PairStates(connectionID uuid.UUID) []integration.PairState
	// Cancel asks a running job to stop. Returns false when the job is not running here.
	Cancel(jobID uuid.UUID) bool
	// Teardown cancels a connection's running jobs and drops its runtime state
	Teardown(ctx context.Context, connectionID uuid.UUID) error
}

// SyncService is the UI-facing surface of the sync engine. Triggering only
// enqueues; execution happens on the orchestrator's workers.
type SyncService struct {
	connections integration.ConnectionRepository
	queue       integration.JobQueue
	ledger      integration.SyncLedgerReader
	mappings    integration.ProductMappingReader
	matcher     *Matcher
	runtime     RunController
	logger      *zap.Logger
}

// NewSyncService creates a sync service
func NewSyncService(
	connections integration.ConnectionRepository,
	queue integration.JobQueue,
	ledger integration.SyncLedgerReader,
	mappings integration.ProductMappingReader,
	matcher *Matcher,
	runtime RunController,
	logger *zap.Logger,
) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		connections: connections,
		queue:       queue,
		ledger:      ledger,
		mappings:    mappings,
		matcher:     matcher,
		runtime:     runtime,
		logger:      logger,
	}
}

// TriggerSync enqueues a manual job for a connection
func (s *SyncService) TriggerSync(ctx context.Context, tenantID, connectionID uuid.UUID, op integration.Operation) (*TriggerSyncResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	job, err := integration.NewSyncJob(conn, op, integration.TriggerManual)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, job)
}

// RecordCompensation enqueues a corrective run for the pair of an earlier run.
// The earlier ledger entry stays as it is.
func (s *SyncService) RecordCompensation(ctx context.Context, tenantID, runID uuid.UUID) (*TriggerSyncResponse, error) {
	run, err := s.ledger.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	failed := run.FailedExternalIDs()
	if len(failed) == 0 {
		return nil, integration.ErrRunHasNoFailures
	}
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, run.ConnectionID)
	if err != nil {
		return nil, err
	}
	job, err := integration.NewSyncJob(conn, run.Operation, integration.TriggerManual)
	if err != nil {
		return nil, err
	}
	job.WithScope(failed)

	resp, err := s.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Compensating sync queued",
		zap.String("run_id", run.ID.String()),
		zap.String("job_id", resp.JobID.String()),
	)
	return resp, nil
}

func (s *SyncService) enqueue(ctx context.Context, job *integration.SyncJob) (*TriggerSyncResponse, error) {
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}
	if s.runtime != nil {
		s.runtime.Notify()
	}
	s.logger.Info("Sync job queued",
		zap.String("connection_id", job.ConnectionID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("operation", string(job.Operation)),
		zap.String("trigger", string(job.Trigger)),
		zap.Int64("sequence", job.Sequence),
	)
	return &TriggerSyncResponse{JobID: job.ID, Operation: job.Operation, Sequence: job.Sequence}, nil
}

// CancelJob withdraws a queued job or stops a running one
func (s *SyncService) CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) error {
	job, err := s.queue.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TenantID != tenantID {
		return integration.ErrJobNotFound
	}

	switch job.Status {
	case integration.JobStatusQueued:
		if err := s.queue.Withdraw(ctx, jobID); err == nil {
			s.logger.Info("Queued sync job withdrawn", zap.String("job_id", jobID.String()))
			return nil
		} else if !errors.Is(err, integration.ErrJobNotFound) {
			return err
		}
		// Claimed in the meantime: fall through to the running case.
	case integration.JobStatusDone, integration.JobStatusSkipped:
		return integration.ErrJobFinished
	}

	if s.runtime != nil && s.runtime.Cancel(jobID) {
		s.logger.Info("Running sync job cancelled", zap.String("job_id", jobID.String()))
		return nil
	}
	return integration.ErrJobFinished
}

// ListConnections returns the connections of a tenant
func (s *SyncService) ListConnections(ctx context.Context, tenantID uuid.UUID, filter integration.ConnectionFilter) ([]ConnectionResponse, error) {
	conns, err := s.connections.FindAllForTenant(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionResponse, 0, len(conns))
	for i := range conns {
		out = append(out, ToConnectionResponse(&conns[i]))
	}
	return out, nil
}

// GetConnection returns a connection with the state of each of its pairs.
// Pairs the runtime has not seen since start fall back to the ledger.
func (s *SyncService) GetConnection(ctx context.Context, tenantID, connectionID uuid.UUID) (*ConnectionDetailResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}

	live := make(map[integration.Operation]integration.PairState)
	if s.runtime != nil {
		for _, st := range s.runtime.PairStates(conn.ID) {
			live[st.Operation] = st
		}
	}

	resp := &ConnectionDetailResponse{ConnectionResponse: ToConnectionResponse(conn)}
	for _, op := range integration.AllOperations() {
		if st, ok := live[op]; ok {
			resp.Pairs = append(resp.Pairs, ToPairStateResponse(st))
			continue
		}
		st := integration.PairState{ConnectionID: conn.ID, Operation: op, Status: integration.PairStatusIdle}
		run, err := s.ledger.LatestRun(ctx, conn.ID, op)
		switch {
		case err == nil:
			started, finished := run.StartedAt, run.FinishedAt
			st.Status = integration.PairStatusOf(run.Status)
			st.JobID, st.RunID, st.Sequence = run.JobID, run.ID, run.Sequence
			st.StartedAt, st.FinishedAt = &started, &finished
		case !errors.Is(err, integration.ErrRunNotFound):
			return nil, err
		}
		resp.Pairs = append(resp.Pairs, ToPairStateResponse(st))
	}
	return resp, nil
}

// ListRuns queries the ledger of a tenant
func (s *SyncService) ListRuns(ctx context.Context, tenantID uuid.UUID, q ListRunsQuery) ([]SyncRunListResponse, int64, error) {
	filter := integration.SyncRunFilter{
		TenantID:     tenantID,
		ConnectionID: q.ConnectionID,
		Operation:    q.Operation,
		Status:       q.Status,
		From:         q.From,
		To:           q.To,
		Page:         q.Page,
		PageSize:     q.PageSize,
	}
	filter.Normalize()

	runs, total, err := s.ledger.ListRuns(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]SyncRunListResponse, 0, len(runs))
	for i := range runs {
		out = append(out, ToSyncRunListResponse(&runs[i]))
	}
	return out, total, nil
}

// GetRun returns one run with its failures and logs
func (s *SyncService) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*SyncRunResponse, error) {
	run, err := s.ledger.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	resp := ToSyncRunResponse(run)
	return &resp, nil
}

// ListMappings returns the product mappings of a connection
func (s *SyncService) ListMappings(ctx context.Context, tenantID, connectionID uuid.UUID, filter integration.ProductMappingFilter) ([]ProductMappingResponse, int64, error) {
	if _, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID); err != nil {
		return nil, 0, err
	}
	filter.Normalize()
	mappings, total, err := s.mappings.FindByConnection(ctx, connectionID, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]ProductMappingResponse, 0, len(mappings))
	for i := range mappings {
		out = append(out, ToProductMappingResponse(&mappings[i]))
	}
	return out, total, nil
}

// ResolveMapping records a manual mapping decision
func (s *SyncService) ResolveMapping(ctx context.Context, tenantID, connectionID uuid.UUID, externalID string, productID uuid.UUID) (*ProductMappingResponse, error) {
	conn, err := s.connections.FindByIDForTenant(ctx, tenantID, connectionID)
	if err != nil {
		return nil, err
	}
	mapping, err := s.matcher.ResolveManually(ctx, conn, externalID, productID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Mapping resolved manually",
		zap.String("connection_id", conn.ID.String()),
		zap.String("external_id", externalID),
		zap.String("product_id", productID.String()),
	)
	resp := ToProductMappingResponse(mapping)
	return &resp, nil
}
