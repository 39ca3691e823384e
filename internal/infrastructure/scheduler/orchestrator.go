package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
)

// ---------------------------------------------------------------------------
// OrchestratorConfig
// ---------------------------------------------------------------------------

// OrchestratorConfig holds configuration for the sync orchestrator
type OrchestratorConfig struct {
	// MaxConcurrentJobs is the number of jobs of different pairs running at once
	MaxConcurrentJobs int
	// JobTimeout is the maximum time a run can take
	JobTimeout time.Duration
	// LeaseTTL is the expiry of the exclusive pair lease; it is refreshed while the run lasts
	LeaseTTL time.Duration
	// RequeueDelay is how long a job whose pair is leased waits before it is offered again
	RequeueDelay time.Duration
	// PollInterval is how often idle workers look at the queue without being woken
	PollInterval time.Duration
	// StaleClaimAfter returns jobs claimed longer ago than this to the queue on start
	StaleClaimAfter time.Duration
	// RetryFailedRecords enqueues a follow-up job for retryable record failures
	RetryFailedRecords bool
	// MaxRecordRetries bounds the follow-up chain of one job
	MaxRecordRetries int
}

// DefaultOrchestratorConfig returns default configuration
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrentJobs: 4,
		JobTimeout:        30 * time.Minute,
		LeaseTTL:          10 * time.Minute,
		RequeueDelay:      2 * time.Second,
		PollInterval:      time.Second,
		StaleClaimAfter:   40 * time.Minute,
		MaxRecordRetries:  1,
	}
}

// OrchestratorConfigFrom maps the sync settings onto orchestrator and executor configuration
func OrchestratorConfigFrom(cfg config.SyncConfig) (OrchestratorConfig, ExecutorConfig) {
	oc := DefaultOrchestratorConfig()
	if cfg.MaxConcurrentJobs > 0 {
		oc.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	}
	if cfg.JobTimeout > 0 {
		oc.JobTimeout = cfg.JobTimeout
	}
	if cfg.LeaseTTL > 0 {
		oc.LeaseTTL = cfg.LeaseTTL
	}
	if cfg.RequeueDelay > 0 {
		oc.RequeueDelay = cfg.RequeueDelay
	}
	if cfg.PollInterval > 0 {
		oc.PollInterval = cfg.PollInterval
	}
	if cfg.StaleClaimAfter > 0 {
		oc.StaleClaimAfter = cfg.StaleClaimAfter
	} else {
		oc.StaleClaimAfter = oc.JobTimeout + oc.LeaseTTL
	}
	oc.RetryFailedRecords = cfg.RetryFailedRecords
	if cfg.MaxRecordRetries >= 0 {
		oc.MaxRecordRetries = cfg.MaxRecordRetries
	}

	ec := DefaultExecutorConfig()
	if cfg.WorkerCount > 0 {
		ec.WorkerCount = cfg.WorkerCount
	}
	return oc, ec
}

// Validate validates the configuration
func (c *OrchestratorConfig) Validate() error {
	if c.MaxConcurrentJobs <= 0 {
		return ErrInvalidConfig
	}
	if c.JobTimeout <= 0 || c.LeaseTTL <= 0 || c.PollInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.RequeueDelay < 0 || c.StaleClaimAfter < 0 || c.MaxRecordRetries < 0 {
		return ErrInvalidConfig
	}
	// A claim younger than the job timeout may still be running
	if c.StaleClaimAfter > 0 && c.StaleClaimAfter <= c.JobTimeout {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// RunObserver receives finished runs and the number of executing jobs
type RunObserver interface {
	ObserveRun(ctx context.Context, kind integration.ConnectorKind, run *integration.SyncRun)
	RecordActiveJobs(ctx context.Context, n int)
}

// ConnectionReleaser drops per-connection runtime state such as rate limiters
type ConnectionReleaser interface {
	Release(connectionID uuid.UUID)
}

// OrchestratorDeps groups the orchestrator's collaborators
type OrchestratorDeps struct {
	Queue       integration.JobQueue
	Ledger      integration.SyncLedger
	Checkpoints integration.CheckpointRepository
	RunLock     integration.RunLock
	Dedup       integration.DedupCache
	Executor    *Executor
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithRunObserver reports finished runs to observer
func WithRunObserver(observer RunObserver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithConnectionReleaser releases connector state of torn-down connections
func WithConnectionReleaser(releaser ConnectionReleaser) OrchestratorOption {
	return func(o *Orchestrator) {
		o.releaser = releaser
	}
}

// ---------------------------------------------------------------------------
// Orchestrator
// ---------------------------------------------------------------------------

// Orchestrator claims queued jobs and runs them. At most one run per
// (connection, operation) pair is active at a time, guarded by a lease on the
// pair key; jobs of different pairs run concurrently on the worker pool.
type Orchestrator struct {
	config      OrchestratorConfig
	queue       integration.JobQueue
	ledger      integration.SyncLedger
	checkpoints integration.CheckpointRepository
	lock        integration.RunLock
	dedup       integration.DedupCache
	executor    *Executor
	observer    RunObserver
	releaser    ConnectionReleaser
	logger      *zap.Logger

	wake      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	runsMu  sync.Mutex
	running map[uuid.UUID]*execution
	// finished holds the last finished state per pair key
	finished map[string]integration.PairState
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(config OrchestratorConfig, deps OrchestratorDeps, logger *zap.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Queue == nil || deps.Ledger == nil || deps.Checkpoints == nil || deps.RunLock == nil || deps.Executor == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:      config,
		queue:       deps.Queue,
		ledger:      deps.Ledger,
		checkpoints: deps.Checkpoints,
		lock:        deps.RunLock,
		dedup:       deps.Dedup,
		executor:    deps.Executor,
		logger:      logger,
		wake:        make(chan struct{}, 1),
		running:     make(map[uuid.UUID]*execution),
		finished:    make(map[string]integration.PairState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start returns stale claims to the queue and starts the workers
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return nil
	}
	o.isRunning = true
	o.mu.Unlock()

	if o.config.StaleClaimAfter > 0 {
		recovered, err := o.queue.RecoverStale(ctx, time.Now().Add(-o.config.StaleClaimAfter))
		if err != nil {
			o.logger.Error("Failed to recover stale sync jobs", zap.Error(err))
		} else if recovered > 0 {
			o.logger.Info("Recovered stale sync jobs", zap.Int64("count", recovered))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.config.MaxConcurrentJobs; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}

	o.logger.Info("Sync orchestrator started",
		zap.Int("workers", o.config.MaxConcurrentJobs),
		zap.Duration("job_timeout", o.config.JobTimeout),
		zap.Duration("lease_ttl", o.config.LeaseTTL),
	)
	return nil
}

// Stop stops the workers. Runs interrupted by the stop are not recorded;
// their jobs go back to the queue.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return nil
	}
	o.isRunning = false
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Sync orchestrator stopped gracefully")
		return nil
	case <-ctx.Done():
		o.logger.Warn("Sync orchestrator stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the workers are started
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunning
}

// Notify wakes an idle worker. It never blocks.
func (o *Orchestrator) Notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Cancel asks a running job to stop starting new records. Records already
// started finish and the run is recorded as cancelled.
func (o *Orchestrator) Cancel(jobID uuid.UUID) bool {
	o.runsMu.Lock()
	run, ok := o.running[jobID]
	o.runsMu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	o.logger.Info("Sync job cancellation requested", zap.String("job_id", jobID.String()))
	return true
}

// CancelConnection cancels every running job of a connection
func (o *Orchestrator) CancelConnection(connectionID uuid.UUID) int {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	n := 0
	for _, run := range o.running {
		if run.job.ConnectionID == connectionID {
			run.cancel()
			n++
		}
	}
	return n
}

// Teardown cancels a connection's running jobs and drops its runtime state:
// pair states, connector limiters and the webhook dedup scope.
func (o *Orchestrator) Teardown(ctx context.Context, connectionID uuid.UUID) error {
	cancelled := o.CancelConnection(connectionID)

	o.runsMu.Lock()
	for key, state := range o.finished {
		if state.ConnectionID == connectionID {
			delete(o.finished, key)
		}
	}
	o.runsMu.Unlock()

	if o.releaser != nil {
		o.releaser.Release(connectionID)
	}

	var err error
	if o.dedup != nil {
		err = o.dedup.Forget(ctx, connectionID)
	}

	o.logger.Info("Connection runtime torn down",
		zap.String("connection_id", connectionID.String()),
		zap.Int("cancelled_jobs", cancelled),
	)
	return err
}

// PairStates returns the live state of every pair of a connection this
// orchestrator has run. Running jobs take precedence over finished ones.
func (o *Orchestrator) PairStates(connectionID uuid.UUID) []integration.PairState {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	byOp := make(map[integration.Operation]integration.PairState)
	for _, state := range o.finished {
		if state.ConnectionID == connectionID {
			byOp[state.Operation] = state
		}
	}
	for _, run := range o.running {
		if run.job.ConnectionID == connectionID {
			byOp[run.job.Operation] = run.state()
		}
	}

	states := make([]integration.PairState, 0, len(byOp))
	for _, op := range integration.AllOperations() {
		if state, ok := byOp[op]; ok {
			states = append(states, state)
		}
	}
	return states
}

// Busy reports whether a job of the pair is running here
func (o *Orchestrator) Busy(connectionID uuid.UUID, op integration.Operation) bool {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	for _, run := range o.running {
		if run.job.ConnectionID == connectionID && run.job.Operation == op {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

// worker claims and runs jobs until ctx ends
func (o *Orchestrator) worker(ctx context.Context, workerID int) {
	defer o.wg.Done()

	o.logger.Debug("Sync worker started", zap.Int("worker_id", workerID))

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			o.logger.Debug("Sync worker stopping", zap.Int("worker_id", workerID))
			return
		}

		job, err := o.queue.Dequeue(ctx, time.Now())
		switch {
		case err == nil:
			o.processJob(ctx, job, workerID)
			continue
		case errors.Is(err, integration.ErrQueueEmpty):
		case ctx.Err() != nil:
			return
		default:
			o.logger.Error("Failed to dequeue sync job", zap.Int("worker_id", workerID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			o.logger.Debug("Sync worker stopping", zap.Int("worker_id", workerID))
			return
		case <-o.wake:
		case <-ticker.C:
		}
	}
}

// processJob runs one claimed job under the pair lease and records its run
func (o *Orchestrator) processJob(ctx context.Context, job *integration.SyncJob, workerID int) {
	ctx, log := logger.WithJobID(ctx, o.logger, job.ID.String())
	ctx, log = logger.WithConnectionID(ctx, log, job.ConnectionID.String())
	log = log.With(
		zap.Int("worker_id", workerID),
		zap.String("tenant_id", job.TenantID.String()),
		zap.String("operation", string(job.Operation)),
		zap.Int64("sequence", job.Sequence),
	)
	// bookkeeping writes must land even when ctx ends mid-run
	bg := context.WithoutCancel(ctx)

	token, err := o.lock.TryAcquire(ctx, job.PairKey(), o.config.LeaseTTL)
	if errors.Is(err, integration.ErrLeaseHeld) {
		log.Debug("Pair is busy, requeueing sync job")
		o.requeue(bg, job, time.Now().Add(o.config.RequeueDelay), log)
		return
	}
	if err != nil {
		log.Error("Failed to acquire pair lease", zap.Error(err))
		o.requeue(bg, job, time.Now().Add(o.config.RequeueDelay), log)
		return
	}
	defer func() {
		if err := o.lock.Release(bg, job.PairKey(), token); err != nil && !errors.Is(err, integration.ErrLeaseNotOwned) {
			log.Warn("Failed to release pair lease", zap.Error(err))
		}
	}()

	// Read under the lease: a previous holder records its run before releasing
	checkpoint, err := o.checkpoints.Get(ctx, job.ConnectionID, job.Operation)
	if err != nil {
		log.Error("Failed to load pair checkpoint", zap.Error(err))
		o.requeue(bg, job, time.Now().Add(o.config.RequeueDelay), log)
		return
	}
	if checkpoint.Applied(job.Sequence) {
		log.Info("Sync job already applied, skipping", zap.Int64("last_sequence", checkpoint.LastSequence))
		o.skip(bg, job, log)
		return
	}

	run := newExecution(job, checkpoint)
	if err := o.executor.prepare(ctx, run); err != nil {
		if errors.Is(err, integration.ErrConnectionNotFound) {
			log.Warn("Connection of sync job no longer exists, skipping")
			o.skip(bg, job, log)
			return
		}
		// Execute records the failure on the run
		log.Warn("Sync run could not be prepared", zap.Error(err))
	}
	if run.conn != nil && !run.conn.IsActive {
		log.Info("Connection is inactive, skipping sync job")
		o.skip(bg, job, log)
		return
	}

	o.track(run)
	defer o.untrack(run)

	jobCtx, cancel := context.WithTimeout(ctx, o.config.JobTimeout)
	defer cancel()

	spanCtx, span := telemetry.StartSpan(jobCtx, "sync.run",
		telemetry.WithSpanKind(trace.SpanKindInternal),
		telemetry.WithAttribute(telemetry.SpanAttrTenantID, job.TenantID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrConnectionID, job.ConnectionID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrJobID, job.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrOperation, string(job.Operation)),
		telemetry.WithAttribute(telemetry.SpanAttrTrigger, string(job.Trigger)),
		telemetry.WithAttribute(telemetry.SpanAttrSequence, job.Sequence),
	)
	defer span.End()

	log.Info("Processing sync job", zap.String("trigger", string(job.Trigger)), zap.Int("scope", len(job.Scope)))

	stopLease := o.keepLease(jobCtx, job.PairKey(), token, log)
	o.executor.Execute(spanCtx, run)
	stopLease()

	if ctx.Err() != nil && !run.cancelled() {
		log.Warn("Sync run interrupted by shutdown, requeueing job")
		telemetry.AddEvent(span, "interrupted")
		o.requeue(bg, job, time.Now(), log)
		return
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		run.abort(ErrRunTimedOut)
	}

	result := run.acc.Finalize(run.cancelled())
	telemetry.SetAttributes(span,
		telemetry.SpanAttrRunStatus, string(result.Status),
		telemetry.SpanAttrRecords, result.RecordsProcessed,
	)

	if err := o.ledger.RecordRun(bg, result, run.finalCheckpoint()); err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, integration.ErrRunAlreadyRecorded) {
			log.Warn("Run of sync job was already recorded", zap.Error(err))
			o.complete(bg, job, log)
			return
		}
		log.Error("Failed to record sync run, requeueing job", zap.Error(err))
		o.requeue(bg, job, time.Now().Add(o.config.RequeueDelay), log)
		return
	}
	telemetry.SetOK(span)

	o.remember(run, result)
	if o.observer != nil && run.conn != nil {
		o.observer.ObserveRun(bg, run.conn.Kind, result)
	}

	log.Info("Sync run finished",
		zap.String("run_id", result.ID.String()),
		zap.String("status", string(result.Status)),
		zap.Bool("cancelled", result.Cancelled),
		zap.Int("records", result.RecordsProcessed),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failed_count", result.FailedCount),
		zap.Duration("duration", result.Duration()),
	)

	o.followUp(bg, job, result, log)
}

// keepLease refreshes the pair lease until the returned stop func is called
func (o *Orchestrator) keepLease(ctx context.Context, key, token string, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	interval := o.config.LeaseTTL / 3
	if interval <= 0 {
		interval = o.config.LeaseTTL
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.lock.Refresh(ctx, key, token, o.config.LeaseTTL); err != nil && ctx.Err() == nil {
					log.Warn("Failed to refresh pair lease", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// followUp enqueues a retry job for the retryable failures of a partial run
func (o *Orchestrator) followUp(ctx context.Context, job *integration.SyncJob, run *integration.SyncRun, log *zap.Logger) {
	if !o.config.RetryFailedRecords || run.Cancelled || run.Status != integration.RunStatusPartial {
		return
	}
	if job.Attempt >= o.config.MaxRecordRetries {
		return
	}
	ids := retryableExternalIDs(run.Failures)
	if len(ids) == 0 {
		return
	}

	next := job.FollowUp(ids)
	if err := o.queue.Enqueue(ctx, next); err != nil {
		log.Error("Failed to enqueue follow-up sync job", zap.Error(err))
		return
	}
	log.Info("Follow-up sync job enqueued",
		zap.String("follow_up_job_id", next.ID.String()),
		zap.Int("attempt", next.Attempt),
		zap.Int("records", len(ids)),
	)
	o.Notify()
}

// retryableExternalIDs returns the external IDs of failures another attempt may fix
func retryableExternalIDs(failures []integration.RecordFailure) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, f := range failures {
		switch f.Kind {
		case integration.FailureKindRateLimited, integration.FailureKindTransient, integration.FailureKindInternal:
		default:
			continue
		}
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

func (o *Orchestrator) requeue(ctx context.Context, job *integration.SyncJob, at time.Time, log *zap.Logger) {
	if err := o.queue.Requeue(ctx, job.ID, at); err != nil {
		log.Error("Failed to requeue sync job", zap.Error(err))
	}
}

// complete closes a claimed job. A job the ledger already closed is fine.
func (o *Orchestrator) complete(ctx context.Context, job *integration.SyncJob, log *zap.Logger) {
	if err := o.queue.Complete(ctx, job.ID); err != nil && !errors.Is(err, integration.ErrJobNotFound) {
		log.Error("Failed to complete sync job", zap.Error(err))
	}
}

func (o *Orchestrator) skip(ctx context.Context, job *integration.SyncJob, log *zap.Logger) {
	if err := o.queue.Skip(ctx, job.ID); err != nil {
		log.Error("Failed to skip sync job", zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Runtime state
// ---------------------------------------------------------------------------

func (o *Orchestrator) track(run *execution) {
	o.runsMu.Lock()
	o.running[run.job.ID] = run
	n := len(o.running)
	o.runsMu.Unlock()
	o.reportActive(n)
}

func (o *Orchestrator) untrack(run *execution) {
	o.runsMu.Lock()
	delete(o.running, run.job.ID)
	n := len(o.running)
	o.runsMu.Unlock()
	o.reportActive(n)
}

func (o *Orchestrator) reportActive(n int) {
	if o.observer != nil {
		o.observer.RecordActiveJobs(context.Background(), n)
	}
}

// remember stores the finished state of the run's pair
func (o *Orchestrator) remember(run *execution, result *integration.SyncRun) {
	started, finished := result.StartedAt, result.FinishedAt
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	o.finished[run.job.PairKey()] = integration.PairState{
		ConnectionID: run.job.ConnectionID,
		Operation:    run.job.Operation,
		Status:       integration.PairStatusOf(result.Status),
		JobID:        run.job.ID,
		RunID:        result.ID,
		Sequence:     run.job.Sequence,
		StartedAt:    &started,
		FinishedAt:   &finished,
	}
}
