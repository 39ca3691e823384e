package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/config"
)

// PairActivity reports whether a pair already has a job running
type PairActivity interface {
	Busy(connectionID uuid.UUID, op integration.Operation) bool
}

// HealthChecker checks every active connection
type HealthChecker interface {
	CheckAll(ctx context.Context) error
}

// JobNotifier is woken after jobs are enqueued
type JobNotifier interface {
	Notify()
}

// CronTriggerConfig holds configuration for the cron trigger
type CronTriggerConfig struct {
	// Schedules maps an operation to a standard five-field cron spec
	Schedules map[integration.Operation]string
	// HealthCheckSchedule is the cron spec of connection health checks; empty disables them
	HealthCheckSchedule string
	// Location is the time zone specs are evaluated in; nil means local time
	Location *time.Location
}

// CronTriggerConfigFrom maps the sync settings onto a cron trigger configuration.
// Empty specs disable their operation.
func CronTriggerConfigFrom(cfg config.SyncConfig) (CronTriggerConfig, error) {
	out := CronTriggerConfig{
		Schedules:           make(map[integration.Operation]string, len(cfg.Schedules)),
		HealthCheckSchedule: cfg.HealthCheckSchedule,
	}
	for name, spec := range cfg.Schedules {
		if spec == "" {
			continue
		}
		out.Schedules[integration.Operation(name)] = spec
	}
	if err := out.Validate(); err != nil {
		return CronTriggerConfig{}, err
	}
	return out, nil
}

// Validate checks every operation and cron spec
func (c *CronTriggerConfig) Validate() error {
	for op, spec := range c.Schedules {
		if !op.IsValid() {
			return fmt.Errorf("%w: unknown operation %q", ErrInvalidSchedule, op)
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, op, err)
		}
	}
	if c.HealthCheckSchedule != "" {
		if _, err := cron.ParseStandard(c.HealthCheckSchedule); err != nil {
			return fmt.Errorf("%w: health check: %v", ErrInvalidSchedule, err)
		}
	}
	return nil
}

// CronTriggerDeps groups the cron trigger's collaborators
type CronTriggerDeps struct {
	Connections integration.ConnectionRepository
	Queue       integration.JobQueue
	// Activity is optional; busy pairs are skipped when set
	Activity PairActivity
	// Notifier is optional
	Notifier JobNotifier
	// Health is optional
	Health HealthChecker
}

// CronTrigger enqueues scheduled jobs for every active connection and runs
// periodic health checks
type CronTrigger struct {
	config      CronTriggerConfig
	connections integration.ConnectionRepository
	queue       integration.JobQueue
	activity    PairActivity
	notifier    JobNotifier
	health      HealthChecker
	logger      *zap.Logger

	cron      *cron.Cron
	cancel    context.CancelFunc
	mu        sync.Mutex
	isRunning bool
}

// NewCronTrigger creates a new cron trigger
func NewCronTrigger(config CronTriggerConfig, deps CronTriggerDeps, logger *zap.Logger) (*CronTrigger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Connections == nil || deps.Queue == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronTrigger{
		config:      config,
		connections: deps.Connections,
		queue:       deps.Queue,
		activity:    deps.Activity,
		notifier:    deps.Notifier,
		health:      deps.Health,
		logger:      logger,
	}, nil
}

// Start registers the schedules and starts the cron runner
func (c *CronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isRunning {
		return nil
	}

	loc := c.config.Location
	if loc == nil {
		loc = time.Local
	}
	runner := cron.New(cron.WithLocation(loc))
	ctx, cancel := context.WithCancel(ctx)

	for _, op := range c.operations() {
		spec := c.config.Schedules[op]
		if _, err := runner.AddFunc(spec, func() { c.fire(ctx, op) }); err != nil {
			cancel()
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, op, err)
		}
		c.logger.Info("Sync schedule registered", zap.String("operation", string(op)), zap.String("spec", spec))
	}

	if c.health != nil && c.config.HealthCheckSchedule != "" {
		if _, err := runner.AddFunc(c.config.HealthCheckSchedule, func() { c.checkHealth(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("%w: health check: %v", ErrInvalidSchedule, err)
		}
	}

	runner.Start()
	c.cron = runner
	c.cancel = cancel
	c.isRunning = true

	c.logger.Info("Cron trigger started",
		zap.Int("schedules", len(c.config.Schedules)),
		zap.String("health_check_schedule", c.config.HealthCheckSchedule),
	)
	return nil
}

// Stop stops the cron runner and waits for firing entries to return
func (c *CronTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	runner, cancel := c.cron, c.cancel
	c.mu.Unlock()

	stopped := runner.Stop()
	cancel()

	select {
	case <-stopped.Done():
		c.logger.Info("Cron trigger stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("Cron trigger stop timed out")
		return ctx.Err()
	}
}

func (c *CronTrigger) operations() []integration.Operation {
	ops := make([]integration.Operation, 0, len(c.config.Schedules))
	for op := range c.config.Schedules {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func (c *CronTrigger) fire(ctx context.Context, op integration.Operation) {
	if _, err := c.EnqueueScheduled(ctx, op); err != nil {
		c.logger.Error("Scheduled sync failed to enqueue", zap.String("operation", string(op)), zap.Error(err))
	}
}

func (c *CronTrigger) checkHealth(ctx context.Context) {
	if err := c.health.CheckAll(ctx); err != nil {
		c.logger.Error("Scheduled health check failed", zap.Error(err))
	}
}

// EnqueueScheduled enqueues a scheduled job of op for every active connection
// whose pair is not running. Returns the number of jobs enqueued.
func (c *CronTrigger) EnqueueScheduled(ctx context.Context, op integration.Operation) (int, error) {
	if !op.IsValid() {
		return 0, integration.ErrInvalidOperation
	}
	conns, err := c.connections.FindActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active connections: %w", err)
	}

	enqueued, busy := 0, 0
	for i := range conns {
		conn := &conns[i]
		if c.activity != nil && c.activity.Busy(conn.ID, op) {
			busy++
			continue
		}
		job, err := integration.NewSyncJob(conn, op, integration.TriggerScheduled)
		if err != nil {
			c.logger.Warn("Scheduled sync job not created",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return enqueued, fmt.Errorf("enqueue scheduled job: %w", err)
		}
		enqueued++
	}

	if enqueued > 0 && c.notifier != nil {
		c.notifier.Notify()
	}
	c.logger.Info("Scheduled sync jobs enqueued",
		zap.String("operation", string(op)),
		zap.Int("enqueued", enqueued),
		zap.Int("busy", busy),
	)
	return enqueued, nil
}
