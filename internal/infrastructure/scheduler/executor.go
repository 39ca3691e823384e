package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appintegration "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// ProductMatcher resolves external products and stamps propagated mappings
type ProductMatcher interface {
	Match(ctx context.Context, conn *integration.Connection, product integration.ExternalProduct) (*appintegration.MatchResult, error)
	Touch(ctx context.Context, mapping *integration.ProductMapping, at time.Time) error
}

// CredentialSource returns the current credentials of a connection
type CredentialSource interface {
	Get(ctx context.Context, connectionID uuid.UUID) (integration.Credentials, error)
}

// ---------------------------------------------------------------------------
// ExecutorConfig
// ---------------------------------------------------------------------------

// ExecutorConfig holds record-level settings of one run
type ExecutorConfig struct {
	// WorkerCount bounds the records processed in parallel inside one job
	WorkerCount int
	// PushBatchSize is the number of items handed to one push call
	PushBatchSize int
}

// DefaultExecutorConfig returns default configuration
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		WorkerCount:   4,
		PushBatchSize: 50,
	}
}

// Validate validates the configuration
func (c *ExecutorConfig) Validate() error {
	if c.WorkerCount <= 0 || c.PushBatchSize <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// Executor runs the stages of one claimed job against its connector and feeds
// every record outcome into the run accumulator. It never stores the run;
// the orchestrator does that once the run is finalized.
type Executor struct {
	config      ExecutorConfig
	connections integration.ConnectionRepository
	credentials CredentialSource
	connectors  integration.ConnectorResolver
	matcher     ProductMatcher
	mappings    integration.ProductMappingReader
	catalog     integration.CatalogReader
	orders      integration.OrderSink
	checkpoints integration.CheckpointRepository
	validate    *validator.Validate
	logger      *zap.Logger
}

// ExecutorDeps groups the executor's collaborators
type ExecutorDeps struct {
	Connections integration.ConnectionRepository
	Credentials CredentialSource
	Connectors  integration.ConnectorResolver
	Matcher     ProductMatcher
	Mappings    integration.ProductMappingReader
	Catalog     integration.CatalogReader
	Orders      integration.OrderSink
	Checkpoints integration.CheckpointRepository
}

// NewExecutor creates an executor
func NewExecutor(config ExecutorConfig, deps ExecutorDeps, logger *zap.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		config:      config,
		connections: deps.Connections,
		credentials: deps.Credentials,
		connectors:  deps.Connectors,
		matcher:     deps.Matcher,
		mappings:    deps.Mappings,
		catalog:     deps.Catalog,
		orders:      deps.Orders,
		checkpoints: deps.Checkpoints,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}, nil
}

// prepare loads what a run needs before its first call. A failure here is a
// connection-level error of the run.
func (e *Executor) prepare(ctx context.Context, run *execution) error {
	conn, err := e.connections.FindByID(ctx, run.job.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	run.conn = conn

	connector, err := e.connectors.Get(conn.Kind)
	if err != nil {
		return err
	}
	run.connector = connector

	creds, err := e.credentials.Get(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	run.creds = creds
	run.prepared = true
	return nil
}

// Execute runs every stage of the job in order. It returns once the stages
// are done, the run was cancelled or a connection-level failure stopped it.
func (e *Executor) Execute(ctx context.Context, run *execution) {
	if !run.prepared {
		if err := e.prepare(ctx, run); err != nil {
			e.abort(ctx, run, run.job.Operation, err)
			return
		}
	}

	for _, stage := range run.job.Operation.Stages() {
		if run.stopped() || ctx.Err() != nil {
			return
		}
		run.acc.Log(integration.LogLevelInfo, "stage started", map[string]any{"stage": string(stage)})

		var err error
		switch stage {
		case integration.OperationProductSync:
			err = e.syncProducts(ctx, run)
		case integration.OperationStockUpdate:
			err = e.pushStock(ctx, run)
		case integration.OperationPriceUpdate:
			err = e.pushPrice(ctx, run)
		case integration.OperationOrderSync:
			err = e.syncOrders(ctx, run)
		default:
			err = integration.ErrInvalidOperation
		}
		if err != nil {
			e.abort(ctx, run, stage, err)
			return
		}

		success, failed := run.acc.Counts()
		run.acc.Log(integration.LogLevelInfo, "stage finished", map[string]any{
			"stage":   string(stage),
			"success": success,
			"failed":  failed,
		})
	}
}

// abort stops the run. Connection-level failures also mark the connection
// unhealthy. Expired or shut-down contexts are left to the orchestrator.
func (e *Executor) abort(ctx context.Context, run *execution, stage integration.Operation, err error) {
	if ctx.Err() != nil {
		return
	}
	if !run.abort(err) {
		return
	}
	run.acc.Log(integration.LogLevelError, "run stopped", map[string]any{
		"stage":        string(stage),
		"failure_kind": string(integration.FailureKindOf(err)),
		"error":        err.Error(),
	})
	e.logger.Warn("Sync run stopped",
		zap.String("job_id", run.job.ID.String()),
		zap.String("connection_id", run.job.ConnectionID.String()),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)

	if !integration.IsConnectionLevel(err) || run.conn == nil {
		return
	}
	health := run.conn.MarkUnhealthy(err.Error(), time.Now())
	if saveErr := e.connections.UpdateHealth(ctx, run.conn.ID, health); saveErr != nil {
		e.logger.Error("Failed to mark connection unhealthy",
			zap.String("connection_id", run.conn.ID.String()),
			zap.Error(saveErr),
		)
	}
}

// recordError fails one record with err. A connection-level err also stops
// the run.
func (e *Executor) recordError(ctx context.Context, run *execution, stage integration.Operation, externalID string, err error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	run.fail(externalID, stage, integration.FailureKindOf(err), err.Error())
	if integration.IsConnectionLevel(err) {
		e.abort(ctx, run, stage, err)
	}
}

// forEach runs fn for indexes [0, n) on at most WorkerCount goroutines. No new
// index starts once the run is stopped; started ones finish.
func (e *Executor) forEach(ctx context.Context, run *execution, n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(e.config.WorkerCount)
	for i := 0; i < n; i++ {
		if run.stopped() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// checkRecord validates a normalized external record
func (e *Executor) checkRecord(externalID string, record any) error {
	err := e.validate.Struct(record)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &integration.DataValidationError{
			ExternalID: externalID,
			Field:      fe.Namespace(),
			Reason:     "fails " + fe.Tag(),
		}
	}
	return &integration.DataValidationError{ExternalID: externalID, Reason: err.Error()}
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

func (e *Executor) syncProducts(ctx context.Context, run *execution) error {
	stage := integration.OperationProductSync
	if run.job.IsScoped() {
		e.forEach(ctx, run, len(run.job.Scope), func(i int) {
			id := run.job.Scope[i]
			product, err := run.connector.FetchProduct(ctx, run.conn, run.creds, id)
			if err != nil {
				e.recordError(ctx, run, stage, id, err)
				return
			}
			e.syncProduct(ctx, run, *product)
		})
		return nil
	}

	cursor := ""
	if run.resumable(stage) {
		cursor = run.resumeCursor()
	}

	for {
		if run.stopped() || ctx.Err() != nil {
			return nil
		}
		page, err := run.connector.FetchProducts(ctx, run.conn, run.creds, cursor)
		if err != nil {
			return err
		}

		e.forEach(ctx, run, len(page.Products), func(i int) {
			e.syncProduct(ctx, run, page.Products[i])
		})
		if run.stopped() || ctx.Err() != nil {
			return nil
		}

		cursor = page.NextCursor
		e.saveCursor(ctx, run, stage, cursor)
		if page.Done() {
			return nil
		}
	}
}

func (e *Executor) syncProduct(ctx context.Context, run *execution, product integration.ExternalProduct) {
	stage := integration.OperationProductSync
	if !run.job.InScope(product.ExternalID) {
		return
	}
	if err := e.checkRecord(product.ExternalID, product); err != nil {
		run.fail(product.ExternalID, stage, integration.FailureKindValidation, err.Error())
		return
	}

	res, err := e.matcher.Match(ctx, run.conn, product)
	if err != nil {
		e.recordError(ctx, run, stage, product.ExternalID, err)
		return
	}
	switch {
	case res.Matched:
		run.acc.RecordSuccess()
	case res.Ambiguous:
		run.fail(product.ExternalID, stage, integration.FailureKindAmbiguous, res.Reason)
	default:
		run.fail(product.ExternalID, stage, integration.FailureKindUnmapped, res.Reason)
	}
}

// Scoped runs look each ID up directly and never touch the resume cursor.
func (e *Executor) syncOrders(ctx context.Context, run *execution) error {
	stage := integration.OperationOrderSync
	if run.job.IsScoped() {
		e.forEach(ctx, run, len(run.job.Scope), func(i int) {
			id := run.job.Scope[i]
			order, err := run.connector.FetchOrder(ctx, run.conn, run.creds, id)
			if err != nil {
				e.recordError(ctx, run, stage, id, err)
				return
			}
			e.importOrder(ctx, run, *order)
		})
		return nil
	}

	cursor := ""
	if run.resumable(stage) {
		cursor = run.resumeCursor()
	}

	for {
		if run.stopped() || ctx.Err() != nil {
			return nil
		}
		page, err := run.connector.FetchOrders(ctx, run.conn, run.creds, cursor)
		if err != nil {
			return err
		}

		e.forEach(ctx, run, len(page.Orders), func(i int) {
			e.importOrder(ctx, run, page.Orders[i])
		})
		if run.stopped() || ctx.Err() != nil {
			return nil
		}

		cursor = page.NextCursor
		e.saveCursor(ctx, run, stage, cursor)
		if page.Done() {
			return nil
		}
	}
}

func (e *Executor) importOrder(ctx context.Context, run *execution, order integration.ExternalOrder) {
	stage := integration.OperationOrderSync
	if !run.job.InScope(order.ExternalID) {
		return
	}
	if err := e.checkRecord(order.ExternalID, order); err != nil {
		run.fail(order.ExternalID, stage, integration.FailureKindValidation, err.Error())
		return
	}

	lines := make([]integration.ResolvedOrderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		mapping, err := e.mappings.FindByExternalID(ctx, run.conn.ID, line.ExternalProductID)
		if errors.Is(err, integration.ErrMappingNotFound) || (err == nil && (!mapping.IsMapped() || !mapping.IsActive)) {
			run.fail(order.ExternalID, stage, integration.FailureKindUnmapped,
				fmt.Sprintf("order line product %s is not mapped", line.ExternalProductID))
			return
		}
		if err != nil {
			e.recordError(ctx, run, stage, order.ExternalID, err)
			return
		}
		lines = append(lines, integration.ResolvedOrderLine{Line: line, InternalProductID: *mapping.InternalProductID})
	}

	if err := e.orders.Import(ctx, run.conn, order, lines); err != nil {
		e.recordError(ctx, run, stage, order.ExternalID, err)
		return
	}
	run.acc.RecordSuccess()
}

// saveCursor stores the listing position so an interrupted run resumes there
func (e *Executor) saveCursor(ctx context.Context, run *execution, stage integration.Operation, cursor string) {
	if !run.resumable(stage) {
		return
	}
	run.setCursor(cursor)
	if err := e.checkpoints.SaveCursor(ctx, run.job.ConnectionID, run.job.Operation, cursor); err != nil {
		e.logger.Warn("Failed to save resume cursor",
			zap.String("job_id", run.job.ID.String()),
			zap.Error(err),
		)
	}
}

// ---------------------------------------------------------------------------
// Pushes
// ---------------------------------------------------------------------------

// pushTarget is one mapped external product with its catalog values
type pushTarget struct {
	mapping integration.ProductMapping
	product integration.CatalogProduct
}

// pushTargets resolves the active mappings of the job's scope against the
// catalog. Scoped IDs without a usable mapping fail as unmapped.
func (e *Executor) pushTargets(ctx context.Context, run *execution, stage integration.Operation) ([]pushTarget, error) {
	mappings, err := e.mappings.FindMapped(ctx, run.conn.ID, run.job.Scope)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}

	if run.job.IsScoped() {
		mapped := make(map[string]struct{}, len(mappings))
		for _, m := range mappings {
			mapped[m.ExternalID] = struct{}{}
		}
		for _, id := range run.job.Scope {
			if _, ok := mapped[id]; !ok {
				run.fail(id, stage, integration.FailureKindUnmapped, "no active mapping for external product")
			}
		}
	}
	if len(mappings) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, *m.InternalProductID)
	}
	products, err := e.catalog.FindByIDs(ctx, run.conn.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load catalog products: %w", err)
	}
	byID := make(map[uuid.UUID]integration.CatalogProduct, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	targets := make([]pushTarget, 0, len(mappings))
	for _, m := range mappings {
		p, ok := byID[*m.InternalProductID]
		if !ok {
			run.fail(m.ExternalID, stage, integration.FailureKindUnmapped, ErrCatalogProductMissing.Error())
			continue
		}
		targets = append(targets, pushTarget{mapping: m, product: p})
	}
	return targets, nil
}

func (e *Executor) pushStock(ctx context.Context, run *execution) error {
	stage := integration.OperationStockUpdate
	targets, err := e.pushTargets(ctx, run, stage)
	if err != nil {
		return err
	}
	e.pushBatches(ctx, run, stage, targets, func(batch []pushTarget) ([]integration.ItemResult, error) {
		updates := make([]integration.StockUpdate, len(batch))
		for i, t := range batch {
			updates[i] = integration.StockUpdate{ExternalID: t.mapping.ExternalID, Quantity: t.product.Quantity}
		}
		return run.connector.PushStock(ctx, run.conn, run.creds, updates)
	})
	return nil
}

func (e *Executor) pushPrice(ctx context.Context, run *execution) error {
	stage := integration.OperationPriceUpdate
	targets, err := e.pushTargets(ctx, run, stage)
	if err != nil {
		return err
	}
	e.pushBatches(ctx, run, stage, targets, func(batch []pushTarget) ([]integration.ItemResult, error) {
		updates := make([]integration.PriceUpdate, len(batch))
		for i, t := range batch {
			updates[i] = integration.PriceUpdate{ExternalID: t.mapping.ExternalID, Price: t.product.Price}
		}
		return run.connector.PushPrice(ctx, run.conn, run.creds, updates)
	})
	return nil
}

// pushBatches sends targets in batches on the record workers and records the
// outcome of every item. Items the connector reported no result for take the
// call's error, or fail as internal when there is none.
func (e *Executor) pushBatches(
	ctx context.Context,
	run *execution,
	stage integration.Operation,
	targets []pushTarget,
	push func(batch []pushTarget) ([]integration.ItemResult, error),
) {
	size := e.config.PushBatchSize
	batches := (len(targets) + size - 1) / size

	e.forEach(ctx, run, batches, func(b int) {
		lo := b * size
		hi := min(lo+size, len(targets))
		batch := targets[lo:hi]

		results, err := push(batch)

		byID := make(map[string]integration.ItemResult, len(results))
		for _, r := range results {
			byID[r.ExternalID] = r
		}
		now := time.Now()
		for i := range batch {
			t := &batch[i]
			r, ok := byID[t.mapping.ExternalID]
			switch {
			case !ok && err != nil:
				e.recordError(ctx, run, stage, t.mapping.ExternalID, err)
			case !ok:
				run.fail(t.mapping.ExternalID, stage, integration.FailureKindInternal, "connector reported no result")
			case r.Outcome == integration.ItemOutcomeSuccess:
				run.acc.RecordSuccess()
				if touchErr := e.matcher.Touch(ctx, &t.mapping, now); touchErr != nil {
					e.logger.Warn("Failed to stamp mapping",
						zap.String("external_id", t.mapping.ExternalID),
						zap.Error(touchErr),
					)
				}
			case r.Outcome == integration.ItemOutcomeRateLimited:
				run.fail(t.mapping.ExternalID, stage, integration.FailureKindRateLimited, reasonOr(r.Reason, "rate limited"))
			default:
				run.fail(t.mapping.ExternalID, stage, integration.FailureKindRejected, reasonOr(r.Reason, "rejected"))
			}
		}
	})
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
