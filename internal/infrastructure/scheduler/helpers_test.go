package scheduler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	appintegration "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/cache"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
)

// MockConnector is a mock implementation of integration.Connector
type MockConnector struct {
	mock.Mock
	kind integration.ConnectorKind
}

func (m *MockConnector) Kind() integration.ConnectorKind { return m.kind }

func (m *MockConnector) FetchProducts(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.ProductPage, error) {
	args := m.Called(ctx, conn, creds, cursor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.ProductPage), args.Error(1)
}

func (m *MockConnector) FetchProduct(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalProduct, error) {
	args := m.Called(ctx, conn, creds, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.ExternalProduct), args.Error(1)
}

func (m *MockConnector) FetchOrder(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalOrder, error) {
	args := m.Called(ctx, conn, creds, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.ExternalOrder), args.Error(1)
}

func (m *MockConnector) FetchOrders(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.OrderPage, error) {
	args := m.Called(ctx, conn, creds, cursor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.OrderPage), args.Error(1)
}

func (m *MockConnector) PushStock(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.StockUpdate) ([]integration.ItemResult, error) {
	args := m.Called(ctx, conn, creds, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integration.ItemResult), args.Error(1)
}

func (m *MockConnector) PushPrice(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.PriceUpdate) ([]integration.ItemResult, error) {
	args := m.Called(ctx, conn, creds, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integration.ItemResult), args.Error(1)
}

func (m *MockConnector) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) error {
	return m.Called(rawBody, headers, secret).Error(0)
}

func (m *MockConnector) ParseWebhookEvent(rawBody []byte, headers http.Header) (*integration.WebhookEvent, error) {
	args := m.Called(rawBody, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integration.WebhookEvent), args.Error(1)
}

func (m *MockConnector) CheckHealth(ctx context.Context, conn *integration.Connection, creds integration.Credentials) error {
	return m.Called(ctx, conn, creds).Error(0)
}

// resolver serves a fixed set of connectors
type resolver map[integration.ConnectorKind]integration.Connector

func (r resolver) Get(kind integration.ConnectorKind) (integration.Connector, error) {
	c, ok := r[kind]
	if !ok {
		return nil, integration.ErrConnectorNotFound
	}
	return c, nil
}

// staticCredentials hands out one bearer token per connection
type staticCredentials struct{}

func (staticCredentials) Get(_ context.Context, connectionID uuid.UUID) (integration.Credentials, error) {
	return integration.Credentials{
		ConnectionID: connectionID,
		Scheme:       integration.AuthSchemeBearer,
		Token:        "tok",
		Version:      1,
	}, nil
}

// recordingObserver keeps observed runs
type recordingObserver struct {
	mu     sync.Mutex
	runs   []*integration.SyncRun
	active []int
}

func (o *recordingObserver) ObserveRun(_ context.Context, _ integration.ConnectorKind, run *integration.SyncRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run)
}

func (o *recordingObserver) RecordActiveJobs(_ context.Context, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, n)
}

// recordingReleaser keeps released connection IDs
type recordingReleaser struct {
	released []uuid.UUID
}

func (r *recordingReleaser) Release(connectionID uuid.UUID) {
	r.released = append(r.released, connectionID)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	db        *gorm.DB
	conn      *integration.Connection
	conns     *persistence.GormConnectionRepository
	queue     *persistence.GormJobQueue
	ledger    *persistence.GormSyncLedger
	mappings  *persistence.GormProductMappingRepository
	catalog   *persistence.GormCatalogRepository
	orders    *persistence.GormOrderSink
	lock      *cache.InMemoryRunLock
	dedup     *cache.InMemoryDedupCache
	connector *MockConnector
	observer  *recordingObserver
	releaser  *recordingReleaser
	executor  *Executor
	orch      *Orchestrator
}

// newTestDB opens a private in-memory SQLite database with the engine schema
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(persistence.AllModels()...))
	return db
}

func newFixture(t *testing.T, tweak ...func(*OrchestratorConfig)) *fixture {
	t.Helper()
	ctx := context.Background()

	db := newTestDB(t)
	f := &fixture{
		db:        db,
		conns:     persistence.NewGormConnectionRepository(db),
		queue:     persistence.NewGormJobQueue(db),
		ledger:    persistence.NewGormSyncLedger(db),
		mappings:  persistence.NewGormProductMappingRepository(db),
		catalog:   persistence.NewGormCatalogRepository(db),
		orders:    persistence.NewGormOrderSink(db),
		lock:      cache.NewInMemoryRunLock(),
		dedup:     cache.NewInMemoryDedupCache(time.Hour),
		connector: &MockConnector{kind: integration.ConnectorKindStorefront},
		observer:  &recordingObserver{},
		releaser:  &recordingReleaser{},
	}

	conn, err := integration.NewConnection(uuid.New(), integration.ConnectorKindStorefront, "Main shop", "https://shop.example.com", "2024-01")
	require.NoError(t, err)
	require.NoError(t, f.conns.Save(ctx, conn))
	f.conn = conn

	f.executor, err = NewExecutor(ExecutorConfig{WorkerCount: 2, PushBatchSize: 2}, ExecutorDeps{
		Connections: f.conns,
		Credentials: staticCredentials{},
		Connectors:  resolver{integration.ConnectorKindStorefront: f.connector},
		Matcher:     appintegration.NewMatcher(f.mappings, f.catalog, nil),
		Mappings:    f.mappings,
		Catalog:     f.catalog,
		Orders:      f.orders,
		Checkpoints: f.ledger,
	}, nil)
	require.NoError(t, err)

	cfg := DefaultOrchestratorConfig()
	cfg.MaxConcurrentJobs = 2
	cfg.PollInterval = 20 * time.Millisecond
	cfg.RequeueDelay = time.Minute
	for _, fn := range tweak {
		fn(&cfg)
	}
	f.orch, err = NewOrchestrator(cfg, OrchestratorDeps{
		Queue:       f.queue,
		Ledger:      f.ledger,
		Checkpoints: f.ledger,
		RunLock:     f.lock,
		Dedup:       f.dedup,
		Executor:    f.executor,
	}, nil, WithRunObserver(f.observer), WithConnectionReleaser(f.releaser))
	require.NoError(t, err)
	return f
}

// enqueue stores a job of op for the fixture connection
func (f *fixture) enqueue(t *testing.T, op integration.Operation, scope ...string) *integration.SyncJob {
	t.Helper()
	job, err := integration.NewSyncJob(f.conn, op, integration.TriggerManual)
	require.NoError(t, err)
	job.WithScope(scope)
	require.NoError(t, f.queue.Enqueue(context.Background(), job))
	return job
}

// runNext claims the next job and processes it on the calling goroutine
func (f *fixture) runNext(t *testing.T) *integration.SyncJob {
	t.Helper()
	job, err := f.queue.Dequeue(context.Background(), time.Now())
	require.NoError(t, err)
	f.orch.processJob(context.Background(), job, 0)
	return job
}

// latestRun returns the ledger entry of the pair's last run
func (f *fixture) latestRun(t *testing.T, op integration.Operation) *integration.SyncRun {
	t.Helper()
	run, err := f.ledger.LatestRun(context.Background(), f.conn.ID, op)
	require.NoError(t, err)
	return run
}

// addProduct stores a catalog product of the fixture tenant
func (f *fixture) addProduct(t *testing.T, sku string, qty int64, price string) integration.CatalogProduct {
	t.Helper()
	p := integration.CatalogProduct{
		ID:        uuid.New(),
		TenantID:  f.conn.TenantID,
		SKU:       sku,
		Name:      "Product " + sku,
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.catalog.Upsert(context.Background(), p))
	return p
}

// mapProduct stores an active SKU mapping of externalID to p
func (f *fixture) mapProduct(t *testing.T, externalID string, p integration.CatalogProduct) {
	t.Helper()
	m, err := integration.NewProductMapping(f.conn, integration.ExternalProduct{ExternalID: externalID, SKU: p.SKU, Name: p.Name})
	require.NoError(t, err)
	require.NoError(t, m.Promote(p.ID, integration.MatchTypeSKU))
	require.NoError(t, f.mappings.Save(context.Background(), m))
}

func external(id, sku string) integration.ExternalProduct {
	return integration.ExternalProduct{
		ExternalID: id,
		SKU:        sku,
		Name:       "Listing " + id,
		Price:      decimal.NewFromInt(10),
		Quantity:   1,
	}
}
