package integration

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/erp/marketsync/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Connector mock
// ---------------------------------------------------------------------------

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

// ---------------------------------------------------------------------------
// In-memory repositories
// ---------------------------------------------------------------------------

type fakeConnections struct {
	mu    sync.Mutex
	items map[uuid.UUID]integration.Connection
	saves int
}

func newFakeConnections(conns ...*integration.Connection) *fakeConnections {
	f := &fakeConnections{items: make(map[uuid.UUID]integration.Connection)}
	for _, c := range conns {
		f.items[c.ID] = *c
	}
	return f
}

func (f *fakeConnections) FindByID(_ context.Context, id uuid.UUID) (*integration.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return nil, integration.ErrConnectionNotFound
	}
	return &c, nil
}

func (f *fakeConnections) FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*integration.Connection, error) {
	c, err := f.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, integration.ErrConnectionNotFound
	}
	return c, nil
}

func (f *fakeConnections) FindAllForTenant(_ context.Context, tenantID uuid.UUID, _ integration.ConnectionFilter) ([]integration.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []integration.Connection
	for _, c := range f.items {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeConnections) FindActive(_ context.Context) ([]integration.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []integration.Connection
	for _, c := range f.items {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConnections) Save(_ context.Context, conn *integration.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[conn.ID] = *conn
	f.saves++
	return nil
}

func (f *fakeConnections) UpdateHealth(_ context.Context, id uuid.UUID, health integration.ConnectionHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok || !c.IsActive {
		return nil
	}
	c.IsConnected = health.Connected
	c.LastError = health.LastError
	c.UpdatedAt = health.At
	if health.CheckedAt != nil {
		c.LastHealthCheckAt = health.CheckedAt
	}
	f.items[id] = c
	f.saves++
	return nil
}

func (f *fakeConnections) UpdateCredentialState(_ context.Context, id uuid.UUID, scheme integration.AuthScheme, rotatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return integration.ErrConnectionNotFound
	}
	c.AuthScheme = scheme
	c.CredentialRotatedAt = &rotatedAt
	c.UpdatedAt = rotatedAt
	f.items[id] = c
	f.saves++
	return nil
}

func (f *fakeConnections) UpdateActivation(_ context.Context, id uuid.UUID, active bool, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.items[id]
	if !ok {
		return integration.ErrConnectionNotFound
	}
	c.IsActive = active
	if !active {
		c.IsConnected = false
	}
	c.UpdatedAt = at
	f.items[id] = c
	f.saves++
	return nil
}

func (f *fakeConnections) get(id uuid.UUID) integration.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id]
}

type fakeCredentialRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]integration.Credentials
	gets  int
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{items: make(map[uuid.UUID]integration.Credentials)}
}

func (f *fakeCredentialRepo) Get(_ context.Context, id uuid.UUID) (*integration.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	c, ok := f.items[id]
	if !ok {
		return nil, integration.ErrCredentialsNotFound
	}
	c = c.Clone()
	return &c, nil
}

func (f *fakeCredentialRepo) Put(_ context.Context, creds integration.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[creds.ConnectionID] = creds.Clone()
	return nil
}

func (f *fakeCredentialRepo) All(_ context.Context) ([]integration.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]integration.Credentials, 0, len(f.items))
	for _, c := range f.items {
		out = append(out, c.Clone())
	}
	return out, nil
}

type mappingKey struct {
	connectionID uuid.UUID
	externalID   string
}

type fakeMappings struct {
	mu    sync.Mutex
	items map[mappingKey]integration.ProductMapping
	saves int
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{items: make(map[mappingKey]integration.ProductMapping)}
}

func (f *fakeMappings) FindByID(_ context.Context, id uuid.UUID) (*integration.ProductMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.items {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, integration.ErrMappingNotFound
}

func (f *fakeMappings) FindByExternalID(_ context.Context, connectionID uuid.UUID, externalID string) (*integration.ProductMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[mappingKey{connectionID, externalID}]
	if !ok {
		return nil, integration.ErrMappingNotFound
	}
	return &m, nil
}

func (f *fakeMappings) FindActiveByProductID(_ context.Context, connectionID, productID uuid.UUID) (*integration.ProductMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.items {
		if m.ConnectionID == connectionID && m.IsActive && m.InternalProductID != nil && *m.InternalProductID == productID {
			return &m, nil
		}
	}
	return nil, integration.ErrMappingNotFound
}

func (f *fakeMappings) FindByConnection(_ context.Context, connectionID uuid.UUID, filter integration.ProductMappingFilter) ([]integration.ProductMapping, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []integration.ProductMapping
	for _, m := range f.items {
		if m.ConnectionID != connectionID {
			continue
		}
		if filter.MatchType != nil && m.MatchType != *filter.MatchType {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, int64(len(out)), nil
}

func (f *fakeMappings) FindMapped(_ context.Context, connectionID uuid.UUID, externalIDs []string) ([]integration.ProductMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}
	var out []integration.ProductMapping
	for _, m := range f.items {
		if m.ConnectionID != connectionID || !m.IsActive || !m.IsMapped() {
			continue
		}
		if len(want) > 0 && !want[m.ExternalID] {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (f *fakeMappings) Save(_ context.Context, mapping *integration.ProductMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[mappingKey{mapping.ConnectionID, mapping.ExternalID}] = *mapping
	f.saves++
	return nil
}

func (f *fakeMappings) get(connectionID uuid.UUID, externalID string) (integration.ProductMapping, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.items[mappingKey{connectionID, externalID}]
	return m, ok
}

type fakeCatalog struct {
	products []integration.CatalogProduct
}

func (f *fakeCatalog) add(p integration.CatalogProduct) integration.CatalogProduct {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.NormalizedName = integration.NormalizeName(p.Name)
	f.products = append(f.products, p)
	return p
}

func (f *fakeCatalog) filter(tenantID uuid.UUID, keep func(integration.CatalogProduct) bool) []integration.CatalogProduct {
	var out []integration.CatalogProduct
	for _, p := range f.products {
		if p.TenantID == tenantID && keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCatalog) FindByID(_ context.Context, tenantID, id uuid.UUID) (*integration.CatalogProduct, error) {
	found := f.filter(tenantID, func(p integration.CatalogProduct) bool { return p.ID == id })
	if len(found) == 0 {
		return nil, integration.ErrCatalogProductNotFound
	}
	return &found[0], nil
}

func (f *fakeCatalog) FindBySKU(_ context.Context, tenantID uuid.UUID, sku string) ([]integration.CatalogProduct, error) {
	return f.filter(tenantID, func(p integration.CatalogProduct) bool { return p.SKU == sku }), nil
}

func (f *fakeCatalog) FindByBarcode(_ context.Context, tenantID uuid.UUID, barcode string) ([]integration.CatalogProduct, error) {
	return f.filter(tenantID, func(p integration.CatalogProduct) bool { return p.Barcode == barcode }), nil
}

func (f *fakeCatalog) FindByNormalizedName(_ context.Context, tenantID uuid.UUID, normalized string) ([]integration.CatalogProduct, error) {
	return f.filter(tenantID, func(p integration.CatalogProduct) bool { return p.NormalizedName == normalized }), nil
}

func (f *fakeCatalog) FindByIDs(_ context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]integration.CatalogProduct, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return f.filter(tenantID, func(p integration.CatalogProduct) bool { return want[p.ID] }), nil
}

type fakeQueue struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*integration.SyncJob
	seq     map[uuid.UUID]int64
	failing error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[uuid.UUID]*integration.SyncJob), seq: make(map[uuid.UUID]int64)}
}

func (q *fakeQueue) Enqueue(_ context.Context, job *integration.SyncJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing != nil {
		return q.failing
	}
	q.seq[job.ConnectionID]++
	job.Sequence = q.seq[job.ConnectionID]
	cp := *job
	q.jobs[job.ID] = &cp
	return nil
}

func (q *fakeQueue) Dequeue(context.Context, time.Time) (*integration.SyncJob, error) {
	return nil, integration.ErrQueueEmpty
}

func (q *fakeQueue) Requeue(context.Context, uuid.UUID, time.Time) error { return nil }
func (q *fakeQueue) Complete(context.Context, uuid.UUID) error           { return nil }
func (q *fakeQueue) Skip(context.Context, uuid.UUID) error               { return nil }

func (q *fakeQueue) Withdraw(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != integration.JobStatusQueued {
		return integration.ErrJobNotFound
	}
	job.Status = integration.JobStatusSkipped
	return nil
}

func (q *fakeQueue) RecoverStale(context.Context, time.Time) (int64, error) { return 0, nil }

func (q *fakeQueue) FindByID(_ context.Context, jobID uuid.UUID) (*integration.SyncJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, integration.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (q *fakeQueue) all() []integration.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]integration.SyncJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	return out
}

// fakeRuntime records what the services ask of the orchestrator
type fakeRuntime struct {
	mu        sync.Mutex
	notified  int
	running   map[uuid.UUID]bool
	states    []integration.PairState
	tornDown  []uuid.UUID
	cancelled []uuid.UUID
}

func (r *fakeRuntime) Notify() {
	r.mu.Lock()
	r.notified++
	r.mu.Unlock()
}

func (r *fakeRuntime) PairStates(connectionID uuid.UUID) []integration.PairState {
	var out []integration.PairState
	for _, s := range r.states {
		if s.ConnectionID == connectionID {
			out = append(out, s)
		}
	}
	return out
}

func (r *fakeRuntime) Cancel(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running[jobID] {
		return false
	}
	r.cancelled = append(r.cancelled, jobID)
	return true
}

func (r *fakeRuntime) Teardown(_ context.Context, connectionID uuid.UUID) error {
	r.mu.Lock()
	r.tornDown = append(r.tornDown, connectionID)
	r.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func newConnection(t *testing.T, kind integration.ConnectorKind) *integration.Connection {
	t.Helper()
	conn, err := integration.NewConnection(uuid.New(), kind, gofakeit.Company(), "https://"+gofakeit.DomainName(), "")
	require.NoError(t, err)
	return conn
}

func catalogProduct(tenantID uuid.UUID, sku, barcode, name string) integration.CatalogProduct {
	return integration.CatalogProduct{
		TenantID: tenantID,
		SKU:      sku,
		Barcode:  barcode,
		Name:     name,
		Price:    decimal.NewFromFloat(gofakeit.Price(1, 500)).Round(2),
		Quantity: int64(gofakeit.IntRange(0, 100)),
	}
}
