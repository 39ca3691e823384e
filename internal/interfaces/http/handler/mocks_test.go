package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	integrationapp "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
)

// MockConnectionManager implements ConnectionManager for testing
type MockConnectionManager struct {
	mock.Mock
}

func (m *MockConnectionManager) Create(ctx context.Context, tenantID uuid.UUID, req integrationapp.CreateConnectionRequest) (*integrationapp.ConnectionResponse, error) {
	args := m.Called(ctx, tenantID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.ConnectionResponse), args.Error(1)
}

func (m *MockConnectionManager) RotateCredentials(ctx context.Context, tenantID, connectionID uuid.UUID, req integrationapp.CredentialsRequest) (*integrationapp.CredentialsResponse, error) {
	args := m.Called(ctx, tenantID, connectionID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.CredentialsResponse), args.Error(1)
}

func (m *MockConnectionManager) CheckHealth(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.HealthCheckResponse, error) {
	args := m.Called(ctx, tenantID, connectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.HealthCheckResponse), args.Error(1)
}

func (m *MockConnectionManager) Deactivate(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.ConnectionResponse, error) {
	args := m.Called(ctx, tenantID, connectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.ConnectionResponse), args.Error(1)
}

// MockSyncService implements ConnectionSync and RunLedger for testing
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) TriggerSync(ctx context.Context, tenantID, connectionID uuid.UUID, op integration.Operation) (*integrationapp.TriggerSyncResponse, error) {
	args := m.Called(ctx, tenantID, connectionID, op)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.TriggerSyncResponse), args.Error(1)
}

func (m *MockSyncService) ListConnections(ctx context.Context, tenantID uuid.UUID, filter integration.ConnectionFilter) ([]integrationapp.ConnectionResponse, error) {
	args := m.Called(ctx, tenantID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]integrationapp.ConnectionResponse), args.Error(1)
}

func (m *MockSyncService) GetConnection(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.ConnectionDetailResponse, error) {
	args := m.Called(ctx, tenantID, connectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.ConnectionDetailResponse), args.Error(1)
}

func (m *MockSyncService) ListMappings(ctx context.Context, tenantID, connectionID uuid.UUID, filter integration.ProductMappingFilter) ([]integrationapp.ProductMappingResponse, int64, error) {
	args := m.Called(ctx, tenantID, connectionID, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]integrationapp.ProductMappingResponse), args.Get(1).(int64), args.Error(2)
}

func (m *MockSyncService) ResolveMapping(ctx context.Context, tenantID, connectionID uuid.UUID, externalID string, productID uuid.UUID) (*integrationapp.ProductMappingResponse, error) {
	args := m.Called(ctx, tenantID, connectionID, externalID, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.ProductMappingResponse), args.Error(1)
}

func (m *MockSyncService) ListRuns(ctx context.Context, tenantID uuid.UUID, q integrationapp.ListRunsQuery) ([]integrationapp.SyncRunListResponse, int64, error) {
	args := m.Called(ctx, tenantID, q)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]integrationapp.SyncRunListResponse), args.Get(1).(int64), args.Error(2)
}

func (m *MockSyncService) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*integrationapp.SyncRunResponse, error) {
	args := m.Called(ctx, tenantID, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.SyncRunResponse), args.Error(1)
}

func (m *MockSyncService) CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) error {
	return m.Called(ctx, tenantID, jobID).Error(0)
}

func (m *MockSyncService) RecordCompensation(ctx context.Context, tenantID, runID uuid.UUID) (*integrationapp.TriggerSyncResponse, error) {
	args := m.Called(ctx, tenantID, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*integrationapp.TriggerSyncResponse), args.Error(1)
}

// MockWebhookIngestor implements WebhookIngestor for testing
type MockWebhookIngestor struct {
	mock.Mock
}

func (m *MockWebhookIngestor) Handle(ctx context.Context, rawBody []byte, headers http.Header, connectionID uuid.UUID) (int, uuid.UUID, error) {
	args := m.Called(ctx, rawBody, headers, connectionID)
	return args.Int(0), args.Get(1).(uuid.UUID), args.Error(2)
}

// tenantRouter returns an engine whose requests carry tenantID as if
// authenticated. A nil tenant leaves the request anonymous.
func tenantRouter(tenantID uuid.UUID) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(nil))
	if tenantID != uuid.Nil {
		router.Use(func(c *gin.Context) {
			middleware.SetTenant(c, tenantID)
			c.Next()
		})
	}
	return router
}

func jsonBody(v any) io.Reader {
	if s, ok := v.(string); ok {
		return bytes.NewBufferString(s)
	}
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func serve(router *gin.Engine, method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = jsonBody(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
