package handler

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	integrationapp "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
)

func setupConnectionRouter(tenantID uuid.UUID) (*gin.Engine, *MockConnectionManager, *MockSyncService) {
	middleware.SetupValidator()
	connections := new(MockConnectionManager)
	sync := new(MockSyncService)
	h := NewConnectionHandler(connections, sync)

	router := tenantRouter(tenantID)
	g := router.Group("/api/v1/connections")
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.POST("/:id/credentials", h.RotateCredentials)
	g.POST("/:id/health-check", h.CheckHealth)
	g.POST("/:id/deactivate", h.Deactivate)
	g.POST("/:id/sync", h.TriggerSync)
	g.GET("/:id/mappings", h.ListMappings)
	g.PUT("/:id/mappings/:external_id", h.ResolveMapping)
	return router, connections, sync
}

func TestConnectionHandler_List(t *testing.T) {
	tenantID := uuid.New()

	t.Run("passes filters through", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)
		active := true
		kind := integration.ConnectorKindStorefront
		sync.On("ListConnections", mock.Anything, tenantID, integration.ConnectionFilter{
			Kind:     &kind,
			IsActive: &active,
		}).Return([]integrationapp.ConnectionResponse{{ID: uuid.New(), Name: "Shop"}}, nil)

		w := serve(router, http.MethodGet, "/api/v1/connections?kind=storefront&is_active=true", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"name":"Shop"`)
		sync.AssertExpectations(t)
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)

		w := serve(router, http.MethodGet, "/api/v1/connections?kind=ftp", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeValidation, decodeError(t, w).Code)
		sync.AssertNotCalled(t, "ListConnections", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects malformed boolean", func(t *testing.T) {
		router, _, _ := setupConnectionRouter(tenantID)

		w := serve(router, http.MethodGet, "/api/v1/connections?is_active=maybe", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidInput, decodeError(t, w).Code)
	})

	t.Run("requires a tenant", func(t *testing.T) {
		router, _, _ := setupConnectionRouter(uuid.Nil)

		w := serve(router, http.MethodGet, "/api/v1/connections", nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestConnectionHandler_Create(t *testing.T) {
	tenantID := uuid.New()
	valid := map[string]any{
		"kind":     "storefront",
		"name":     "Main shop",
		"endpoint": "https://shop.example.com",
		"credentials": map[string]any{
			"scheme":         "bearer",
			"token":          "tok",
			"webhook_secret": "whsec",
		},
	}

	t.Run("creates the connection", func(t *testing.T) {
		router, connections, _ := setupConnectionRouter(tenantID)
		created := &integrationapp.ConnectionResponse{ID: uuid.New(), Name: "Main shop", Kind: integration.ConnectorKindStorefront}
		connections.On("Create", mock.Anything, tenantID, mock.MatchedBy(func(req integrationapp.CreateConnectionRequest) bool {
			return req.Name == "Main shop" && req.Credentials.Token == "tok"
		})).Return(created, nil)

		w := serve(router, http.MethodPost, "/api/v1/connections", valid)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NotContains(t, w.Body.String(), "whsec")
		connections.AssertExpectations(t)
	})

	t.Run("validates the body", func(t *testing.T) {
		router, connections, _ := setupConnectionRouter(tenantID)

		w := serve(router, http.MethodPost, "/api/v1/connections", map[string]any{
			"kind":     "storefront",
			"name":     "Main shop",
			"endpoint": "not a url",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		info := decodeError(t, w)
		assert.Equal(t, dto.ErrCodeValidation, info.Code)
		fields := make([]string, 0, len(info.Details))
		for _, d := range info.Details {
			fields = append(fields, d.Field)
		}
		assert.Contains(t, fields, "endpoint")
		assert.Contains(t, fields, "credentials.webhook_secret")
		connections.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("maps domain validation errors", func(t *testing.T) {
		router, connections, _ := setupConnectionRouter(tenantID)
		connections.On("Create", mock.Anything, tenantID, mock.Anything).Return(nil, integration.ErrCredentialsInvalid)

		w := serve(router, http.MethodPost, "/api/v1/connections", valid)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, dto.ErrCodeInvalidInput, decodeError(t, w).Code)
	})
}

func TestConnectionHandler_Get(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()

	t.Run("returns the connection with pair states", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)
		jobID := uuid.New()
		sync.On("GetConnection", mock.Anything, tenantID, connID).Return(&integrationapp.ConnectionDetailResponse{
			ConnectionResponse: integrationapp.ConnectionResponse{ID: connID},
			Pairs: []integrationapp.PairStateResponse{
				{Operation: integration.OperationOrderSync, Status: integration.PairStatusRunning, JobID: &jobID},
			},
		}, nil)

		w := serve(router, http.MethodGet, "/api/v1/connections/"+connID.String(), nil)

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data integrationapp.ConnectionDetailResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Pairs, 1)
		assert.Equal(t, integration.PairStatusRunning, resp.Data.Pairs[0].Status)
	})

	t.Run("other tenants see not found", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)
		sync.On("GetConnection", mock.Anything, tenantID, connID).Return(nil, integration.ErrConnectionNotFound)

		w := serve(router, http.MethodGet, "/api/v1/connections/"+connID.String(), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		router, _, _ := setupConnectionRouter(tenantID)

		w := serve(router, http.MethodGet, "/api/v1/connections/abc", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestConnectionHandler_RotateCredentials(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()
	router, connections, _ := setupConnectionRouter(tenantID)
	connections.On("RotateCredentials", mock.Anything, tenantID, connID, mock.MatchedBy(func(req integrationapp.CredentialsRequest) bool {
		return req.Token == "new-token" && req.WebhookSecret == "new-secret"
	})).Return(&integrationapp.CredentialsResponse{
		ConnectionID: connID,
		Scheme:       integration.AuthSchemeBearer,
		Version:      2,
		RotatedAt:    time.Now(),
	}, nil)

	w := serve(router, http.MethodPost, "/api/v1/connections/"+connID.String()+"/credentials", map[string]any{
		"token":          "new-token",
		"webhook_secret": "new-secret",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":2`)
	assert.NotContains(t, w.Body.String(), "new-token")
	assert.NotContains(t, w.Body.String(), "new-secret")
	connections.AssertExpectations(t)
}

func TestConnectionHandler_CheckHealth(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()
	router, connections, _ := setupConnectionRouter(tenantID)
	connections.On("CheckHealth", mock.Anything, tenantID, connID).Return(&integrationapp.HealthCheckResponse{
		ConnectionID: connID,
		IsConnected:  false,
		CheckedAt:    time.Now(),
		Error:        "authentication failed",
	}, nil)

	w := serve(router, http.MethodPost, "/api/v1/connections/"+connID.String()+"/health-check", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_connected":false`)
}

func TestConnectionHandler_Deactivate(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()
	router, connections, _ := setupConnectionRouter(tenantID)
	connections.On("Deactivate", mock.Anything, tenantID, connID).Return(&integrationapp.ConnectionResponse{ID: connID, IsActive: false}, nil)

	w := serve(router, http.MethodPost, "/api/v1/connections/"+connID.String()+"/deactivate", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_active":false`)
}

func TestConnectionHandler_TriggerSync(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()

	tests := []struct {
		name       string
		body       any
		setup      func(*MockSyncService)
		wantStatus int
		wantCode   string
	}{
		{
			name: "queues the job",
			body: map[string]any{"operation": "stock_update"},
			setup: func(s *MockSyncService) {
				s.On("TriggerSync", mock.Anything, tenantID, connID, integration.OperationStockUpdate).
					Return(&integrationapp.TriggerSyncResponse{JobID: uuid.New(), Operation: integration.OperationStockUpdate, Sequence: 7}, nil)
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "unknown operation",
			body:       map[string]any{"operation": "teleport"},
			setup:      func(*MockSyncService) {},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeValidation,
		},
		{
			name: "inactive connection",
			body: map[string]any{"operation": "order_sync"},
			setup: func(s *MockSyncService) {
				s.On("TriggerSync", mock.Anything, tenantID, connID, integration.OperationOrderSync).
					Return(nil, integration.ErrConnectionInactive)
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   dto.ErrCodeConnectionInactive,
		},
		{
			name:       "malformed json",
			body:       `{"operation":`,
			setup:      func(*MockSyncService) {},
			wantStatus: http.StatusBadRequest,
			wantCode:   dto.ErrCodeBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, sync := setupConnectionRouter(tenantID)
			tt.setup(sync)

			w := serve(router, http.MethodPost, "/api/v1/connections/"+connID.String()+"/sync", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			}
			sync.AssertExpectations(t)
		})
	}
}

func TestConnectionHandler_ListMappings(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()
	router, _, sync := setupConnectionRouter(tenantID)
	unmapped := integration.MatchTypeUnmapped
	sync.On("ListMappings", mock.Anything, tenantID, connID, integration.ProductMappingFilter{
		MatchType: &unmapped,
		Page:      2,
		PageSize:  10,
	}).Return([]integrationapp.ProductMappingResponse{{ExternalID: "ext-1", MatchType: unmapped}}, int64(11), nil)

	w := serve(router, http.MethodGet, "/api/v1/connections/"+connID.String()+"/mappings?match_type=unmapped&page=2&page_size=10", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Meta)
	assert.Equal(t, int64(11), resp.Meta.Total)
	assert.Equal(t, 2, resp.Meta.TotalPages)
	sync.AssertExpectations(t)
}

func TestConnectionHandler_ResolveMapping(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()
	productID := uuid.New()

	t.Run("links the product", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)
		sync.On("ResolveMapping", mock.Anything, tenantID, connID, "ext-42", productID).Return(&integrationapp.ProductMappingResponse{
			ExternalID:        "ext-42",
			InternalProductID: &productID,
			MatchType:         integration.MatchTypeManual,
			IsActive:          true,
		}, nil)

		w := serve(router, http.MethodPut, "/api/v1/connections/"+connID.String()+"/mappings/ext-42",
			map[string]any{"internal_product_id": productID.String()})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"match_type":"manual"`)
	})

	t.Run("unknown product", func(t *testing.T) {
		router, _, sync := setupConnectionRouter(tenantID)
		sync.On("ResolveMapping", mock.Anything, tenantID, connID, "ext-42", productID).Return(nil, integration.ErrCatalogProductNotFound)

		w := serve(router, http.MethodPut, "/api/v1/connections/"+connID.String()+"/mappings/ext-42",
			map[string]any{"internal_product_id": productID.String()})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("product id is required", func(t *testing.T) {
		router, _, _ := setupConnectionRouter(tenantID)

		w := serve(router, http.MethodPut, "/api/v1/connections/"+connID.String()+"/mappings/ext-42", map[string]any{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
