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

func setupSyncRunRouter(tenantID uuid.UUID) (*gin.Engine, *MockSyncService) {
	middleware.SetupValidator()
	ledger := new(MockSyncService)
	h := NewSyncRunHandler(ledger)

	router := tenantRouter(tenantID)
	router.GET("/api/v1/sync-runs", h.List)
	router.GET("/api/v1/sync-runs/:id", h.Get)
	router.POST("/api/v1/sync-runs/:id/compensate", h.Compensate)
	router.POST("/api/v1/sync-jobs/:id/cancel", h.CancelJob)
	return router, ledger
}

func TestSyncRunHandler_List(t *testing.T) {
	tenantID := uuid.New()
	connID := uuid.New()

	t.Run("converts filters", func(t *testing.T) {
		router, ledger := setupSyncRunRouter(tenantID)
		from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		ledger.On("ListRuns", mock.Anything, tenantID, mock.MatchedBy(func(q integrationapp.ListRunsQuery) bool {
			return q.ConnectionID != nil && *q.ConnectionID == connID &&
				q.Operation != nil && *q.Operation == integration.OperationStockUpdate &&
				q.Status != nil && *q.Status == integration.RunStatusPartial &&
				q.From != nil && q.From.Equal(from) &&
				q.To == nil &&
				q.Page == 1 && q.PageSize == 20
		})).Return([]integrationapp.SyncRunListResponse{{ID: uuid.New(), Status: integration.RunStatusPartial}}, int64(1), nil)

		w := serve(router, http.MethodGet,
			"/api/v1/sync-runs?connection_id="+connID.String()+"&operation=stock_update&status=partial&from=2026-03-01T00:00:00Z", nil)

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Meta)
		assert.Equal(t, int64(1), resp.Meta.Total)
		ledger.AssertExpectations(t)
	})

	tests := []struct {
		name  string
		query string
	}{
		{"bad connection id", "connection_id=nope"},
		{"bad status", "status=running"},
		{"bad timestamp", "from=yesterday"},
		{"page size over limit", "page_size=1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, ledger := setupSyncRunRouter(tenantID)

			w := serve(router, http.MethodGet, "/api/v1/sync-runs?"+tt.query, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			ledger.AssertNotCalled(t, "ListRuns", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSyncRunHandler_Get(t *testing.T) {
	tenantID := uuid.New()
	runID := uuid.New()

	t.Run("returns failures and logs", func(t *testing.T) {
		router, ledger := setupSyncRunRouter(tenantID)
		ledger.On("GetRun", mock.Anything, tenantID, runID).Return(&integrationapp.SyncRunResponse{
			SyncRunListResponse: integrationapp.SyncRunListResponse{ID: runID, Status: integration.RunStatusPartial, FailedCount: 1},
			Failures: []integrationapp.RecordFailureResponse{
				{ExternalID: "ext-9", Kind: integration.FailureKindValidation, Reason: "price is negative"},
			},
			Logs: []integrationapp.LogEntryResponse{},
		}, nil)

		w := serve(router, http.MethodGet, "/api/v1/sync-runs/"+runID.String(), nil)

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data integrationapp.SyncRunResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data.Failures, 1)
		assert.Equal(t, "ext-9", resp.Data.Failures[0].ExternalID)
	})

	t.Run("not found", func(t *testing.T) {
		router, ledger := setupSyncRunRouter(tenantID)
		ledger.On("GetRun", mock.Anything, tenantID, runID).Return(nil, integration.ErrRunNotFound)

		w := serve(router, http.MethodGet, "/api/v1/sync-runs/"+runID.String(), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSyncRunHandler_Compensate(t *testing.T) {
	tenantID := uuid.New()
	runID := uuid.New()
	router, ledger := setupSyncRunRouter(tenantID)
	jobID := uuid.New()
	ledger.On("RecordCompensation", mock.Anything, tenantID, runID).Return(&integrationapp.TriggerSyncResponse{
		JobID:     jobID,
		Operation: integration.OperationPriceUpdate,
		Sequence:  12,
	}, nil)

	w := serve(router, http.MethodPost, "/api/v1/sync-runs/"+runID.String()+"/compensate", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), jobID.String())
}

func TestSyncRunHandler_CancelJob(t *testing.T) {
	tenantID := uuid.New()
	jobID := uuid.New()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"cancelled", nil, http.StatusNoContent},
		{"already finished", integration.ErrJobFinished, http.StatusUnprocessableEntity},
		{"unknown job", integration.ErrJobNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, ledger := setupSyncRunRouter(tenantID)
			ledger.On("CancelJob", mock.Anything, tenantID, jobID).Return(tt.err)

			w := serve(router, http.MethodPost, "/api/v1/sync-jobs/"+jobID.String()+"/cancel", nil)

			assert.Equal(t, tt.wantStatus, w.Code)
			ledger.AssertExpectations(t)
		})
	}
}
