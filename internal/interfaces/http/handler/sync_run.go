package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	integrationapp "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/interfaces/http/dto"
)

// RunLedger is the read and control surface over sync jobs and runs
type RunLedger interface {
	ListRuns(ctx context.Context, tenantID uuid.UUID, q integrationapp.ListRunsQuery) ([]integrationapp.SyncRunListResponse, int64, error)
	GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*integrationapp.SyncRunResponse, error)
	CancelJob(ctx context.Context, tenantID, jobID uuid.UUID) error
	RecordCompensation(ctx context.Context, tenantID, runID uuid.UUID) (*integrationapp.TriggerSyncResponse, error)
}

// SyncRunHandler handles the run ledger and job control endpoints
type SyncRunHandler struct {
	BaseHandler
	ledger RunLedger
}

// NewSyncRunHandler creates a new SyncRunHandler
func NewSyncRunHandler(ledger RunLedger) *SyncRunHandler {
	return &SyncRunHandler{ledger: ledger}
}

type listRunsQuery struct {
	ConnectionID string `form:"connection_id" binding:"omitempty,uuid"`
	Operation    string `form:"operation" binding:"omitempty,oneof=full_sync stock_update price_update order_sync product_sync"`
	Status       string `form:"status" binding:"omitempty,oneof=completed partial failed"`
	From         string `form:"from"`
	To           string `form:"to"`
	Page         int    `form:"page" binding:"omitempty,min=1"`
	PageSize     int    `form:"page_size" binding:"omitempty,min=1,max=200"`
}

// toQuery converts raw parameters. Timestamps are RFC 3339.
func (q listRunsQuery) toQuery() (integrationapp.ListRunsQuery, error) {
	out := integrationapp.ListRunsQuery{Page: q.Page, PageSize: q.PageSize}
	if q.ConnectionID != "" {
		id, err := uuid.Parse(q.ConnectionID)
		if err != nil {
			return out, err
		}
		out.ConnectionID = &id
	}
	if q.Operation != "" {
		op := integration.Operation(q.Operation)
		out.Operation = &op
	}
	if q.Status != "" {
		status := integration.RunStatus(q.Status)
		out.Status = &status
	}
	for _, p := range []struct {
		raw string
		dst **time.Time
	}{{q.From, &out.From}, {q.To, &out.To}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			return out, err
		}
		*p.dst = &t
	}
	return out, nil
}

// List handles GET /api/v1/sync-runs
func (h *SyncRunHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	var raw listRunsQuery
	if !h.bindQuery(c, &raw) {
		return
	}
	q, err := raw.toQuery()
	if err != nil {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "Invalid query parameters")
		return
	}
	page := dto.PageRequest{Page: q.Page, PageSize: q.PageSize}
	page.Normalize()
	q.Page, q.PageSize = page.Page, page.PageSize

	runs, total, err := h.ledger.ListRuns(c.Request.Context(), tenantID, q)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, runs, total, q.Page, q.PageSize)
}

// Get handles GET /api/v1/sync-runs/:id
func (h *SyncRunHandler) Get(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	runID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	run, err := h.ledger.GetRun(c.Request.Context(), tenantID, runID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, run)
}

// Compensate handles POST /api/v1/sync-runs/:id/compensate. It queues a
// manual job limited to the records the run failed on.
func (h *SyncRunHandler) Compensate(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	runID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	job, err := h.ledger.RecordCompensation(c.Request.Context(), tenantID, runID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, job)
}

// CancelJob handles POST /api/v1/sync-jobs/:id/cancel
func (h *SyncRunHandler) CancelJob(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	jobID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.ledger.CancelJob(c.Request.Context(), tenantID, jobID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}
