package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	integrationapp "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/domain/integration"
)

// ConnectionManager sets up and maintains connections
type ConnectionManager interface {
	Create(ctx context.Context, tenantID uuid.UUID, req integrationapp.CreateConnectionRequest) (*integrationapp.ConnectionResponse, error)
	RotateCredentials(ctx context.Context, tenantID, connectionID uuid.UUID, req integrationapp.CredentialsRequest) (*integrationapp.CredentialsResponse, error)
	CheckHealth(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.HealthCheckResponse, error)
	Deactivate(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.ConnectionResponse, error)
}

// ConnectionSync is the connection-scoped part of the sync surface
type ConnectionSync interface {
	TriggerSync(ctx context.Context, tenantID, connectionID uuid.UUID, op integration.Operation) (*integrationapp.TriggerSyncResponse, error)
	ListConnections(ctx context.Context, tenantID uuid.UUID, filter integration.ConnectionFilter) ([]integrationapp.ConnectionResponse, error)
	GetConnection(ctx context.Context, tenantID, connectionID uuid.UUID) (*integrationapp.ConnectionDetailResponse, error)
	ListMappings(ctx context.Context, tenantID, connectionID uuid.UUID, filter integration.ProductMappingFilter) ([]integrationapp.ProductMappingResponse, int64, error)
	ResolveMapping(ctx context.Context, tenantID, connectionID uuid.UUID, externalID string, productID uuid.UUID) (*integrationapp.ProductMappingResponse, error)
}

// ConnectionHandler handles connection endpoints
type ConnectionHandler struct {
	BaseHandler
	connections ConnectionManager
	sync        ConnectionSync
}

// NewConnectionHandler creates a new ConnectionHandler
func NewConnectionHandler(connections ConnectionManager, sync ConnectionSync) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		sync:        sync,
	}
}

type listConnectionsQuery struct {
	Kind        string `form:"kind" binding:"omitempty,oneof=storefront erp marketplace"`
	IsActive    *bool  `form:"is_active"`
	IsConnected *bool  `form:"is_connected"`
}

type listMappingsQuery struct {
	MatchType string `form:"match_type" binding:"omitempty,oneof=sku barcode name manual unmapped"`
	IsActive  *bool  `form:"is_active"`
	Page      int    `form:"page" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size" binding:"omitempty,min=1,max=500"`
}

// List handles GET /api/v1/connections
func (h *ConnectionHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	var q listConnectionsQuery
	if !h.bindQuery(c, &q) {
		return
	}

	filter := integration.ConnectionFilter{
		IsActive:    q.IsActive,
		IsConnected: q.IsConnected,
	}
	if q.Kind != "" {
		kind := integration.ConnectorKind(q.Kind)
		filter.Kind = &kind
	}

	conns, err := h.sync.ListConnections(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conns)
}

// Create handles POST /api/v1/connections
func (h *ConnectionHandler) Create(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	var req integrationapp.CreateConnectionRequest
	if !h.bind(c, &req) {
		return
	}

	conn, err := h.connections.Create(c.Request.Context(), tenantID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, conn)
}

// Get handles GET /api/v1/connections/:id
func (h *ConnectionHandler) Get(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	conn, err := h.sync.GetConnection(c.Request.Context(), tenantID, connectionID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conn)
}

// RotateCredentials handles POST /api/v1/connections/:id/credentials
func (h *ConnectionHandler) RotateCredentials(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req integrationapp.CredentialsRequest
	if !h.bind(c, &req) {
		return
	}

	creds, err := h.connections.RotateCredentials(c.Request.Context(), tenantID, connectionID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, creds)
}

// CheckHealth handles POST /api/v1/connections/:id/health-check.
// A failed probe is still a 200: the outcome is in the body.
func (h *ConnectionHandler) CheckHealth(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	result, err := h.connections.CheckHealth(c.Request.Context(), tenantID, connectionID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Deactivate handles POST /api/v1/connections/:id/deactivate
func (h *ConnectionHandler) Deactivate(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	conn, err := h.connections.Deactivate(c.Request.Context(), tenantID, connectionID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conn)
}

// TriggerSync handles POST /api/v1/connections/:id/sync. The job is queued
// and the call returns before it runs.
func (h *ConnectionHandler) TriggerSync(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req integrationapp.TriggerSyncRequest
	if !h.bind(c, &req) {
		return
	}

	job, err := h.sync.TriggerSync(c.Request.Context(), tenantID, connectionID, req.Operation)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, job)
}

// ListMappings handles GET /api/v1/connections/:id/mappings
func (h *ConnectionHandler) ListMappings(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var q listMappingsQuery
	if !h.bindQuery(c, &q) {
		return
	}

	filter := integration.ProductMappingFilter{
		IsActive: q.IsActive,
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	if q.MatchType != "" {
		mt := integration.MatchType(q.MatchType)
		filter.MatchType = &mt
	}
	filter.Normalize()

	mappings, total, err := h.sync.ListMappings(c.Request.Context(), tenantID, connectionID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, mappings, total, filter.Page, filter.PageSize)
}

// ResolveMapping handles PUT /api/v1/connections/:id/mappings/:external_id
func (h *ConnectionHandler) ResolveMapping(c *gin.Context) {
	tenantID, ok := h.tenantFrom(c)
	if !ok {
		return
	}
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	externalID := c.Param("external_id")
	var req integrationapp.ResolveMappingRequest
	if !h.bind(c, &req) {
		return
	}

	mapping, err := h.sync.ResolveMapping(c.Request.Context(), tenantID, connectionID, externalID, req.InternalProductID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, mapping)
}
