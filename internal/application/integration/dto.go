package integration

import (
	"time"

	"github.com/google/uuid"

	"github.com/erp/marketsync/internal/domain/integration"
)

// ---------------------------------------------------------------------------
// Connection DTOs
// ---------------------------------------------------------------------------

// ConnectionResponse represents a connection in API responses
type ConnectionResponse struct {
	ID                  uuid.UUID                 `json:"id"`
	TenantID            uuid.UUID                 `json:"tenant_id"`
	Kind                integration.ConnectorKind `json:"kind"`
	KindDisplayName     string                    `json:"kind_display_name"`
	Name                string                    `json:"name"`
	Endpoint            string                    `json:"endpoint"`
	APIVersion          string                    `json:"api_version,omitempty"`
	AuthScheme          integration.AuthScheme    `json:"auth_scheme"`
	RateLimitPerSecond  float64                   `json:"rate_limit_per_second"`
	RateLimitBurst      int                       `json:"rate_limit_burst"`
	IsActive            bool                      `json:"is_active"`
	IsConnected         bool                      `json:"is_connected"`
	LastHealthCheckAt   *time.Time                `json:"last_health_check_at,omitempty"`
	LastError           string                    `json:"last_error,omitempty"`
	CredentialRotatedAt *time.Time                `json:"credential_rotated_at,omitempty"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

// ConnectionDetailResponse adds the live state of every operation
type ConnectionDetailResponse struct {
	ConnectionResponse
	Pairs []PairStateResponse `json:"pairs"`
}

// PairStateResponse represents one (connection, operation) pair
type PairStateResponse struct {
	Operation  integration.Operation  `json:"operation"`
	Status     integration.PairStatus `json:"status"`
	JobID      *uuid.UUID             `json:"job_id,omitempty"`
	RunID      *uuid.UUID             `json:"run_id,omitempty"`
	Sequence   int64                  `json:"sequence,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// CreateConnectionRequest represents a request to set up a connection
type CreateConnectionRequest struct {
	Kind               integration.ConnectorKind `json:"kind" binding:"required,connector_kind"`
	Name               string                    `json:"name" binding:"required,max=128"`
	Endpoint           string                    `json:"endpoint" binding:"required,url"`
	APIVersion         string                    `json:"api_version" binding:"omitempty,max=32"`
	RateLimitPerSecond float64                   `json:"rate_limit_per_second" binding:"omitempty,gt=0"`
	RateLimitBurst     int                       `json:"rate_limit_burst" binding:"omitempty,gt=0"`
	Credentials        CredentialsRequest        `json:"credentials" binding:"required"`
}

// CredentialsRequest carries authentication material. It is never echoed back.
type CredentialsRequest struct {
	Scheme        integration.AuthScheme `json:"scheme" binding:"omitempty,auth_scheme"`
	Token         string                 `json:"token"`
	ClientID      string                 `json:"client_id"`
	ClientSecret  string                 `json:"client_secret"`
	TokenURL      string                 `json:"token_url" binding:"omitempty,url"`
	Scopes        []string               `json:"scopes"`
	Username      string                 `json:"username"`
	Password      string                 `json:"password"`
	WebhookSecret string                 `json:"webhook_secret" binding:"required"`
}

// ToCredentials converts the request into a credentials value
func (r CredentialsRequest) ToCredentials(connectionID uuid.UUID, defaultScheme integration.AuthScheme) integration.Credentials {
	scheme := r.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}
	return integration.Credentials{
		ConnectionID:  connectionID,
		Scheme:        scheme,
		Token:         r.Token,
		ClientID:      r.ClientID,
		ClientSecret:  r.ClientSecret,
		TokenURL:      r.TokenURL,
		Scopes:        append([]string(nil), r.Scopes...),
		Username:      r.Username,
		Password:      r.Password,
		WebhookSecret: r.WebhookSecret,
	}
}

// CredentialsResponse is the redacted view of credentials
type CredentialsResponse struct {
	ConnectionID uuid.UUID              `json:"connection_id"`
	Scheme       integration.AuthScheme `json:"scheme"`
	ClientID     string                 `json:"client_id,omitempty"`
	Username     string                 `json:"username,omitempty"`
	Version      int                    `json:"version"`
	RotatedAt    time.Time              `json:"rotated_at"`
}

// HealthCheckResponse reports the outcome of a health check
type HealthCheckResponse struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	IsConnected  bool      `json:"is_connected"`
	CheckedAt    time.Time `json:"checked_at"`
	Error        string    `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Sync DTOs
// ---------------------------------------------------------------------------

// TriggerSyncRequest represents a manual sync request
type TriggerSyncRequest struct {
	Operation integration.Operation `json:"operation" binding:"required,sync_operation"`
}

// TriggerSyncResponse identifies the queued job
type TriggerSyncResponse struct {
	JobID     uuid.UUID             `json:"job_id"`
	Operation integration.Operation `json:"operation"`
	Sequence  int64                 `json:"sequence"`
}

// SyncRunListResponse represents a run in list responses (lighter)
type SyncRunListResponse struct {
	ID               uuid.UUID             `json:"id"`
	JobID            uuid.UUID             `json:"job_id"`
	ConnectionID     uuid.UUID             `json:"connection_id"`
	Operation        integration.Operation `json:"operation"`
	Trigger          integration.Trigger   `json:"trigger"`
	Sequence         int64                 `json:"sequence"`
	Status           integration.RunStatus `json:"status"`
	Cancelled        bool                  `json:"cancelled"`
	RecordsProcessed int                   `json:"records_processed"`
	SuccessCount     int                   `json:"success_count"`
	FailedCount      int                   `json:"failed_count"`
	StartedAt        time.Time             `json:"started_at"`
	FinishedAt       time.Time             `json:"finished_at"`
	DurationMs       int64                 `json:"duration_ms"`
	Error            string                `json:"error,omitempty"`
}

// SyncRunResponse is a run with its failures and logs
type SyncRunResponse struct {
	SyncRunListResponse
	Failures []RecordFailureResponse `json:"failures"`
	Logs     []LogEntryResponse      `json:"logs"`
}

// RecordFailureResponse represents one failed record
type RecordFailureResponse struct {
	ExternalID string                  `json:"external_id,omitempty"`
	Operation  integration.Operation   `json:"operation"`
	Kind       integration.FailureKind `json:"kind"`
	Reason     string                  `json:"reason"`
}

// LogEntryResponse represents one run log entry
type LogEntryResponse struct {
	Level     integration.LogLevel `json:"level"`
	Message   string               `json:"message"`
	Detail    map[string]any       `json:"detail,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// ListRunsQuery holds ledger query parameters
type ListRunsQuery struct {
	ConnectionID *uuid.UUID
	Operation    *integration.Operation
	Status       *integration.RunStatus
	From         *time.Time
	To           *time.Time
	Page         int
	PageSize     int
}

// ---------------------------------------------------------------------------
// Mapping DTOs
// ---------------------------------------------------------------------------

// ProductMappingResponse represents a product mapping in API responses
type ProductMappingResponse struct {
	ID                uuid.UUID             `json:"id"`
	ConnectionID      uuid.UUID             `json:"connection_id"`
	ExternalID        string                `json:"external_id"`
	InternalProductID *uuid.UUID            `json:"internal_product_id,omitempty"`
	MatchType         integration.MatchType `json:"match_type"`
	IsActive          bool                  `json:"is_active"`
	ExternalSKU       string                `json:"external_sku,omitempty"`
	ExternalBarcode   string                `json:"external_barcode,omitempty"`
	ExternalName      string                `json:"external_name,omitempty"`
	LastSync          *time.Time            `json:"last_sync,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// ResolveMappingRequest links an external record to an internal product
type ResolveMappingRequest struct {
	InternalProductID uuid.UUID `json:"internal_product_id" binding:"required"`
}

// ---------------------------------------------------------------------------
// Converters
// ---------------------------------------------------------------------------

// ToConnectionResponse converts a domain connection
func ToConnectionResponse(c *integration.Connection) ConnectionResponse {
	return ConnectionResponse{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		Kind:                c.Kind,
		KindDisplayName:     c.Kind.DisplayName(),
		Name:                c.Name,
		Endpoint:            c.Endpoint,
		APIVersion:          c.APIVersion,
		AuthScheme:          c.AuthScheme,
		RateLimitPerSecond:  c.RateLimitPerSecond,
		RateLimitBurst:      c.RateLimitBurst,
		IsActive:            c.IsActive,
		IsConnected:         c.IsConnected,
		LastHealthCheckAt:   c.LastHealthCheckAt,
		LastError:           c.LastError,
		CredentialRotatedAt: c.CredentialRotatedAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// ToPairStateResponse converts a live pair state
func ToPairStateResponse(s integration.PairState) PairStateResponse {
	resp := PairStateResponse{
		Operation:  s.Operation,
		Status:     s.Status,
		Sequence:   s.Sequence,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.JobID != uuid.Nil {
		id := s.JobID
		resp.JobID = &id
	}
	if s.RunID != uuid.Nil {
		id := s.RunID
		resp.RunID = &id
	}
	return resp
}

// ToCredentialsResponse converts credentials, dropping every secret
func ToCredentialsResponse(c integration.Credentials) CredentialsResponse {
	return CredentialsResponse{
		ConnectionID: c.ConnectionID,
		Scheme:       c.Scheme,
		ClientID:     c.ClientID,
		Username:     c.Username,
		Version:      c.Version,
		RotatedAt:    c.RotatedAt,
	}
}

// ToSyncRunListResponse converts a run without its detail
func ToSyncRunListResponse(r *integration.SyncRun) SyncRunListResponse {
	return SyncRunListResponse{
		ID:               r.ID,
		JobID:            r.JobID,
		ConnectionID:     r.ConnectionID,
		Operation:        r.Operation,
		Trigger:          r.Trigger,
		Sequence:         r.Sequence,
		Status:           r.Status,
		Cancelled:        r.Cancelled,
		RecordsProcessed: r.RecordsProcessed,
		SuccessCount:     r.SuccessCount,
		FailedCount:      r.FailedCount,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		DurationMs:       r.Duration().Milliseconds(),
		Error:            r.Error,
	}
}

// ToSyncRunResponse converts a run with failures and logs
func ToSyncRunResponse(r *integration.SyncRun) SyncRunResponse {
	resp := SyncRunResponse{
		SyncRunListResponse: ToSyncRunListResponse(r),
		Failures:            make([]RecordFailureResponse, 0, len(r.Failures)),
		Logs:                make([]LogEntryResponse, 0, len(r.Logs)),
	}
	for _, f := range r.Failures {
		resp.Failures = append(resp.Failures, RecordFailureResponse{
			ExternalID: f.ExternalID,
			Operation:  f.Operation,
			Kind:       f.Kind,
			Reason:     f.Reason,
		})
	}
	for _, l := range r.Logs {
		resp.Logs = append(resp.Logs, LogEntryResponse{
			Level:     l.Level,
			Message:   l.Message,
			Detail:    l.Detail,
			CreatedAt: l.CreatedAt,
		})
	}
	return resp
}

// ToProductMappingResponse converts a domain mapping
func ToProductMappingResponse(m *integration.ProductMapping) ProductMappingResponse {
	return ProductMappingResponse{
		ID:                m.ID,
		ConnectionID:      m.ConnectionID,
		ExternalID:        m.ExternalID,
		InternalProductID: m.InternalProductID,
		MatchType:         m.MatchType,
		IsActive:          m.IsActive,
		ExternalSKU:       m.ExternalSKU,
		ExternalBarcode:   m.ExternalBarcode,
		ExternalName:      m.ExternalName,
		LastSync:          m.LastSync,
		UpdatedAt:         m.UpdatedAt,
	}
}
