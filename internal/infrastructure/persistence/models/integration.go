package models

import (
	"encoding/json"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Connections & credentials
// ---------------------------------------------------------------------------

// ConnectionModel is the persistence model for the Connection entity.
type ConnectionModel struct {
	ID                  uuid.UUID                 `gorm:"type:uuid;primary_key"`
	TenantID            uuid.UUID                 `gorm:"type:uuid;not null;index:idx_connection_tenant"`
	Kind                integration.ConnectorKind `gorm:"type:varchar(20);not null"`
	Name                string                    `gorm:"type:varchar(100);not null"`
	Endpoint            string                    `gorm:"type:varchar(500);not null"`
	APIVersion          string                    `gorm:"type:varchar(32)"`
	AuthScheme          integration.AuthScheme    `gorm:"type:varchar(20);not null"`
	RateLimitPerSecond  float64                   `gorm:"not null"`
	RateLimitBurst      int                       `gorm:"not null"`
	IsActive            bool                      `gorm:"not null;index:idx_connection_active"`
	IsConnected         bool                      `gorm:"not null;default:false"`
	LastHealthCheckAt   *time.Time
	LastError           string `gorm:"type:text"`
	CredentialRotatedAt *time.Time
	JobSequence         int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ConnectionModel) TableName() string {
	return "integration_connections"
}

// ToDomain converts the persistence model to a domain Connection.
func (m *ConnectionModel) ToDomain() *integration.Connection {
	return &integration.Connection{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		Kind:                m.Kind,
		Name:                m.Name,
		Endpoint:            m.Endpoint,
		APIVersion:          m.APIVersion,
		AuthScheme:          m.AuthScheme,
		RateLimitPerSecond:  m.RateLimitPerSecond,
		RateLimitBurst:      m.RateLimitBurst,
		IsActive:            m.IsActive,
		IsConnected:         m.IsConnected,
		LastHealthCheckAt:   m.LastHealthCheckAt,
		LastError:           m.LastError,
		CredentialRotatedAt: m.CredentialRotatedAt,
		JobSequence:         m.JobSequence,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain Connection.
func (m *ConnectionModel) FromDomain(c *integration.Connection) {
	m.ID = c.ID
	m.TenantID = c.TenantID
	m.Kind = c.Kind
	m.Name = c.Name
	m.Endpoint = c.Endpoint
	m.APIVersion = c.APIVersion
	m.AuthScheme = c.AuthScheme
	m.RateLimitPerSecond = c.RateLimitPerSecond
	m.RateLimitBurst = c.RateLimitBurst
	m.IsActive = c.IsActive
	m.IsConnected = c.IsConnected
	m.LastHealthCheckAt = c.LastHealthCheckAt
	m.LastError = c.LastError
	m.CredentialRotatedAt = c.CredentialRotatedAt
	m.JobSequence = c.JobSequence
	m.CreatedAt = c.CreatedAt
	m.UpdatedAt = c.UpdatedAt
}

// CredentialModel stores the sealed credentials of one connection.
// Sealed holds nonce || ciphertext of the JSON encoded secret fields.
type CredentialModel struct {
	ConnectionID uuid.UUID              `gorm:"type:uuid;primary_key"`
	Scheme       integration.AuthScheme `gorm:"type:varchar(20);not null"`
	Sealed       []byte                 `gorm:"not null"`
	Version      int                    `gorm:"not null"`
	RotatedAt    time.Time              `gorm:"not null"`
	CreatedAt    time.Time              `gorm:"not null"`
	UpdatedAt    time.Time              `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CredentialModel) TableName() string {
	return "integration_credentials"
}

// CredentialSecrets is the plaintext document sealed into CredentialModel.Sealed
type CredentialSecrets struct {
	Token         string   `json:"token,omitempty"`
	ClientID      string   `json:"client_id,omitempty"`
	ClientSecret  string   `json:"client_secret,omitempty"`
	TokenURL      string   `json:"token_url,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	WebhookSecret string   `json:"webhook_secret,omitempty"`
}

// SecretsFromDomain extracts the secret fields of domain credentials
func SecretsFromDomain(c integration.Credentials) CredentialSecrets {
	return CredentialSecrets{
		Token:         c.Token,
		ClientID:      c.ClientID,
		ClientSecret:  c.ClientSecret,
		TokenURL:      c.TokenURL,
		Scopes:        c.Scopes,
		Username:      c.Username,
		Password:      c.Password,
		WebhookSecret: c.WebhookSecret,
	}
}

// ToDomain combines the model metadata and the opened secrets
func (m *CredentialModel) ToDomain(s CredentialSecrets) *integration.Credentials {
	return &integration.Credentials{
		ConnectionID:  m.ConnectionID,
		Scheme:        m.Scheme,
		Token:         s.Token,
		ClientID:      s.ClientID,
		ClientSecret:  s.ClientSecret,
		TokenURL:      s.TokenURL,
		Scopes:        s.Scopes,
		Username:      s.Username,
		Password:      s.Password,
		WebhookSecret: s.WebhookSecret,
		Version:       m.Version,
		RotatedAt:     m.RotatedAt,
	}
}

// ---------------------------------------------------------------------------
// Queue & checkpoints
// ---------------------------------------------------------------------------

// SyncJobModel is the persistence model for queued sync jobs.
type SyncJobModel struct {
	ID            uuid.UUID             `gorm:"type:uuid;primary_key"`
	TenantID      uuid.UUID             `gorm:"type:uuid;not null;index"`
	ConnectionID  uuid.UUID             `gorm:"type:uuid;not null;uniqueIndex:idx_sync_job_sequence,priority:1;index:idx_sync_job_pair,priority:1"`
	Operation     integration.Operation `gorm:"type:varchar(20);not null;index:idx_sync_job_pair,priority:2"`
	Trigger       integration.Trigger   `gorm:"type:varchar(20);not null"`
	Sequence      int64                 `gorm:"not null;uniqueIndex:idx_sync_job_sequence,priority:2"`
	Scope         string                `gorm:"type:text"`
	SourceEventID string                `gorm:"type:varchar(255)"`
	Attempt       int                   `gorm:"not null;default:0"`
	Status        integration.JobStatus `gorm:"type:varchar(20);not null;index:idx_sync_job_status_available,priority:1"`
	AvailableAt   time.Time             `gorm:"not null;index:idx_sync_job_status_available,priority:2"`
	ClaimedAt     *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncJobModel) TableName() string {
	return "sync_jobs"
}

// ToDomain converts the persistence model to a domain SyncJob.
func (m *SyncJobModel) ToDomain() *integration.SyncJob {
	job := &integration.SyncJob{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ConnectionID:  m.ConnectionID,
		Operation:     m.Operation,
		Trigger:       m.Trigger,
		Sequence:      m.Sequence,
		SourceEventID: m.SourceEventID,
		Attempt:       m.Attempt,
		Status:        m.Status,
		AvailableAt:   m.AvailableAt,
		ClaimedAt:     m.ClaimedAt,
		CreatedAt:     m.CreatedAt,
	}
	if m.Scope != "" {
		var scope []string
		if err := json.Unmarshal([]byte(m.Scope), &scope); err == nil {
			job.Scope = scope
		}
	}
	return job
}

// FromDomain populates the persistence model from a domain SyncJob.
func (m *SyncJobModel) FromDomain(j *integration.SyncJob) {
	m.ID = j.ID
	m.TenantID = j.TenantID
	m.ConnectionID = j.ConnectionID
	m.Operation = j.Operation
	m.Trigger = j.Trigger
	m.Sequence = j.Sequence
	m.SourceEventID = j.SourceEventID
	m.Attempt = j.Attempt
	m.Status = j.Status
	m.AvailableAt = j.AvailableAt.UTC()
	m.ClaimedAt = j.ClaimedAt
	m.CreatedAt = j.CreatedAt
	m.UpdatedAt = time.Now()
	m.Scope = ""
	if len(j.Scope) > 0 {
		if b, err := json.Marshal(j.Scope); err == nil {
			m.Scope = string(b)
		}
	}
}

// SyncCheckpointModel tracks the last applied sequence of a (connection, operation) pair.
type SyncCheckpointModel struct {
	ConnectionID uuid.UUID             `gorm:"type:uuid;primaryKey"`
	Operation    integration.Operation `gorm:"type:varchar(20);primaryKey"`
	LastSequence int64                 `gorm:"not null;default:0"`
	ResumeCursor string                `gorm:"type:text"`
	UpdatedAt    time.Time             `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncCheckpointModel) TableName() string {
	return "sync_checkpoints"
}

// ToDomain converts the persistence model to a domain SyncCheckpoint.
func (m *SyncCheckpointModel) ToDomain() *integration.SyncCheckpoint {
	return &integration.SyncCheckpoint{
		ConnectionID: m.ConnectionID,
		Operation:    m.Operation,
		LastSequence: m.LastSequence,
		ResumeCursor: m.ResumeCursor,
		UpdatedAt:    m.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// SyncRunModel is the persistence model for ledger entries.
type SyncRunModel struct {
	ID               uuid.UUID             `gorm:"type:uuid;primary_key"`
	JobID            uuid.UUID             `gorm:"type:uuid;not null;uniqueIndex:idx_sync_run_job"`
	TenantID         uuid.UUID             `gorm:"type:uuid;not null;index:idx_sync_run_tenant_started,priority:1"`
	ConnectionID     uuid.UUID             `gorm:"type:uuid;not null;index:idx_sync_run_pair,priority:1"`
	Operation        integration.Operation `gorm:"type:varchar(20);not null;index:idx_sync_run_pair,priority:2"`
	Trigger          integration.Trigger   `gorm:"type:varchar(20);not null"`
	Sequence         int64                 `gorm:"not null"`
	StartedAt        time.Time             `gorm:"not null;index:idx_sync_run_tenant_started,priority:2"`
	FinishedAt       time.Time             `gorm:"not null"`
	RecordsProcessed int                   `gorm:"not null"`
	SuccessCount     int                   `gorm:"not null"`
	FailedCount      int                   `gorm:"not null"`
	Status           integration.RunStatus `gorm:"type:varchar(20);not null;index"`
	Cancelled        bool                  `gorm:"not null;default:false"`
	Error            string                `gorm:"type:text"`
	CreatedAt        time.Time             `gorm:"not null"`

	Failures []SyncRunFailureModel `gorm:"foreignKey:RunID"`
	Logs     []SyncLogEntryModel   `gorm:"foreignKey:RunID"`
}

// TableName returns the table name for GORM
func (SyncRunModel) TableName() string {
	return "sync_runs"
}

// SyncRunFailureModel is one per-record failure of a run.
type SyncRunFailureModel struct {
	ID         uuid.UUID               `gorm:"type:uuid;primary_key"`
	RunID      uuid.UUID               `gorm:"type:uuid;not null;index"`
	ExternalID string                  `gorm:"type:varchar(128)"`
	Operation  integration.Operation   `gorm:"type:varchar(20);not null"`
	Kind       integration.FailureKind `gorm:"type:varchar(32);not null"`
	Reason     string                  `gorm:"type:text"`
}

// TableName returns the table name for GORM
func (SyncRunFailureModel) TableName() string {
	return "sync_run_failures"
}

// SyncLogEntryModel is one structured log entry of a run.
type SyncLogEntryModel struct {
	ID        uuid.UUID            `gorm:"type:uuid;primary_key"`
	RunID     uuid.UUID            `gorm:"type:uuid;not null;index"`
	Level     integration.LogLevel `gorm:"type:varchar(10);not null"`
	Message   string               `gorm:"type:text;not null"`
	Detail    string               `gorm:"type:jsonb"`
	CreatedAt time.Time            `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SyncLogEntryModel) TableName() string {
	return "sync_log_entries"
}

// FromDomain populates the run model and its children from a finalized run.
func (m *SyncRunModel) FromDomain(r *integration.SyncRun) {
	m.ID = r.ID
	m.JobID = r.JobID
	m.TenantID = r.TenantID
	m.ConnectionID = r.ConnectionID
	m.Operation = r.Operation
	m.Trigger = r.Trigger
	m.Sequence = r.Sequence
	m.StartedAt = r.StartedAt.UTC()
	m.FinishedAt = r.FinishedAt.UTC()
	m.RecordsProcessed = r.RecordsProcessed
	m.SuccessCount = r.SuccessCount
	m.FailedCount = r.FailedCount
	m.Status = r.Status
	m.Cancelled = r.Cancelled
	m.Error = r.Error
	m.CreatedAt = time.Now()

	m.Failures = make([]SyncRunFailureModel, len(r.Failures))
	for i, f := range r.Failures {
		m.Failures[i] = SyncRunFailureModel{
			ID:         uuid.New(),
			RunID:      r.ID,
			ExternalID: f.ExternalID,
			Operation:  f.Operation,
			Kind:       f.Kind,
			Reason:     f.Reason,
		}
	}

	m.Logs = make([]SyncLogEntryModel, len(r.Logs))
	for i, l := range r.Logs {
		detail := "{}"
		if len(l.Detail) > 0 {
			if b, err := json.Marshal(l.Detail); err == nil {
				detail = string(b)
			}
		}
		m.Logs[i] = SyncLogEntryModel{
			ID:        l.ID,
			RunID:     r.ID,
			Level:     l.Level,
			Message:   l.Message,
			Detail:    detail,
			CreatedAt: l.CreatedAt.UTC(),
		}
	}
}

// ToDomain converts the run model (and any loaded children) to a domain SyncRun.
func (m *SyncRunModel) ToDomain() *integration.SyncRun {
	run := &integration.SyncRun{
		ID:               m.ID,
		JobID:            m.JobID,
		TenantID:         m.TenantID,
		ConnectionID:     m.ConnectionID,
		Operation:        m.Operation,
		Trigger:          m.Trigger,
		Sequence:         m.Sequence,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		RecordsProcessed: m.RecordsProcessed,
		SuccessCount:     m.SuccessCount,
		FailedCount:      m.FailedCount,
		Status:           m.Status,
		Cancelled:        m.Cancelled,
		Error:            m.Error,
		Failures:         make([]integration.RecordFailure, len(m.Failures)),
		Logs:             make([]integration.LogEntry, len(m.Logs)),
	}
	for i, f := range m.Failures {
		run.Failures[i] = integration.RecordFailure{
			ExternalID: f.ExternalID,
			Operation:  f.Operation,
			Kind:       f.Kind,
			Reason:     f.Reason,
		}
	}
	for i, l := range m.Logs {
		entry := integration.LogEntry{
			ID:        l.ID,
			RunID:     l.RunID,
			Level:     l.Level,
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		}
		if l.Detail != "" && l.Detail != "{}" {
			var detail map[string]any
			if err := json.Unmarshal([]byte(l.Detail), &detail); err == nil {
				entry.Detail = detail
			}
		}
		run.Logs[i] = entry
	}
	return run
}

// ---------------------------------------------------------------------------
// Mappings, catalog, orders
// ---------------------------------------------------------------------------

// ProductMappingModel is the persistence model for the ProductMapping entity.
type ProductMappingModel struct {
	ID                uuid.UUID             `gorm:"type:uuid;primary_key"`
	TenantID          uuid.UUID             `gorm:"type:uuid;not null;index"`
	ConnectionID      uuid.UUID             `gorm:"type:uuid;not null;uniqueIndex:idx_mapping_connection_external,priority:1;index:idx_mapping_active_product,unique,where:is_active = true AND internal_product_id IS NOT NULL,priority:1"`
	ExternalID        string                `gorm:"type:varchar(128);not null;uniqueIndex:idx_mapping_connection_external,priority:2"`
	InternalProductID *uuid.UUID            `gorm:"type:uuid;index:idx_mapping_active_product,unique,where:is_active = true AND internal_product_id IS NOT NULL,priority:2"`
	MatchType         integration.MatchType `gorm:"type:varchar(20);not null;index"`
	IsActive          bool                  `gorm:"not null"`
	ExternalSKU       string                `gorm:"column:external_sku;type:varchar(128)"`
	ExternalBarcode   string                `gorm:"type:varchar(64)"`
	ExternalName      string                `gorm:"type:varchar(512)"`
	LastSync          *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ProductMappingModel) TableName() string {
	return "product_mappings"
}

// ToDomain converts the persistence model to a domain ProductMapping.
func (m *ProductMappingModel) ToDomain() *integration.ProductMapping {
	return &integration.ProductMapping{
		ID:                m.ID,
		TenantID:          m.TenantID,
		ConnectionID:      m.ConnectionID,
		ExternalID:        m.ExternalID,
		InternalProductID: m.InternalProductID,
		MatchType:         m.MatchType,
		IsActive:          m.IsActive,
		ExternalSKU:       m.ExternalSKU,
		ExternalBarcode:   m.ExternalBarcode,
		ExternalName:      m.ExternalName,
		LastSync:          m.LastSync,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain ProductMapping.
func (m *ProductMappingModel) FromDomain(pm *integration.ProductMapping) {
	m.ID = pm.ID
	m.TenantID = pm.TenantID
	m.ConnectionID = pm.ConnectionID
	m.ExternalID = pm.ExternalID
	m.InternalProductID = pm.InternalProductID
	m.MatchType = pm.MatchType
	m.IsActive = pm.IsActive
	m.ExternalSKU = pm.ExternalSKU
	m.ExternalBarcode = pm.ExternalBarcode
	m.ExternalName = pm.ExternalName
	m.LastSync = pm.LastSync
	m.CreatedAt = pm.CreatedAt
	m.UpdatedAt = pm.UpdatedAt
}

// CatalogProductModel is the read model of the tenant catalog the matcher queries.
type CatalogProductModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primary_key"`
	TenantID       uuid.UUID       `gorm:"type:uuid;not null;index:idx_catalog_sku,priority:1;index:idx_catalog_barcode,priority:1;index:idx_catalog_name,priority:1"`
	SKU            string          `gorm:"column:sku;type:varchar(128);index:idx_catalog_sku,priority:2"`
	Barcode        string          `gorm:"type:varchar(64);index:idx_catalog_barcode,priority:2"`
	Name           string          `gorm:"type:varchar(512);not null"`
	NormalizedName string          `gorm:"type:varchar(512);not null;index:idx_catalog_name,priority:2"`
	Price          decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Quantity       int64           `gorm:"not null;default:0"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CatalogProductModel) TableName() string {
	return "catalog_products"
}

// ToDomain converts the persistence model to a domain CatalogProduct.
func (m *CatalogProductModel) ToDomain() *integration.CatalogProduct {
	return &integration.CatalogProduct{
		ID:             m.ID,
		TenantID:       m.TenantID,
		SKU:            m.SKU,
		Barcode:        m.Barcode,
		Name:           m.Name,
		NormalizedName: m.NormalizedName,
		Price:          m.Price,
		Quantity:       m.Quantity,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ImportedOrderModel is an external order handed to the internal order system.
type ImportedOrderModel struct {
	ID           uuid.UUID       `gorm:"type:uuid;primary_key"`
	TenantID     uuid.UUID       `gorm:"type:uuid;not null;index"`
	ConnectionID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_imported_order_external,priority:1"`
	ExternalID   string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_imported_order_external,priority:2"`
	Status       string          `gorm:"type:varchar(32)"`
	Currency     string          `gorm:"type:varchar(3)"`
	Total        decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Lines        string          `gorm:"type:jsonb;not null"`
	ExternalAt   time.Time
	ImportedAt   time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ImportedOrderModel) TableName() string {
	return "imported_orders"
}

// ImportedOrderLine is the JSON shape of one stored order line
type ImportedOrderLine struct {
	ExternalProductID string          `json:"external_product_id"`
	InternalProductID uuid.UUID       `json:"internal_product_id"`
	SKU               string          `json:"sku,omitempty"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Quantity          int64           `json:"quantity"`
}
