package integration

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// ConnectorKind
// ---------------------------------------------------------------------------

// ConnectorKind identifies which connector variant serves a connection
type ConnectorKind string

const (
	// ConnectorKindStorefront is a hosted storefront platform (bearer token auth)
	ConnectorKindStorefront ConnectorKind = "storefront"
	// ConnectorKindERP is an external ERP exposing a REST API (HTTP Basic auth)
	ConnectorKindERP ConnectorKind = "erp"
	// ConnectorKindMarketplace is a marketplace seller API (OAuth2 client credentials)
	ConnectorKindMarketplace ConnectorKind = "marketplace"
)

// AllConnectorKinds returns all supported connector kinds
func AllConnectorKinds() []ConnectorKind {
	return []ConnectorKind{ConnectorKindStorefront, ConnectorKindERP, ConnectorKindMarketplace}
}

// IsValid returns true if the kind is supported
func (k ConnectorKind) IsValid() bool {
	switch k {
	case ConnectorKindStorefront, ConnectorKindERP, ConnectorKindMarketplace:
		return true
	}
	return false
}

// String returns the string representation
func (k ConnectorKind) String() string {
	return string(k)
}

// DisplayName returns a human-readable name
func (k ConnectorKind) DisplayName() string {
	switch k {
	case ConnectorKindStorefront:
		return "Storefront"
	case ConnectorKindERP:
		return "ERP"
	case ConnectorKindMarketplace:
		return "Marketplace"
	default:
		return string(k)
	}
}

// DefaultAuthScheme returns the auth scheme the connector kind speaks
func (k ConnectorKind) DefaultAuthScheme() AuthScheme {
	switch k {
	case ConnectorKindERP:
		return AuthSchemeBasic
	case ConnectorKindMarketplace:
		return AuthSchemeOAuth2
	default:
		return AuthSchemeBearer
	}
}

// DefaultRateLimit returns the documented request budget of the connector kind.
// The burst is 1 so the first second never exceeds the documented rate.
func (k ConnectorKind) DefaultRateLimit() (perSecond float64, burst int) {
	switch k {
	case ConnectorKindStorefront:
		return 2, 1
	case ConnectorKindERP:
		return 5, 1
	case ConnectorKindMarketplace:
		return 10, 1
	default:
		return 1, 1
	}
}

// AuthScheme is how a connection authenticates against the external system
type AuthScheme string

const (
	AuthSchemeBearer AuthScheme = "bearer"
	AuthSchemeOAuth2 AuthScheme = "oauth2"
	AuthSchemeBasic  AuthScheme = "basic"
)

// IsValid returns true if the scheme is supported
func (s AuthScheme) IsValid() bool {
	switch s {
	case AuthSchemeBearer, AuthSchemeOAuth2, AuthSchemeBasic:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Connection Entity
// ---------------------------------------------------------------------------

// Connection links one tenant to one external system. Connections are never
// deleted, only deactivated.
type Connection struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	Kind               ConnectorKind
	Name               string
	Endpoint           string
	APIVersion         string
	AuthScheme         AuthScheme
	RateLimitPerSecond float64
	RateLimitBurst     int
	IsActive           bool
	// IsConnected is the health flag surfaced to the tenant
	IsConnected         bool
	LastHealthCheckAt   *time.Time
	LastError           string
	CredentialRotatedAt *time.Time
	// JobSequence is the last sequence number handed to a job of this connection
	JobSequence int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewConnection creates a connection with the rate limit documented for its kind
func NewConnection(tenantID uuid.UUID, kind ConnectorKind, name, endpoint, apiVersion string) (*Connection, error) {
	if tenantID == uuid.Nil {
		return nil, ErrConnectionInvalidTenant
	}
	if !kind.IsValid() {
		return nil, ErrConnectionInvalidKind
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrConnectionInvalidName
	}
	if err := validateEndpoint(endpoint); err != nil {
		return nil, err
	}

	perSecond, burst := kind.DefaultRateLimit()
	now := time.Now()
	return &Connection{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Kind:               kind,
		Name:               strings.TrimSpace(name),
		Endpoint:           strings.TrimRight(endpoint, "/"),
		APIVersion:         apiVersion,
		AuthScheme:         kind.DefaultAuthScheme(),
		RateLimitPerSecond: perSecond,
		RateLimitBurst:     burst,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ErrConnectionInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrConnectionInvalidURL
	}
	return nil
}

// SetRateLimit overrides the documented rate limit
func (c *Connection) SetRateLimit(perSecond float64, burst int) error {
	if perSecond <= 0 || burst <= 0 {
		return ErrConnectionInvalidRate
	}
	c.RateLimitPerSecond = perSecond
	c.RateLimitBurst = burst
	c.UpdatedAt = time.Now()
	return nil
}

// ConnectionHealth is one health observation. It is written without touching
// the other columns of the connection.
type ConnectionHealth struct {
	Connected bool
	LastError string
	// CheckedAt is nil for observations made by sync runs
	CheckedAt *time.Time
	At        time.Time
}

// MarkHealthy records a successful health check
func (c *Connection) MarkHealthy(at time.Time) ConnectionHealth {
	c.IsConnected = true
	c.LastHealthCheckAt = &at
	c.LastError = ""
	c.UpdatedAt = at
	return ConnectionHealth{Connected: true, CheckedAt: &at, At: at}
}

// MarkUnhealthy flips the health flag after a connection-level failure
func (c *Connection) MarkUnhealthy(reason string, at time.Time) ConnectionHealth {
	c.IsConnected = false
	c.LastError = reason
	c.UpdatedAt = at
	return ConnectionHealth{LastError: reason, At: at}
}

// RecordCredentialRotation stamps a credential rotation
func (c *Connection) RecordCredentialRotation(at time.Time) {
	c.CredentialRotatedAt = &at
	c.UpdatedAt = at
}

// Deactivate disables the connection. It stays in storage for audit.
func (c *Connection) Deactivate() {
	c.IsActive = false
	c.IsConnected = false
	c.UpdatedAt = time.Now()
}

// Activate re-enables a deactivated connection
func (c *Connection) Activate() {
	c.IsActive = true
	c.UpdatedAt = time.Now()
}

// ConnectionFilter defines filter criteria for connection listings
type ConnectionFilter struct {
	Kind        *ConnectorKind
	IsActive    *bool
	IsConnected *bool
}
