package integration

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// MatchType
// ---------------------------------------------------------------------------

// MatchType records which strategy produced a mapping
type MatchType string

const (
	MatchTypeSKU      MatchType = "sku"
	MatchTypeBarcode  MatchType = "barcode"
	MatchTypeName     MatchType = "name"
	MatchTypeManual   MatchType = "manual"
	MatchTypeUnmapped MatchType = "unmapped"
)

// IsValid returns true if the match type is known
func (m MatchType) IsValid() bool {
	switch m {
	case MatchTypeSKU, MatchTypeBarcode, MatchTypeName, MatchTypeManual, MatchTypeUnmapped:
		return true
	}
	return false
}

// IsMapped returns true for every match type that links to an internal product
func (m MatchType) IsMapped() bool {
	return m.IsValid() && m != MatchTypeUnmapped
}

// ---------------------------------------------------------------------------
// ProductMapping Entity
// ---------------------------------------------------------------------------

// ProductMapping is the cached correspondence between an external record and an
// internal product. Per connection there is at most one mapping per external ID
// and at most one active mapping per internal product.
type ProductMapping struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ConnectionID uuid.UUID
	ExternalID   string
	// InternalProductID is nil while the mapping is unmapped
	InternalProductID *uuid.UUID
	MatchType         MatchType
	IsActive          bool

	// Signals seen on the last matching attempt
	ExternalSKU     string
	ExternalBarcode string
	ExternalName    string

	LastSync  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProductMapping creates a mapping for an external product on a connection
func NewProductMapping(conn *Connection, product ExternalProduct) (*ProductMapping, error) {
	if product.ExternalID == "" {
		return nil, ErrMappingInvalidExternal
	}
	now := time.Now()
	return &ProductMapping{
		ID:              uuid.New(),
		TenantID:        conn.TenantID,
		ConnectionID:    conn.ID,
		ExternalID:      product.ExternalID,
		MatchType:       MatchTypeUnmapped,
		IsActive:        true,
		ExternalSKU:     product.SKU,
		ExternalBarcode: product.Barcode,
		ExternalName:    product.Name,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// IsMapped returns true if the mapping links to an internal product
func (m *ProductMapping) IsMapped() bool {
	return m.MatchType.IsMapped() && m.InternalProductID != nil
}

// Promote links the mapping to an internal product
func (m *ProductMapping) Promote(productID uuid.UUID, matchType MatchType) error {
	if productID == uuid.Nil {
		return ErrMappingInvalidProductID
	}
	if !matchType.IsMapped() {
		return ErrMappingInvalidMatchType
	}
	id := productID
	m.InternalProductID = &id
	m.MatchType = matchType
	m.IsActive = true
	m.UpdatedAt = time.Now()
	return nil
}

// MarkUnmapped drops the link to the internal product but keeps the record so
// the next cycle does not re-run every strategy.
func (m *ProductMapping) MarkUnmapped() {
	m.InternalProductID = nil
	m.MatchType = MatchTypeUnmapped
	m.UpdatedAt = time.Now()
}

// Observe stores the identity signals of the latest attempt
func (m *ProductMapping) Observe(product ExternalProduct) {
	m.ExternalSKU = product.SKU
	m.ExternalBarcode = product.Barcode
	m.ExternalName = product.Name
	m.UpdatedAt = time.Now()
}

// SignalsChanged reports whether the SKU or barcode differ from the last attempt
func (m *ProductMapping) SignalsChanged(product ExternalProduct) bool {
	return m.ExternalSKU != product.SKU || m.ExternalBarcode != product.Barcode
}

// Touch records a successful synchronization
func (m *ProductMapping) Touch(at time.Time) {
	m.LastSync = &at
	m.UpdatedAt = at
}

// ProductMappingFilter defines filter criteria for product mappings
type ProductMappingFilter struct {
	MatchType   *MatchType
	IsActive    *bool
	ExternalIDs []string
	Page        int
	PageSize    int
}

// Normalize applies paging defaults
func (f *ProductMappingFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = 100
	}
}

// ---------------------------------------------------------------------------
// Internal catalog
// ---------------------------------------------------------------------------

// CatalogProduct is the read-only view of an internal product the engine needs
type CatalogProduct struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	SKU      string
	Barcode  string
	Name     string
	// NormalizedName is Name folded by the matcher's normalization
	NormalizedName string
	Price          decimal.Decimal
	Quantity       int64
	UpdatedAt      time.Time
}
