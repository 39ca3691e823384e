package integration

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Normalized external records
// ---------------------------------------------------------------------------

// ExternalProduct is the canonical shape every connector produces for a product
type ExternalProduct struct {
	ExternalID string          `json:"external_id" validate:"required,max=128"`
	SKU        string          `json:"sku,omitempty" validate:"omitempty,max=128"`
	Barcode    string          `json:"barcode,omitempty" validate:"omitempty,max=64"`
	Name       string          `json:"name" validate:"required,max=512"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity" validate:"gte=0"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HasIdentitySignals reports whether the record carries any key the matcher can use
func (p ExternalProduct) HasIdentitySignals() bool {
	return p.SKU != "" || p.Barcode != "" || p.Name != ""
}

// ExternalOrderLine is one line of an external order, in product shape
type ExternalOrderLine struct {
	ExternalProductID string          `json:"external_product_id" validate:"required"`
	SKU               string          `json:"sku,omitempty"`
	Barcode           string          `json:"barcode,omitempty"`
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	Quantity          int64           `json:"quantity" validate:"gt=0"`
}

// ExternalOrder is the canonical shape every connector produces for an order
type ExternalOrder struct {
	ExternalID string              `json:"external_id" validate:"required,max=128"`
	Status     string              `json:"status"`
	Currency   string              `json:"currency" validate:"omitempty,len=3"`
	Total      decimal.Decimal     `json:"total"`
	Lines      []ExternalOrderLine `json:"lines" validate:"required,min=1,dive"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// ProductPage is one bounded page of products. NextCursor is empty once the
// listing is exhausted; passing it back resumes the listing.
type ProductPage struct {
	Products   []ExternalProduct
	NextCursor string
}

// Done reports whether the listing is exhausted
func (p *ProductPage) Done() bool {
	return p.NextCursor == ""
}

// OrderPage is one bounded page of orders
type OrderPage struct {
	Orders     []ExternalOrder
	NextCursor string
}

// Done reports whether the listing is exhausted
func (p *OrderPage) Done() bool {
	return p.NextCursor == ""
}

// ---------------------------------------------------------------------------
// Push operations
// ---------------------------------------------------------------------------

// StockUpdate sets the available quantity of one external product
type StockUpdate struct {
	ExternalID string
	Quantity   int64
}

// PriceUpdate sets the price of one external product
type PriceUpdate struct {
	ExternalID string
	Price      decimal.Decimal
}

// ItemOutcome is the per-item result of a push
type ItemOutcome string

const (
	ItemOutcomeSuccess     ItemOutcome = "success"
	ItemOutcomeRejected    ItemOutcome = "rejected"
	ItemOutcomeRateLimited ItemOutcome = "rate_limited"
)

// ItemResult reports what happened to one pushed item
type ItemResult struct {
	ExternalID string
	Outcome    ItemOutcome
	Reason     string
}

// Succeeded returns a success result
func Succeeded(externalID string) ItemResult {
	return ItemResult{ExternalID: externalID, Outcome: ItemOutcomeSuccess}
}

// Rejected returns a rejected result with the remote's reason
func Rejected(externalID, reason string) ItemResult {
	return ItemResult{ExternalID: externalID, Outcome: ItemOutcomeRejected, Reason: reason}
}

// RateLimited returns a result for an item whose retry budget ran out on 429s
func RateLimited(externalID string) ItemResult {
	return ItemResult{ExternalID: externalID, Outcome: ItemOutcomeRateLimited, Reason: "rate limit retry budget exhausted"}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

// WebhookEvent is an inbound notification translated by a connector
type WebhookEvent struct {
	EventID     string
	Topic       string
	Operation   Operation
	ExternalIDs []string
	OccurredAt  time.Time
}
