package integration

import (
	"context"
	"net/http"
)

// Connector is the uniform capability set of one external system class.
// Implementations are stateless with respect to connections: everything a call
// needs arrives as arguments, so one instance serves every connection of its kind.
type Connector interface {
	// Kind returns the connector kind this implementation serves
	Kind() ConnectorKind

	// FetchProducts returns one bounded page of products starting at cursor.
	// An empty cursor starts from the beginning.
	FetchProducts(ctx context.Context, conn *Connection, creds Credentials, cursor string) (*ProductPage, error)

	// FetchOrders returns one bounded page of orders starting at cursor
	FetchOrders(ctx context.Context, conn *Connection, creds Credentials, cursor string) (*OrderPage, error)

	// FetchProduct returns one product by its external ID. A product the remote
	// does not have is *RecordNotFoundError.
	FetchProduct(ctx context.Context, conn *Connection, creds Credentials, externalID string) (*ExternalProduct, error)

	// FetchOrder returns one order by its external ID
	FetchOrder(ctx context.Context, conn *Connection, creds Credentials, externalID string) (*ExternalOrder, error)

	// PushStock sets quantities and reports a result per item
	PushStock(ctx context.Context, conn *Connection, creds Credentials, updates []StockUpdate) ([]ItemResult, error)

	// PushPrice sets prices and reports a result per item
	PushPrice(ctx context.Context, conn *Connection, creds Credentials, updates []PriceUpdate) ([]ItemResult, error)

	// VerifyWebhookSignature checks the signature of an inbound notification
	// in constant time. Failures are *SecurityError.
	VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) error

	// ParseWebhookEvent translates a verified notification. Malformed payloads
	// are *DataValidationError.
	ParseWebhookEvent(rawBody []byte, headers http.Header) (*WebhookEvent, error)

	// CheckHealth performs a cheap authenticated call
	CheckHealth(ctx context.Context, conn *Connection, creds Credentials) error
}

// ConnectorResolver returns the connector serving a kind
type ConnectorResolver interface {
	Get(kind ConnectorKind) (Connector, error)
}
