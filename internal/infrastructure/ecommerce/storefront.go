package ecommerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/erp/marketsync/internal/domain/integration"
)

// Storefront webhook headers
const (
	StorefrontHeaderSignature = "X-Storefront-Hmac-Sha256"
	StorefrontHeaderEventID   = "X-Storefront-Event-Id"
	StorefrontHeaderTopic     = "X-Storefront-Topic"
)

const (
	storefrontDefaultVersion = "2024-01"
	storefrontPageSize       = 50
)

// StorefrontConnector speaks to hosted storefront platforms: bearer token auth,
// cursor pagination through the Link header, one call per pushed item.
type StorefrontConnector struct {
	transport *Transport
	auth      *Authenticator
}

// NewStorefrontConnector creates a storefront connector
func NewStorefrontConnector(transport *Transport, auth *Authenticator) *StorefrontConnector {
	return &StorefrontConnector{transport: transport, auth: auth}
}

// Kind returns the connector kind
func (c *StorefrontConnector) Kind() integration.ConnectorKind {
	return integration.ConnectorKindStorefront
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type storefrontProduct struct {
	ID                flexID          `json:"id"`
	Title             string          `json:"title"`
	SKU               string          `json:"sku"`
	Barcode           string          `json:"barcode"`
	Price             decimal.Decimal `json:"price"`
	InventoryQuantity int64           `json:"inventory_quantity"`
	UpdatedAt         string          `json:"updated_at"`
}

type storefrontLineItem struct {
	ProductID flexID          `json:"product_id"`
	SKU       string          `json:"sku"`
	Barcode   string          `json:"barcode"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
}

type storefrontOrder struct {
	ID              flexID               `json:"id"`
	FinancialStatus string               `json:"financial_status"`
	Currency        string               `json:"currency"`
	TotalPrice      decimal.Decimal      `json:"total_price"`
	UpdatedAt       string               `json:"updated_at"`
	LineItems       []storefrontLineItem `json:"line_items"`
}

func (p storefrontProduct) toDomain() integration.ExternalProduct {
	return integration.ExternalProduct{
		ExternalID: p.ID.String(),
		SKU:        strings.TrimSpace(p.SKU),
		Barcode:    strings.TrimSpace(p.Barcode),
		Name:       p.Title,
		Price:      p.Price,
		Quantity:   p.InventoryQuantity,
		UpdatedAt:  parseTimestamp(p.UpdatedAt),
	}
}

func (o storefrontOrder) toDomain() integration.ExternalOrder {
	order := integration.ExternalOrder{
		ExternalID: o.ID.String(),
		Status:     o.FinancialStatus,
		Currency:   strings.ToUpper(o.Currency),
		Total:      o.TotalPrice,
		UpdatedAt:  parseTimestamp(o.UpdatedAt),
		Lines:      make([]integration.ExternalOrderLine, 0, len(o.LineItems)),
	}
	for _, li := range o.LineItems {
		order.Lines = append(order.Lines, integration.ExternalOrderLine{
			ExternalProductID: li.ProductID.String(),
			SKU:               li.SKU,
			Barcode:           li.Barcode,
			Name:              li.Title,
			Price:             li.Price,
			Quantity:          li.Quantity,
		})
	}
	return order
}

type storefrontWebhook struct {
	ID        flexID `json:"id"`
	ProductID flexID `json:"product_id"`
	UpdatedAt string `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Listing
// ---------------------------------------------------------------------------

// FetchProducts returns one page of products
func (c *StorefrontConnector) FetchProducts(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.ProductPage, error) {
	resp, err := c.transport.Do(ctx, conn, c.list("storefront.fetch_products", "/products.json", conn, creds, cursor))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Products []storefrontProduct `json:"products"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, &integration.PermanentRequestError{Op: "storefront.fetch_products", StatusCode: resp.StatusCode, Message: err.Error()}
	}

	page := &integration.ProductPage{
		Products:   make([]integration.ExternalProduct, 0, len(payload.Products)),
		NextCursor: nextPageInfo(resp.Header.Get("Link")),
	}
	for _, p := range payload.Products {
		page.Products = append(page.Products, p.toDomain())
	}
	return page, nil
}

// FetchOrders returns one page of orders
func (c *StorefrontConnector) FetchOrders(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.OrderPage, error) {
	req := c.list("storefront.fetch_orders", "/orders.json", conn, creds, cursor)
	if cursor == "" {
		req.Query.Set("status", "any")
	}
	resp, err := c.transport.Do(ctx, conn, req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Orders []storefrontOrder `json:"orders"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, &integration.PermanentRequestError{Op: "storefront.fetch_orders", StatusCode: resp.StatusCode, Message: err.Error()}
	}

	page := &integration.OrderPage{
		Orders:     make([]integration.ExternalOrder, 0, len(payload.Orders)),
		NextCursor: nextPageInfo(resp.Header.Get("Link")),
	}
	for _, o := range payload.Orders {
		page.Orders = append(page.Orders, o.toDomain())
	}
	return page, nil
}

// FetchProduct reads one product by ID
func (c *StorefrontConnector) FetchProduct(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalProduct, error) {
	const op = "storefront.fetch_product"
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   c.path(conn, "/products/"+url.PathEscape(externalID)+".json"),
		Auth:   c.auth.For(conn, creds),
	})
	if err != nil {
		return nil, lookupError(op, externalID, err)
	}

	var payload struct {
		Product *storefrontProduct `json:"product"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if payload.Product == nil {
		return nil, &integration.RecordNotFoundError{Op: op, ExternalID: externalID}
	}
	product := payload.Product.toDomain()
	return &product, nil
}

// FetchOrder reads one order by ID
func (c *StorefrontConnector) FetchOrder(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalOrder, error) {
	const op = "storefront.fetch_order"
	if err := validateExternalID(externalID); err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   c.path(conn, "/orders/"+url.PathEscape(externalID)+".json"),
		Auth:   c.auth.For(conn, creds),
	})
	if err != nil {
		return nil, lookupError(op, externalID, err)
	}

	var payload struct {
		Order *storefrontOrder `json:"order"`
	}
	if err := resp.Decode(&payload); err != nil {
		return nil, &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if payload.Order == nil {
		return nil, &integration.RecordNotFoundError{Op: op, ExternalID: externalID}
	}
	order := payload.Order.toDomain()
	return &order, nil
}

func (c *StorefrontConnector) list(op, resource string, conn *integration.Connection, creds integration.Credentials, cursor string) Request {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(storefrontPageSize))
	if cursor != "" {
		query.Set("page_info", cursor)
	}
	return Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   c.path(conn, resource),
		Query:  query,
		Auth:   c.auth.For(conn, creds),
	}
}

func (c *StorefrontConnector) path(conn *integration.Connection, resource string) string {
	version := conn.APIVersion
	if version == "" {
		version = storefrontDefaultVersion
	}
	return "/admin/api/" + version + resource
}

// nextPageInfo extracts the page_info cursor of the rel="next" link
func nextPageInfo(link string) string {
	for _, part := range strings.Split(link, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		isNext := false
		for _, attr := range segments[1:] {
			if strings.EqualFold(strings.ReplaceAll(strings.TrimSpace(attr), " ", ""), `rel="next"`) {
				isNext = true
				break
			}
		}
		if !isNext {
			continue
		}
		raw := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return u.Query().Get("page_info")
	}
	return ""
}

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

// PushStock sets quantities one product at a time. On a connection-level
// error the results gathered so far are returned together with the error.
func (c *StorefrontConnector) PushStock(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.StockUpdate) ([]integration.ItemResult, error) {
	auth := c.auth.For(conn, creds)
	results := make([]integration.ItemResult, 0, len(updates))
	for _, u := range updates {
		if err := validateExternalID(u.ExternalID); err != nil {
			results = append(results, integration.Rejected(u.ExternalID, err.Error()))
			continue
		}
		_, err := c.transport.Do(ctx, conn, Request{
			Op:     "storefront.push_stock",
			Method: http.MethodPost,
			Path:   c.path(conn, "/inventory_levels/set.json"),
			Body: map[string]any{
				"product_id": u.ExternalID,
				"available":  u.Quantity,
			},
			Auth: auth,
		})
		result, cerr := itemResult(u.ExternalID, err)
		if cerr != nil {
			return results, cerr
		}
		results = append(results, result)
	}
	return results, nil
}

// PushPrice sets prices one product at a time
func (c *StorefrontConnector) PushPrice(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.PriceUpdate) ([]integration.ItemResult, error) {
	auth := c.auth.For(conn, creds)
	results := make([]integration.ItemResult, 0, len(updates))
	for _, u := range updates {
		if err := validateExternalID(u.ExternalID); err != nil {
			results = append(results, integration.Rejected(u.ExternalID, err.Error()))
			continue
		}
		_, err := c.transport.Do(ctx, conn, Request{
			Op:     "storefront.push_price",
			Method: http.MethodPut,
			Path:   c.path(conn, "/products/"+url.PathEscape(u.ExternalID)+".json"),
			Body: map[string]any{
				"product": map[string]any{
					"id":    u.ExternalID,
					"price": u.Price.StringFixed(2),
				},
			},
			Auth: auth,
		})
		result, cerr := itemResult(u.ExternalID, err)
		if cerr != nil {
			return results, cerr
		}
		results = append(results, result)
	}
	return results, nil
}

// ---------------------------------------------------------------------------
// Webhooks & health
// ---------------------------------------------------------------------------

// VerifyWebhookSignature checks the base64 HMAC-SHA256 of the raw body
func (c *StorefrontConnector) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) error {
	if err := requireSecret(secret); err != nil {
		return err
	}
	return verifyBase64(headers.Get(StorefrontHeaderSignature), SignHMAC(secret, rawBody))
}

// ParseWebhookEvent translates a storefront notification. The topic header
// ("products/update", "inventory_levels/update", "orders/create", ...) selects
// the operation.
func (c *StorefrontConnector) ParseWebhookEvent(rawBody []byte, headers http.Header) (*integration.WebhookEvent, error) {
	eventID := strings.TrimSpace(headers.Get(StorefrontHeaderEventID))
	if eventID == "" {
		return nil, &integration.DataValidationError{Field: StorefrontHeaderEventID, Reason: "is missing"}
	}
	topic := strings.TrimSpace(headers.Get(StorefrontHeaderTopic))
	op, ok := storefrontTopicOperation(topic)
	if !ok {
		return nil, &integration.DataValidationError{ExternalID: eventID, Field: StorefrontHeaderTopic, Reason: "unsupported topic " + strconv.Quote(topic)}
	}

	var payload storefrontWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, &integration.DataValidationError{ExternalID: eventID, Field: "body", Reason: "is not valid JSON"}
	}
	externalID := payload.ID.String()
	if op == integration.OperationStockUpdate {
		externalID = firstNonEmpty(payload.ProductID.String(), externalID)
	}
	if externalID == "" {
		return nil, &integration.DataValidationError{ExternalID: eventID, Field: "id", Reason: "is missing"}
	}

	return &integration.WebhookEvent{
		EventID:     eventID,
		Topic:       topic,
		Operation:   op,
		ExternalIDs: []string{externalID},
		OccurredAt:  parseTimestamp(payload.UpdatedAt),
	}, nil
}

func storefrontTopicOperation(topic string) (integration.Operation, bool) {
	resource, _, _ := strings.Cut(topic, "/")
	switch resource {
	case "products":
		return integration.OperationProductSync, true
	case "inventory_levels":
		return integration.OperationStockUpdate, true
	case "orders":
		return integration.OperationOrderSync, true
	}
	return "", false
}

// CheckHealth reads the shop resource
func (c *StorefrontConnector) CheckHealth(ctx context.Context, conn *integration.Connection, creds integration.Credentials) error {
	_, err := c.transport.Do(ctx, conn, Request{
		Op:     "storefront.health",
		Method: http.MethodGet,
		Path:   c.path(conn, "/shop.json"),
		Auth:   c.auth.For(conn, creds),
	})
	return err
}
