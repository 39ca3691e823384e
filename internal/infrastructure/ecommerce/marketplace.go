package ecommerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/erp/marketsync/internal/domain/integration"
)

// Marketplace headers
const (
	MarketplaceHeaderSignature        = "X-Marketplace-Signature"
	MarketplaceHeaderRequestSignature = "X-Marketplace-Request-Signature"
	MarketplaceHeaderTimestamp        = "X-Marketplace-Timestamp"
	MarketplaceHeaderClientID         = "X-Marketplace-Client-Id"

	marketplaceSignaturePrefix = "sha256="
)

const (
	marketplaceDefaultVersion = "v1"
	marketplacePageSize       = 50
	marketplaceBatchSize      = 20
)

// MarketplaceConnector speaks to a marketplace seller API: OAuth2 client
// credentials, next_token paging, signed batch requests of 20 entries.
type MarketplaceConnector struct {
	transport *Transport
	auth      *Authenticator
	now       func() time.Time
}

// NewMarketplaceConnector creates a marketplace connector
func NewMarketplaceConnector(transport *Transport, auth *Authenticator) *MarketplaceConnector {
	return &MarketplaceConnector{transport: transport, auth: auth, now: time.Now}
}

// Kind returns the connector kind
func (c *MarketplaceConnector) Kind() integration.ConnectorKind {
	return integration.ConnectorKindMarketplace
}

type marketplaceMoney struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type marketplaceListing struct {
	ListingID   flexID           `json:"listing_id"`
	SellerSKU   string           `json:"seller_sku"`
	GTIN        string           `json:"gtin"`
	Title       string           `json:"title"`
	Price       marketplaceMoney `json:"price"`
	Quantity    int64            `json:"quantity"`
	LastUpdated string           `json:"last_updated"`
}

type marketplaceOrderItem struct {
	ListingID flexID          `json:"listing_id"`
	SellerSKU string          `json:"seller_sku"`
	GTIN      string          `json:"gtin"`
	Title     string          `json:"title"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
}

type marketplaceOrder struct {
	OrderID     flexID                 `json:"order_id"`
	OrderStatus string                 `json:"order_status"`
	OrderTotal  marketplaceMoney       `json:"order_total"`
	LastUpdated string                 `json:"last_updated"`
	Items       []marketplaceOrderItem `json:"items"`
}

func (l marketplaceListing) toDomain() integration.ExternalProduct {
	return integration.ExternalProduct{
		ExternalID: l.ListingID.String(),
		SKU:        strings.TrimSpace(l.SellerSKU),
		Barcode:    strings.TrimSpace(l.GTIN),
		Name:       l.Title,
		Price:      l.Price.Amount,
		Quantity:   l.Quantity,
		UpdatedAt:  parseTimestamp(l.LastUpdated),
	}
}

func (o marketplaceOrder) toDomain() integration.ExternalOrder {
	order := integration.ExternalOrder{
		ExternalID: o.OrderID.String(),
		Status:     strings.ToLower(o.OrderStatus),
		Currency:   strings.ToUpper(o.OrderTotal.Currency),
		Total:      o.OrderTotal.Amount,
		UpdatedAt:  parseTimestamp(o.LastUpdated),
		Lines:      make([]integration.ExternalOrderLine, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		order.Lines = append(order.Lines, integration.ExternalOrderLine{
			ExternalProductID: it.ListingID.String(),
			SKU:               it.SellerSKU,
			Barcode:           it.GTIN,
			Name:              it.Title,
			Price:             it.UnitPrice,
			Quantity:          it.Quantity,
		})
	}
	return order
}

type marketplaceBatchResponse struct {
	ListingID flexID `json:"listing_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

type marketplaceNotification struct {
	NotificationID   string `json:"notification_id"`
	NotificationType string `json:"notification_type"`
	EventTime        string `json:"event_time"`
	Payload          struct {
		ListingIDs []flexID `json:"listing_ids"`
		OrderID    flexID   `json:"order_id"`
	} `json:"payload"`
}

func (c *MarketplaceConnector) path(conn *integration.Connection, resource string) string {
	version := conn.APIVersion
	if version == "" {
		version = marketplaceDefaultVersion
	}
	return "/" + version + resource
}

// signer adds the request signature: hex HMAC-SHA256 keyed with the client
// secret over "METHOD\npath\ntimestamp\nbody".
func (c *MarketplaceConnector) signer(creds integration.Credentials, method, path string) func(r *resty.Request, body []byte) {
	return func(r *resty.Request, body []byte) {
		timestamp := strconv.FormatInt(c.now().Unix(), 10)
		r.SetHeader(MarketplaceHeaderTimestamp, timestamp)
		r.SetHeader(MarketplaceHeaderClientID, creds.ClientID)
		r.SetHeader(MarketplaceHeaderRequestSignature, SignHMACHex(creds.ClientSecret,
			[]byte(method), []byte("\n"), []byte(path), []byte("\n"), []byte(timestamp), []byte("\n"), body))
	}
}

func (c *MarketplaceConnector) list(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, resource, cursor string, out any) error {
	query := url.Values{}
	query.Set("max_results", strconv.Itoa(marketplacePageSize))
	if cursor != "" {
		query.Set("next_token", cursor)
	}
	path := c.path(conn, resource)
	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   path,
		Query:  query,
		Auth:   c.auth.For(conn, creds),
		Sign:   c.signer(creds, http.MethodGet, path),
	})
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

// FetchProducts returns one page of listings
func (c *MarketplaceConnector) FetchProducts(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.ProductPage, error) {
	var payload struct {
		Listings  []marketplaceListing `json:"listings"`
		NextToken string               `json:"next_token"`
	}
	if err := c.list(ctx, conn, creds, "marketplace.fetch_products", "/listings", cursor, &payload); err != nil {
		return nil, err
	}

	page := &integration.ProductPage{
		Products:   make([]integration.ExternalProduct, 0, len(payload.Listings)),
		NextCursor: payload.NextToken,
	}
	for _, l := range payload.Listings {
		page.Products = append(page.Products, l.toDomain())
	}
	return page, nil
}

// FetchOrders returns one page of orders
func (c *MarketplaceConnector) FetchOrders(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.OrderPage, error) {
	var payload struct {
		Orders    []marketplaceOrder `json:"orders"`
		NextToken string             `json:"next_token"`
	}
	if err := c.list(ctx, conn, creds, "marketplace.fetch_orders", "/orders", cursor, &payload); err != nil {
		return nil, err
	}

	page := &integration.OrderPage{
		Orders:     make([]integration.ExternalOrder, 0, len(payload.Orders)),
		NextCursor: payload.NextToken,
	}
	for _, o := range payload.Orders {
		page.Orders = append(page.Orders, o.toDomain())
	}
	return page, nil
}

// FetchProduct reads one listing by ID
func (c *MarketplaceConnector) FetchProduct(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalProduct, error) {
	var l marketplaceListing
	if err := c.get(ctx, conn, creds, "marketplace.fetch_product", "/listings/", externalID, &l); err != nil {
		return nil, err
	}
	product := l.toDomain()
	return &product, nil
}

// FetchOrder reads one order by ID
func (c *MarketplaceConnector) FetchOrder(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalOrder, error) {
	var o marketplaceOrder
	if err := c.get(ctx, conn, creds, "marketplace.fetch_order", "/orders/", externalID, &o); err != nil {
		return nil, err
	}
	order := o.toDomain()
	return &order, nil
}

func (c *MarketplaceConnector) get(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, collection, externalID string, out any) error {
	if err := validateExternalID(externalID); err != nil {
		return err
	}
	path := c.path(conn, collection+url.PathEscape(externalID))
	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   path,
		Auth:   c.auth.For(conn, creds),
		Sign:   c.signer(creds, http.MethodGet, path),
	})
	if err != nil {
		return lookupError(op, externalID, err)
	}
	if err := resp.Decode(out); err != nil {
		return &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

// PushStock sends quantities in signed batches of 20
func (c *MarketplaceConnector) PushStock(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.StockUpdate) ([]integration.ItemResult, error) {
	ids := make([]string, len(updates))
	entries := make([]map[string]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ExternalID
		entries[i] = map[string]any{"listing_id": u.ExternalID, "quantity": u.Quantity}
	}
	return c.pushBatches(ctx, conn, creds, "marketplace.push_stock", "/inventory/batch", ids, entries)
}

// PushPrice sends prices in signed batches of 20
func (c *MarketplaceConnector) PushPrice(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.PriceUpdate) ([]integration.ItemResult, error) {
	ids := make([]string, len(updates))
	entries := make([]map[string]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ExternalID
		entries[i] = map[string]any{
			"listing_id": u.ExternalID,
			"price":      map[string]any{"amount": u.Price.StringFixed(2)},
		}
	}
	return c.pushBatches(ctx, conn, creds, "marketplace.push_price", "/pricing/batch", ids, entries)
}

func (c *MarketplaceConnector) pushBatches(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, resource string, ids []string, entries []map[string]any) ([]integration.ItemResult, error) {
	auth := c.auth.For(conn, creds)
	path := c.path(conn, resource)
	results := make([]integration.ItemResult, 0, len(ids))
	for _, r := range chunk(len(ids), marketplaceBatchSize) {
		batchIDs := ids[r[0]:r[1]]
		resp, err := c.transport.Do(ctx, conn, Request{
			Op:     op,
			Method: http.MethodPost,
			Path:   path,
			Body:   map[string]any{"entries": entries[r[0]:r[1]]},
			Auth:   auth,
			Sign:   c.signer(creds, http.MethodPost, path),
		})
		if err != nil {
			failed, cerr := batchFailure(batchIDs, err)
			if cerr != nil {
				return results, cerr
			}
			results = append(results, failed...)
			continue
		}

		var payload struct {
			Responses []marketplaceBatchResponse `json:"responses"`
		}
		if err := resp.Decode(&payload); err != nil {
			results = append(results, rejectAll(batchIDs, "unreadable batch response")...)
			continue
		}
		byID := make(map[string]marketplaceBatchResponse, len(payload.Responses))
		for _, res := range payload.Responses {
			byID[res.ListingID.String()] = res
		}
		for _, id := range batchIDs {
			res, ok := byID[id]
			switch {
			case !ok:
				results = append(results, integration.Rejected(id, "no result returned"))
			case strings.EqualFold(res.Status, "ACCEPTED"):
				results = append(results, integration.Succeeded(id))
			case strings.EqualFold(res.Status, "THROTTLED"):
				results = append(results, integration.RateLimited(id))
			default:
				results = append(results, integration.Rejected(id, firstNonEmpty(res.Reason, res.Status)))
			}
		}
	}
	return results, nil
}

// VerifyWebhookSignature checks "sha256=<hex>" against the HMAC-SHA256 of the body
func (c *MarketplaceConnector) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) error {
	if err := requireSecret(secret); err != nil {
		return err
	}
	header := strings.TrimSpace(headers.Get(MarketplaceHeaderSignature))
	if header == "" {
		return &integration.SecurityError{Reason: "missing signature"}
	}
	provided, ok := strings.CutPrefix(header, marketplaceSignaturePrefix)
	if !ok {
		return &integration.SecurityError{Reason: "unsupported signature scheme"}
	}
	return verifyHex(provided, SignHMAC(secret, rawBody))
}

// ParseWebhookEvent translates a marketplace notification
func (c *MarketplaceConnector) ParseWebhookEvent(rawBody []byte, _ http.Header) (*integration.WebhookEvent, error) {
	var payload marketplaceNotification
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, &integration.DataValidationError{Field: "body", Reason: "is not valid JSON"}
	}
	if payload.NotificationID == "" {
		return nil, &integration.DataValidationError{Field: "notification_id", Reason: "is missing"}
	}

	var (
		op  integration.Operation
		ids []string
	)
	switch strings.ToUpper(payload.NotificationType) {
	case "LISTING_CHANGED":
		op, ids = integration.OperationProductSync, flexIDs(payload.Payload.ListingIDs)
	case "INVENTORY_CHANGED":
		op, ids = integration.OperationStockUpdate, flexIDs(payload.Payload.ListingIDs)
	case "PRICE_CHANGED":
		op, ids = integration.OperationPriceUpdate, flexIDs(payload.Payload.ListingIDs)
	case "ORDER_CHANGED":
		op = integration.OperationOrderSync
		if id := payload.Payload.OrderID.String(); id != "" {
			ids = []string{id}
		}
	default:
		return nil, &integration.DataValidationError{ExternalID: payload.NotificationID, Field: "notification_type",
			Reason: "unsupported type " + strconv.Quote(payload.NotificationType)}
	}
	if len(ids) == 0 {
		return nil, &integration.DataValidationError{ExternalID: payload.NotificationID, Field: "payload", Reason: "names no records"}
	}

	return &integration.WebhookEvent{
		EventID:     payload.NotificationID,
		Topic:       payload.NotificationType,
		Operation:   op,
		ExternalIDs: ids,
		OccurredAt:  parseTimestamp(payload.EventTime),
	}, nil
}

// CheckHealth reads the seller account
func (c *MarketplaceConnector) CheckHealth(ctx context.Context, conn *integration.Connection, creds integration.Credentials) error {
	path := c.path(conn, "/sellers/me")
	_, err := c.transport.Do(ctx, conn, Request{
		Op:     "marketplace.health",
		Method: http.MethodGet,
		Path:   path,
		Auth:   c.auth.For(conn, creds),
		Sign:   c.signer(creds, http.MethodGet, path),
	})
	return err
}
