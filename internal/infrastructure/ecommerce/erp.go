package ecommerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erp/marketsync/internal/domain/integration"
)

// ERP webhook headers
const (
	ERPHeaderSignature = "X-Erp-Signature"
	ERPHeaderTimestamp = "X-Erp-Timestamp"
)

const (
	erpDefaultVersion = "v1"
	erpPageSize       = 100
	erpBatchSize      = 50
	// erpSignatureTolerance bounds the age of a signed notification
	erpSignatureTolerance = 5 * time.Minute
)

// ERPConnector speaks to an external ERP: HTTP Basic auth, offset/limit paging
// and batch endpoints for stock and price.
type ERPConnector struct {
	transport *Transport
	auth      *Authenticator
	now       func() time.Time
}

// NewERPConnector creates an ERP connector
func NewERPConnector(transport *Transport, auth *Authenticator) *ERPConnector {
	return &ERPConnector{transport: transport, auth: auth, now: time.Now}
}

// Kind returns the connector kind
func (c *ERPConnector) Kind() integration.ConnectorKind {
	return integration.ConnectorKindERP
}

type erpItem struct {
	ItemCode    flexID          `json:"item_code"`
	SKU         string          `json:"sku"`
	GTIN        string          `json:"gtin"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	OnHand      int64           `json:"on_hand"`
	ModifiedAt  string          `json:"modified_at"`
}

type erpOrderLine struct {
	ItemCode    flexID          `json:"item_code"`
	SKU         string          `json:"sku"`
	GTIN        string          `json:"gtin"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Qty         int64           `json:"qty"`
}

type erpOrder struct {
	OrderNo    flexID          `json:"order_no"`
	State      string          `json:"state"`
	Currency   string          `json:"currency"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	ModifiedAt string          `json:"modified_at"`
	Lines      []erpOrderLine  `json:"lines"`
}

func (it erpItem) toDomain() integration.ExternalProduct {
	return integration.ExternalProduct{
		ExternalID: it.ItemCode.String(),
		SKU:        strings.TrimSpace(it.SKU),
		Barcode:    strings.TrimSpace(it.GTIN),
		Name:       it.Description,
		Price:      it.UnitPrice,
		Quantity:   it.OnHand,
		UpdatedAt:  parseTimestamp(it.ModifiedAt),
	}
}

func (o erpOrder) toDomain() integration.ExternalOrder {
	order := integration.ExternalOrder{
		ExternalID: o.OrderNo.String(),
		Status:     o.State,
		Currency:   strings.ToUpper(o.Currency),
		Total:      o.GrandTotal,
		UpdatedAt:  parseTimestamp(o.ModifiedAt),
		Lines:      make([]integration.ExternalOrderLine, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		order.Lines = append(order.Lines, integration.ExternalOrderLine{
			ExternalProductID: l.ItemCode.String(),
			SKU:               l.SKU,
			Barcode:           l.GTIN,
			Name:              l.Description,
			Price:             l.UnitPrice,
			Quantity:          l.Qty,
		})
	}
	return order
}

type erpBatchResult struct {
	ItemCode flexID `json:"item_code"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

type erpWebhook struct {
	EventID    string   `json:"event_id"`
	EventType  string   `json:"event_type"`
	EntityIDs  []flexID `json:"entity_ids"`
	OccurredAt string   `json:"occurred_at"`
}

func (c *ERPConnector) path(conn *integration.Connection, resource string) string {
	version := conn.APIVersion
	if version == "" {
		version = erpDefaultVersion
	}
	return "/api/" + version + resource
}

// offsetCursor parses an offset cursor; empty starts at zero
func offsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, &integration.DataValidationError{Field: "cursor", Reason: "is not a valid offset"}
	}
	return offset, nil
}

func nextOffset(offset, received, total int) string {
	if received == 0 || offset+received >= total {
		return ""
	}
	return strconv.Itoa(offset + received)
}

func (c *ERPConnector) list(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, resource, cursor string, out any) (offset int, err error) {
	offset, err = offsetCursor(cursor)
	if err != nil {
		return 0, err
	}
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(erpPageSize))

	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   c.path(conn, resource),
		Query:  query,
		Auth:   c.auth.For(conn, creds),
	})
	if err != nil {
		return 0, err
	}
	if err := resp.Decode(out); err != nil {
		return 0, &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return offset, nil
}

// FetchProducts returns one page of items
func (c *ERPConnector) FetchProducts(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.ProductPage, error) {
	var payload struct {
		Items []erpItem `json:"items"`
		Total int       `json:"total"`
	}
	offset, err := c.list(ctx, conn, creds, "erp.fetch_products", "/items", cursor, &payload)
	if err != nil {
		return nil, err
	}

	page := &integration.ProductPage{
		Products:   make([]integration.ExternalProduct, 0, len(payload.Items)),
		NextCursor: nextOffset(offset, len(payload.Items), payload.Total),
	}
	for _, it := range payload.Items {
		page.Products = append(page.Products, it.toDomain())
	}
	return page, nil
}

// FetchOrders returns one page of sales orders
func (c *ERPConnector) FetchOrders(ctx context.Context, conn *integration.Connection, creds integration.Credentials, cursor string) (*integration.OrderPage, error) {
	var payload struct {
		Orders []erpOrder `json:"orders"`
		Total  int        `json:"total"`
	}
	offset, err := c.list(ctx, conn, creds, "erp.fetch_orders", "/sales-orders", cursor, &payload)
	if err != nil {
		return nil, err
	}

	page := &integration.OrderPage{
		Orders:     make([]integration.ExternalOrder, 0, len(payload.Orders)),
		NextCursor: nextOffset(offset, len(payload.Orders), payload.Total),
	}
	for _, o := range payload.Orders {
		page.Orders = append(page.Orders, o.toDomain())
	}
	return page, nil
}

// FetchProduct reads one item by its item code
func (c *ERPConnector) FetchProduct(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalProduct, error) {
	var item erpItem
	if err := c.get(ctx, conn, creds, "erp.fetch_product", "/items/", externalID, &item); err != nil {
		return nil, err
	}
	product := item.toDomain()
	return &product, nil
}

// FetchOrder reads one sales order by its number
func (c *ERPConnector) FetchOrder(ctx context.Context, conn *integration.Connection, creds integration.Credentials, externalID string) (*integration.ExternalOrder, error) {
	var o erpOrder
	if err := c.get(ctx, conn, creds, "erp.fetch_order", "/sales-orders/", externalID, &o); err != nil {
		return nil, err
	}
	order := o.toDomain()
	return &order, nil
}

func (c *ERPConnector) get(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, collection, externalID string, out any) error {
	if err := validateExternalID(externalID); err != nil {
		return err
	}
	resp, err := c.transport.Do(ctx, conn, Request{
		Op:     op,
		Method: http.MethodGet,
		Path:   c.path(conn, collection+url.PathEscape(externalID)),
		Auth:   c.auth.For(conn, creds),
	})
	if err != nil {
		return lookupError(op, externalID, err)
	}
	if err := resp.Decode(out); err != nil {
		return &integration.PermanentRequestError{Op: op, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

// PushStock sends stock levels in batches of 50
func (c *ERPConnector) PushStock(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.StockUpdate) ([]integration.ItemResult, error) {
	ids := make([]string, len(updates))
	entries := make([]map[string]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ExternalID
		entries[i] = map[string]any{"item_code": u.ExternalID, "quantity": u.Quantity}
	}
	return c.pushBatches(ctx, conn, creds, "erp.push_stock", "/stock-levels/batch", ids, entries)
}

// PushPrice sends prices in batches of 50
func (c *ERPConnector) PushPrice(ctx context.Context, conn *integration.Connection, creds integration.Credentials, updates []integration.PriceUpdate) ([]integration.ItemResult, error) {
	ids := make([]string, len(updates))
	entries := make([]map[string]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ExternalID
		entries[i] = map[string]any{"item_code": u.ExternalID, "unit_price": u.Price.StringFixed(2)}
	}
	return c.pushBatches(ctx, conn, creds, "erp.push_price", "/prices/batch", ids, entries)
}

func (c *ERPConnector) pushBatches(ctx context.Context, conn *integration.Connection, creds integration.Credentials, op, resource string, ids []string, entries []map[string]any) ([]integration.ItemResult, error) {
	auth := c.auth.For(conn, creds)
	results := make([]integration.ItemResult, 0, len(ids))
	for _, r := range chunk(len(ids), erpBatchSize) {
		batchIDs := ids[r[0]:r[1]]
		resp, err := c.transport.Do(ctx, conn, Request{
			Op:     op,
			Method: http.MethodPost,
			Path:   c.path(conn, resource),
			Body:   map[string]any{"updates": entries[r[0]:r[1]]},
			Auth:   auth,
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
			Results []erpBatchResult `json:"results"`
		}
		if err := resp.Decode(&payload); err != nil {
			results = append(results, rejectAll(batchIDs, "unreadable batch response")...)
			continue
		}
		byID := make(map[string]erpBatchResult, len(payload.Results))
		for _, res := range payload.Results {
			byID[res.ItemCode.String()] = res
		}
		for _, id := range batchIDs {
			res, ok := byID[id]
			switch {
			case !ok:
				results = append(results, integration.Rejected(id, "no result returned"))
			case strings.EqualFold(res.Status, "ok"):
				results = append(results, integration.Succeeded(id))
			case strings.EqualFold(res.Status, "throttled"):
				results = append(results, integration.RateLimited(id))
			default:
				results = append(results, integration.Rejected(id, firstNonEmpty(res.Message, res.Status)))
			}
		}
	}
	return results, nil
}

func rejectAll(ids []string, reason string) []integration.ItemResult {
	out := make([]integration.ItemResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, integration.Rejected(id, reason))
	}
	return out
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of "timestamp.body" and
// rejects notifications signed too long ago.
func (c *ERPConnector) VerifyWebhookSignature(rawBody []byte, headers http.Header, secret string) error {
	if err := requireSecret(secret); err != nil {
		return err
	}
	timestamp := strings.TrimSpace(headers.Get(ERPHeaderTimestamp))
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &integration.SecurityError{Reason: "missing or malformed timestamp"}
	}
	age := c.now().Sub(time.Unix(unix, 0))
	if age > erpSignatureTolerance || age < -erpSignatureTolerance {
		return &integration.SecurityError{Reason: "timestamp outside tolerance"}
	}
	expected := SignHMAC(secret, []byte(timestamp), []byte("."), rawBody)
	return verifyHex(headers.Get(ERPHeaderSignature), expected)
}

// ParseWebhookEvent translates an ERP notification ("item.updated",
// "stock.changed", "price.changed", "order.created", ...)
func (c *ERPConnector) ParseWebhookEvent(rawBody []byte, _ http.Header) (*integration.WebhookEvent, error) {
	var payload erpWebhook
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, &integration.DataValidationError{Field: "body", Reason: "is not valid JSON"}
	}
	if payload.EventID == "" {
		return nil, &integration.DataValidationError{Field: "event_id", Reason: "is missing"}
	}
	op, ok := erpEventOperation(payload.EventType)
	if !ok {
		return nil, &integration.DataValidationError{ExternalID: payload.EventID, Field: "event_type", Reason: "unsupported type " + strconv.Quote(payload.EventType)}
	}
	ids := flexIDs(payload.EntityIDs)
	if len(ids) == 0 {
		return nil, &integration.DataValidationError{ExternalID: payload.EventID, Field: "entity_ids", Reason: "is empty"}
	}
	return &integration.WebhookEvent{
		EventID:     payload.EventID,
		Topic:       payload.EventType,
		Operation:   op,
		ExternalIDs: ids,
		OccurredAt:  parseTimestamp(payload.OccurredAt),
	}, nil
}

func erpEventOperation(eventType string) (integration.Operation, bool) {
	entity, _, _ := strings.Cut(eventType, ".")
	switch entity {
	case "item":
		return integration.OperationProductSync, true
	case "stock":
		return integration.OperationStockUpdate, true
	case "price":
		return integration.OperationPriceUpdate, true
	case "order":
		return integration.OperationOrderSync, true
	}
	return "", false
}

// CheckHealth pings the API
func (c *ERPConnector) CheckHealth(ctx context.Context, conn *integration.Connection, creds integration.Credentials) error {
	_, err := c.transport.Do(ctx, conn, Request{
		Op:     "erp.health",
		Method: http.MethodGet,
		Path:   c.path(conn, "/ping"),
		Auth:   c.auth.For(conn, creds),
	})
	return err
}
