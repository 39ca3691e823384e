package ecommerce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/marketsync/internal/domain/integration"
)

const storefrontProductsPage1 = `{"products":[
  {"id":1001,"title":"Walnut Desk","sku":"DESK-01","barcode":"4006381333931","price":"249.00","inventory_quantity":7,"updated_at":"2024-03-01T10:00:00Z"},
  {"id":1002,"title":"Oak Chair","sku":"CHAIR-02","barcode":"","price":"89.50","inventory_quantity":0,"updated_at":"2024-03-01T11:00:00Z"}
]}`

const storefrontProductsPage2 = `{"products":[
  {"id":"1003","title":"Desk Lamp","sku":" LAMP-03 ","price":19.99,"inventory_quantity":42,"updated_at":"2024-03-02T09:30:00Z"}
]}`

const storefrontOrders = `{"orders":[
  {"id":5001,"financial_status":"paid","currency":"usd","total_price":"338.50","updated_at":"2024-03-03T08:00:00Z",
   "line_items":[
     {"product_id":1001,"sku":"DESK-01","title":"Walnut Desk","price":"249.00","quantity":1},
     {"product_id":1002,"sku":"CHAIR-02","title":"Oak Chair","price":"89.50","quantity":1}
   ]}
]}`

func newStorefrontServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sf_test_token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/admin/api/2024-01/products.json":
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			if r.URL.Query().Get("page_info") == "" {
				w.Header().Set("Link", `<https://shop.example.com/admin/api/2024-01/products.json?limit=50&page_info=abc123>; rel="next"`)
				_, _ = io.WriteString(w, storefrontProductsPage1)
				return
			}
			assert.Equal(t, "abc123", r.URL.Query().Get("page_info"))
			w.Header().Set("Link", `<https://shop.example.com/admin/api/2024-01/products.json?limit=50&page_info=xyz>; rel="previous"`)
			_, _ = io.WriteString(w, storefrontProductsPage2)
		case "/admin/api/2024-01/orders.json":
			assert.Equal(t, "any", r.URL.Query().Get("status"))
			_, _ = io.WriteString(w, storefrontOrders)
		case "/admin/api/2024-01/products/1001.json":
			_, _ = io.WriteString(w, `{"product":{"id":1001,"title":"Walnut Desk","sku":"DESK-01","barcode":"4006381333931","price":"249.00","inventory_quantity":7}}`)
		case "/admin/api/2024-01/orders/5001.json":
			_, _ = io.WriteString(w, `{"order":{"id":5001,"financial_status":"paid","currency":"eur","total_price":"249.00",
			  "line_items":[{"product_id":1001,"sku":"DESK-01","title":"Walnut Desk","price":"249.00","quantity":1}]}}`)
		case "/admin/api/2024-01/shop.json":
			_, _ = io.WriteString(w, `{"shop":{"id":1}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestStorefrontConnector_FetchProducts(t *testing.T) {
	srv := newStorefrontServer(t)
	defer srv.Close()

	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)
	creds := bearerCredentials(conn)
	ctx := context.Background()

	page, err := c.FetchProducts(ctx, conn, creds, "")
	require.NoError(t, err)
	require.Len(t, page.Products, 2)
	assert.Equal(t, "abc123", page.NextCursor)
	assert.False(t, page.Done())

	desk := page.Products[0]
	assert.Equal(t, "1001", desk.ExternalID)
	assert.Equal(t, "DESK-01", desk.SKU)
	assert.Equal(t, "4006381333931", desk.Barcode)
	assert.Equal(t, "Walnut Desk", desk.Name)
	assert.True(t, decimal.RequireFromString("249").Equal(desk.Price))
	assert.Equal(t, int64(7), desk.Quantity)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), desk.UpdatedAt)

	page, err = c.FetchProducts(ctx, conn, creds, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.True(t, page.Done())
	assert.Equal(t, "1003", page.Products[0].ExternalID)
	assert.Equal(t, "LAMP-03", page.Products[0].SKU)
	assert.True(t, decimal.RequireFromString("19.99").Equal(page.Products[0].Price))
}

func TestStorefrontConnector_FetchOrders(t *testing.T) {
	srv := newStorefrontServer(t)
	defer srv.Close()

	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)

	page, err := c.FetchOrders(context.Background(), conn, bearerCredentials(conn), "")
	require.NoError(t, err)
	require.Len(t, page.Orders, 1)
	assert.True(t, page.Done())

	order := page.Orders[0]
	assert.Equal(t, "5001", order.ExternalID)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, "paid", order.Status)
	require.Len(t, order.Lines, 2)
	assert.Equal(t, "1002", order.Lines[1].ExternalProductID)
	assert.Equal(t, int64(1), order.Lines[1].Quantity)
}

func TestStorefrontConnector_FetchByID(t *testing.T) {
	srv := newStorefrontServer(t)
	defer srv.Close()

	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)
	creds := bearerCredentials(conn)
	ctx := context.Background()

	t.Run("product", func(t *testing.T) {
		product, err := c.FetchProduct(ctx, conn, creds, "1001")
		require.NoError(t, err)
		assert.Equal(t, "1001", product.ExternalID)
		assert.Equal(t, "DESK-01", product.SKU)
		assert.Equal(t, int64(7), product.Quantity)
	})

	t.Run("order", func(t *testing.T) {
		order, err := c.FetchOrder(ctx, conn, creds, "5001")
		require.NoError(t, err)
		assert.Equal(t, "EUR", order.Currency)
		require.Len(t, order.Lines, 1)
		assert.Equal(t, "1001", order.Lines[0].ExternalProductID)
	})

	t.Run("missing records are not found", func(t *testing.T) {
		_, err := c.FetchProduct(ctx, conn, creds, "9999")
		var notFound *integration.RecordNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "9999", notFound.ExternalID)
		assert.Equal(t, integration.FailureKindNotFound, integration.FailureKindOf(err))

		_, err = c.FetchOrder(ctx, conn, creds, "404")
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("reserved characters never reach the remote", func(t *testing.T) {
		_, err := c.FetchProduct(ctx, conn, creds, "../shop")
		var invalid *integration.DataValidationError
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestStorefrontConnector_PushStock(t *testing.T) {
	t.Run("per item outcomes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/admin/api/2024-01/inventory_levels/set.json", r.URL.Path)
			var body struct {
				ProductID string `json:"product_id"`
				Available int64  `json:"available"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			switch body.ProductID {
			case "bad":
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = io.WriteString(w, `{"errors":"inventory item not stocked"}`)
			case "busy":
				w.WriteHeader(http.StatusTooManyRequests)
			default:
				_, _ = io.WriteString(w, `{"inventory_level":{}}`)
			}
		}))
		defer srv.Close()

		c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
		conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)

		results, err := c.PushStock(context.Background(), conn, bearerCredentials(conn), []integration.StockUpdate{
			{ExternalID: "1001", Quantity: 3},
			{ExternalID: "bad", Quantity: 1},
			{ExternalID: "busy", Quantity: 1},
			{ExternalID: "a/b", Quantity: 1},
		})
		require.NoError(t, err)
		require.Len(t, results, 4)
		assert.Equal(t, integration.ItemOutcomeSuccess, results[0].Outcome)
		assert.Equal(t, integration.ItemOutcomeRejected, results[1].Outcome)
		assert.Equal(t, "inventory item not stocked", results[1].Reason)
		assert.Equal(t, integration.ItemOutcomeRateLimited, results[2].Outcome)
		assert.Equal(t, integration.ItemOutcomeRejected, results[3].Outcome)
	})

	t.Run("default limit paces sequential pushes", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_, _ = io.WriteString(w, `{}`)
		}))
		defer srv.Close()

		c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
		conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)
		perSecond, burst := conn.Kind.DefaultRateLimit()
		require.Equal(t, float64(2), perSecond)
		require.NoError(t, conn.SetRateLimit(perSecond, burst))

		updates := make([]integration.StockUpdate, 10)
		for i := range updates {
			updates[i] = integration.StockUpdate{ExternalID: string(rune('a' + i)), Quantity: int64(i)}
		}

		start := time.Now()
		results, err := c.PushStock(context.Background(), conn, bearerCredentials(conn), updates)
		elapsed := time.Since(start)

		require.NoError(t, err)
		require.Len(t, results, 10)
		for _, r := range results {
			assert.Equal(t, integration.ItemOutcomeSuccess, r.Outcome)
		}
		assert.Equal(t, int32(10), hits.Load())
		assert.GreaterOrEqual(t, elapsed, 4500*time.Millisecond)
	})

	t.Run("authentication failure stops the push", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) > 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{}`)
		}))
		defer srv.Close()

		c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
		conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)

		results, err := c.PushStock(context.Background(), conn, bearerCredentials(conn), []integration.StockUpdate{
			{ExternalID: "1", Quantity: 1},
			{ExternalID: "2", Quantity: 1},
			{ExternalID: "3", Quantity: 1},
		})
		var auth *integration.AuthenticationError
		require.ErrorAs(t, err, &auth)
		require.Len(t, results, 1)
		assert.Equal(t, "1", results[0].ExternalID)
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestStorefrontConnector_PushPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/admin/api/2024-01/products/1001.json", r.URL.Path)
		var body struct {
			Product struct {
				Price string `json:"price"`
			} `json:"product"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "12.50", body.Product.Price)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)

	results, err := c.PushPrice(context.Background(), conn, bearerCredentials(conn), []integration.PriceUpdate{
		{ExternalID: "1001", Price: decimal.RequireFromString("12.5")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, integration.ItemOutcomeSuccess, results[0].Outcome)
}

func TestStorefrontConnector_Webhook(t *testing.T) {
	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	body := []byte(`{"id":1001,"title":"Walnut Desk","updated_at":"2024-03-01T10:00:00Z"}`)
	secret := "whsec_storefront"

	signed := func(sig string) http.Header {
		h := http.Header{}
		h.Set(StorefrontHeaderSignature, sig)
		h.Set(StorefrontHeaderEventID, "E1")
		h.Set(StorefrontHeaderTopic, "products/update")
		return h
	}

	t.Run("valid signature", func(t *testing.T) {
		assert.NoError(t, c.VerifyWebhookSignature(body, signed(SignHMACBase64(secret, body)), secret))
	})

	t.Run("signature failures", func(t *testing.T) {
		tests := []struct {
			name    string
			headers http.Header
			body    []byte
			secret  string
		}{
			{name: "tampered body", headers: signed(SignHMACBase64(secret, body)), body: []byte(`{"id":1002}`), secret: secret},
			{name: "wrong secret", headers: signed(SignHMACBase64("other", body)), body: body, secret: secret},
			{name: "missing header", headers: http.Header{}, body: body, secret: secret},
			{name: "not base64", headers: signed("%%%"), body: body, secret: secret},
			{name: "no secret configured", headers: signed(SignHMACBase64(secret, body)), body: body, secret: ""},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := c.VerifyWebhookSignature(tt.body, tt.headers, tt.secret)
				var security *integration.SecurityError
				require.ErrorAs(t, err, &security)
				assert.NotContains(t, err.Error(), SignHMACBase64(secret, tt.body))
			})
		}
	})

	t.Run("parse", func(t *testing.T) {
		event, err := c.ParseWebhookEvent(body, signed(""))
		require.NoError(t, err)
		assert.Equal(t, "E1", event.EventID)
		assert.Equal(t, integration.OperationProductSync, event.Operation)
		assert.Equal(t, []string{"1001"}, event.ExternalIDs)

		h := signed("")
		h.Set(StorefrontHeaderTopic, "inventory_levels/update")
		event, err = c.ParseWebhookEvent([]byte(`{"inventory_item_id":9,"product_id":"1002"}`), h)
		require.NoError(t, err)
		assert.Equal(t, integration.OperationStockUpdate, event.Operation)
		assert.Equal(t, []string{"1002"}, event.ExternalIDs)
	})

	t.Run("parse failures", func(t *testing.T) {
		noEvent := signed("")
		noEvent.Del(StorefrontHeaderEventID)
		unknownTopic := signed("")
		unknownTopic.Set(StorefrontHeaderTopic, "themes/publish")

		tests := []struct {
			name    string
			body    []byte
			headers http.Header
		}{
			{name: "missing event id", body: body, headers: noEvent},
			{name: "unknown topic", body: body, headers: unknownTopic},
			{name: "malformed json", body: []byte(`{"id":`), headers: signed("")},
			{name: "missing id", body: []byte(`{}`), headers: signed("")},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := c.ParseWebhookEvent(tt.body, tt.headers)
				var invalid *integration.DataValidationError
				assert.ErrorAs(t, err, &invalid)
			})
		}
	})
}

func TestStorefrontConnector_CheckHealth(t *testing.T) {
	srv := newStorefrontServer(t)
	defer srv.Close()

	c := NewStorefrontConnector(newTestTransport(t), NewAuthenticator(nil))
	conn := newTestConnection(t, integration.ConnectorKindStorefront, srv.URL)
	assert.NoError(t, c.CheckHealth(context.Background(), conn, bearerCredentials(conn)))

	creds := bearerCredentials(conn)
	creds.Token = "revoked"
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()
	conn = newTestConnection(t, integration.ConnectorKindStorefront, unauthorized.URL)
	var auth *integration.AuthenticationError
	assert.ErrorAs(t, c.CheckHealth(context.Background(), conn, creds), &auth)
}

func TestNextPageInfo(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
	}{
		{name: "empty", link: "", want: ""},
		{name: "next only", link: `<https://x.test/p.json?page_info=n1&limit=50>; rel="next"`, want: "n1"},
		{name: "previous and next", link: `<https://x.test/p.json?page_info=p0>; rel="previous", <https://x.test/p.json?page_info=n2>; rel="next"`, want: "n2"},
		{name: "previous only", link: `<https://x.test/p.json?page_info=p0>; rel="previous"`, want: ""},
		{name: "spaced rel", link: `<https://x.test/p.json?page_info=n3>; rel = "next"`, want: "n3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextPageInfo(tt.link))
		})
	}
}
