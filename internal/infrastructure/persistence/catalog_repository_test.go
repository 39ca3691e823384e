package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormCatalogRepository(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewGormCatalogRepository(db)
	tenantID := uuid.New()

	products := fakeCatalog(tenantID, 6)
	products[0].Name = "  Café  Crème Mug "
	products[1].SKU = products[2].SKU
	for _, p := range products {
		require.NoError(t, repo.Upsert(ctx, p))
	}
	// Another tenant with a colliding SKU
	foreign := fakeCatalog(uuid.New(), 1)[0]
	foreign.SKU = products[3].SKU
	require.NoError(t, repo.Upsert(ctx, foreign))

	t.Run("find by id is tenant scoped", func(t *testing.T) {
		p, err := repo.FindByID(ctx, tenantID, products[4].ID)
		require.NoError(t, err)
		assert.Equal(t, products[4].SKU, p.SKU)
		assert.True(t, products[4].Price.Equal(p.Price))

		_, err = repo.FindByID(ctx, uuid.New(), products[4].ID)
		assert.ErrorIs(t, err, integration.ErrCatalogProductNotFound)
	})

	t.Run("sku lookup returns every candidate of the tenant", func(t *testing.T) {
		hits, err := repo.FindBySKU(ctx, tenantID, products[2].SKU)
		require.NoError(t, err)
		assert.Len(t, hits, 2)

		hits, err = repo.FindBySKU(ctx, tenantID, products[3].SKU)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, products[3].ID, hits[0].ID)
	})

	t.Run("barcode lookup", func(t *testing.T) {
		hits, err := repo.FindByBarcode(ctx, tenantID, products[5].Barcode)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, products[5].ID, hits[0].ID)
	})

	t.Run("empty keys match nothing", func(t *testing.T) {
		hits, err := repo.FindBySKU(ctx, tenantID, "")
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("normalized name lookup", func(t *testing.T) {
		hits, err := repo.FindByNormalizedName(ctx, tenantID, integration.NormalizeName("CAFE CREME mug"))
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, products[0].ID, hits[0].ID)
		assert.Equal(t, "cafe creme mug", hits[0].NormalizedName)
	})

	t.Run("upsert updates in place", func(t *testing.T) {
		updated := products[4]
		updated.Quantity = 7
		updated.Price = decimal.RequireFromString("19.99")
		require.NoError(t, repo.Upsert(ctx, updated))

		got, err := repo.FindByIDs(ctx, tenantID, []uuid.UUID{updated.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(7), got[0].Quantity)
		assert.True(t, decimal.RequireFromString("19.99").Equal(got[0].Price))
	})

	t.Run("find by ids", func(t *testing.T) {
		got, err := repo.FindByIDs(ctx, tenantID, []uuid.UUID{products[0].ID, products[1].ID, foreign.ID})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		none, err := repo.FindByIDs(ctx, tenantID, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestGormOrderSink_Import(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	sink := NewGormOrderSink(db)
	conn := seedConnection(t, db)
	productID := uuid.New()

	order := integration.ExternalOrder{
		ExternalID: "order-1001",
		Status:     "paid",
		Currency:   "EUR",
		Total:      decimal.RequireFromString("25.00"),
		Lines: []integration.ExternalOrderLine{
			{ExternalProductID: "ext-1", SKU: "MUG-1", Name: "Mug", Price: decimal.RequireFromString("12.50"), Quantity: 2},
		},
		UpdatedAt: time.Now().UTC(),
	}
	lines := []integration.ResolvedOrderLine{{Line: order.Lines[0], InternalProductID: productID}}

	require.NoError(t, sink.Import(ctx, conn, order, lines))

	order.Status = "fulfilled"
	require.NoError(t, sink.Import(ctx, conn, order, lines))

	n, err := sink.Count(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var row models.ImportedOrderModel
	require.NoError(t, db.First(&row, "connection_id = ? AND external_id = ?", conn.ID, "order-1001").Error)
	assert.Equal(t, "fulfilled", row.Status)
	assert.Equal(t, conn.TenantID, row.TenantID)

	var stored []models.ImportedOrderLine
	require.NoError(t, json.Unmarshal([]byte(row.Lines), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, productID, stored[0].InternalProductID)
	assert.Equal(t, int64(2), stored[0].Quantity)
}
