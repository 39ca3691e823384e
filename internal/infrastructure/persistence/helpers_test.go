package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory SQLite database with the engine schema.
// A single connection keeps the shared-cache database alive for the test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(AllModels()...))
	return db
}

// seedConnection stores an active storefront connection
func seedConnection(t *testing.T, db *gorm.DB) *integration.Connection {
	t.Helper()

	conn, err := integration.NewConnection(uuid.New(), integration.ConnectorKindStorefront, "Main shop", "https://shop.example.com", "2024-01")
	require.NoError(t, err)
	require.NoError(t, NewGormConnectionRepository(db).Save(context.Background(), conn))
	return conn
}

// enqueueJob stores a job of op for conn and returns it with its sequence
func enqueueJob(t *testing.T, q *GormJobQueue, conn *integration.Connection, op integration.Operation) *integration.SyncJob {
	t.Helper()

	job, err := integration.NewSyncJob(conn, op, integration.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

// fakeCatalog builds n catalog products of a tenant from a seeded faker
func fakeCatalog(tenantID uuid.UUID, n int) []integration.CatalogProduct {
	f := gofakeit.New(42)
	out := make([]integration.CatalogProduct, n)
	for i := range out {
		out[i] = integration.CatalogProduct{
			ID:        uuid.New(),
			TenantID:  tenantID,
			SKU:       f.Numerify("SKU-#####"),
			Barcode:   f.Numerify("#############"),
			Name:      f.ProductName(),
			Price:     decimal.NewFromFloat(f.Price(1, 500)).Round(2),
			Quantity:  int64(f.IntRange(0, 1000)),
			UpdatedAt: time.Now().UTC(),
		}
	}
	return out
}
