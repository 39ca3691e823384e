package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/erp/marketsync/internal/domain/integration"
)

func TestExecutorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  ExecutorConfig
		wantErr bool
	}{
		{"defaults", DefaultExecutorConfig(), false},
		{"no workers", ExecutorConfig{WorkerCount: 0, PushBatchSize: 10}, true},
		{"no batch size", ExecutorConfig{WorkerCount: 2, PushBatchSize: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecutor_ProductSync(t *testing.T) {
	ctx := context.Background()

	t.Run("four matched and one unknown make a partial run", func(t *testing.T) {
		f := newFixture(t)
		for _, sku := range []string{"SKU-1", "SKU-2", "SKU-3", "SKU-4"} {
			f.addProduct(t, sku, 5, "9.99")
		}
		page := &integration.ProductPage{Products: []integration.ExternalProduct{
			external("ext-1", "SKU-1"),
			external("ext-2", "SKU-2"),
			external("ext-3", "SKU-3"),
			external("ext-4", "SKU-4"),
			external("ext-5", "SKU-404"),
		}}
		f.connector.On("FetchProducts", mock.Anything, mock.Anything, mock.Anything, "").Return(page, nil).Once()

		job := f.enqueue(t, integration.OperationProductSync)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationProductSync)
		assert.Equal(t, integration.RunStatusPartial, run.Status)
		assert.Equal(t, 5, run.RecordsProcessed)
		assert.Equal(t, 4, run.SuccessCount)
		assert.Equal(t, 1, run.FailedCount)
		assert.Equal(t, job.Sequence, run.Sequence)

		detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
		require.NoError(t, err)
		require.Len(t, detail.Failures, 1)
		assert.Equal(t, "ext-5", detail.Failures[0].ExternalID)
		assert.Equal(t, integration.FailureKindUnmapped, detail.Failures[0].Kind)

		mapping, err := f.mappings.FindByExternalID(ctx, f.conn.ID, "ext-2")
		require.NoError(t, err)
		assert.Equal(t, integration.MatchTypeSKU, mapping.MatchType)

		unmapped, err := f.mappings.FindByExternalID(ctx, f.conn.ID, "ext-5")
		require.NoError(t, err, "the unmatched record keeps a mapping row")
		assert.Equal(t, integration.MatchTypeUnmapped, unmapped.MatchType)
		assert.Nil(t, unmapped.InternalProductID)
		assert.Equal(t, "SKU-404", unmapped.ExternalSKU)

		cp, err := f.ledger.Get(ctx, f.conn.ID, integration.OperationProductSync)
		require.NoError(t, err)
		assert.Equal(t, job.Sequence, cp.LastSequence)
		assert.Empty(t, cp.ResumeCursor)
	})

	t.Run("pages are followed to the end", func(t *testing.T) {
		f := newFixture(t)
		f.addProduct(t, "SKU-1", 5, "9.99")
		f.addProduct(t, "SKU-2", 5, "9.99")
		f.connector.On("FetchProducts", mock.Anything, mock.Anything, mock.Anything, "").
			Return(&integration.ProductPage{Products: []integration.ExternalProduct{external("ext-1", "SKU-1")}, NextCursor: "p2"}, nil).Once()
		f.connector.On("FetchProducts", mock.Anything, mock.Anything, mock.Anything, "p2").
			Return(&integration.ProductPage{Products: []integration.ExternalProduct{external("ext-2", "SKU-2")}}, nil).Once()

		f.enqueue(t, integration.OperationProductSync)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationProductSync)
		assert.Equal(t, integration.RunStatusCompleted, run.Status)
		assert.Equal(t, 2, run.SuccessCount)
		f.connector.AssertExpectations(t)
	})

	t.Run("malformed record fails validation only", func(t *testing.T) {
		f := newFixture(t)
		f.addProduct(t, "SKU-1", 5, "9.99")
		broken := external("ext-2", "SKU-2")
		broken.Name = ""
		f.connector.On("FetchProducts", mock.Anything, mock.Anything, mock.Anything, "").
			Return(&integration.ProductPage{Products: []integration.ExternalProduct{external("ext-1", "SKU-1"), broken}}, nil).Once()

		f.enqueue(t, integration.OperationProductSync)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationProductSync)
		detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
		require.NoError(t, err)
		require.Len(t, detail.Failures, 1)
		assert.Equal(t, integration.FailureKindValidation, detail.Failures[0].Kind)
		assert.Contains(t, detail.Failures[0].Reason, "Name")
		assert.Equal(t, 1, run.SuccessCount)
	})

	t.Run("scoped job looks up only its records", func(t *testing.T) {
		f := newFixture(t)
		f.addProduct(t, "SKU-1", 5, "9.99")
		f.addProduct(t, "SKU-2", 5, "9.99")
		ext2 := external("ext-2", "SKU-2")
		f.connector.On("FetchProduct", mock.Anything, mock.Anything, mock.Anything, "ext-2").Return(&ext2, nil).Once()
		f.connector.On("FetchProduct", mock.Anything, mock.Anything, mock.Anything, "ext-gone").
			Return(nil, &integration.RecordNotFoundError{Op: "fetch product", ExternalID: "ext-gone"}).Once()

		f.enqueue(t, integration.OperationProductSync, "ext-2", "ext-gone")
		f.runNext(t)

		run := f.latestRun(t, integration.OperationProductSync)
		assert.Equal(t, integration.RunStatusPartial, run.Status)
		assert.Equal(t, 2, run.RecordsProcessed)
		assert.Equal(t, 1, run.SuccessCount)
		assert.Equal(t, 1, run.FailedCount)

		detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
		require.NoError(t, err)
		require.Len(t, detail.Failures, 1)
		assert.Equal(t, "ext-gone", detail.Failures[0].ExternalID)
		assert.Equal(t, integration.FailureKindNotFound, detail.Failures[0].Kind)

		_, err = f.mappings.FindByExternalID(ctx, f.conn.ID, "ext-1")
		assert.ErrorIs(t, err, integration.ErrMappingNotFound)
		f.connector.AssertNotCalled(t, "FetchProducts", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestExecutor_Push(t *testing.T) {
	ctx := context.Background()

	t.Run("per-item outcomes across batches", func(t *testing.T) {
		f := newFixture(t)
		p1 := f.addProduct(t, "SKU-1", 7, "1.00")
		p2 := f.addProduct(t, "SKU-2", 0, "2.00")
		p3 := f.addProduct(t, "SKU-3", 3, "3.00")
		f.mapProduct(t, "ext-1", p1)
		f.mapProduct(t, "ext-2", p2)
		f.mapProduct(t, "ext-3", p3)

		f.connector.On("PushStock", mock.Anything, mock.Anything, mock.Anything, []integration.StockUpdate{
			{ExternalID: "ext-1", Quantity: 7},
			{ExternalID: "ext-2", Quantity: 0},
		}).Return([]integration.ItemResult{
			integration.Succeeded("ext-1"),
			integration.Rejected("ext-2", "inventory item is locked"),
		}, nil).Once()
		f.connector.On("PushStock", mock.Anything, mock.Anything, mock.Anything, []integration.StockUpdate{
			{ExternalID: "ext-3", Quantity: 3},
		}).Return([]integration.ItemResult{integration.Succeeded("ext-3")}, nil).Once()

		f.enqueue(t, integration.OperationStockUpdate)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationStockUpdate)
		assert.Equal(t, integration.RunStatusPartial, run.Status)
		assert.Equal(t, 2, run.SuccessCount)
		assert.Equal(t, 1, run.FailedCount)

		detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
		require.NoError(t, err)
		require.Len(t, detail.Failures, 1)
		assert.Equal(t, integration.FailureKind("rejected"), detail.Failures[0].Kind)
		assert.Equal(t, "inventory item is locked", detail.Failures[0].Reason)

		touched, err := f.mappings.FindByExternalID(ctx, f.conn.ID, "ext-1")
		require.NoError(t, err)
		assert.NotNil(t, touched.LastSync)
		f.connector.AssertExpectations(t)
	})

	t.Run("price push sends catalog prices", func(t *testing.T) {
		f := newFixture(t)
		p1 := f.addProduct(t, "SKU-1", 1, "19.90")
		f.mapProduct(t, "ext-1", p1)

		f.connector.On("PushPrice", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(u []integration.PriceUpdate) bool {
			return len(u) == 1 && u[0].ExternalID == "ext-1" && u[0].Price.Equal(decimal.RequireFromString("19.90"))
		})).Return([]integration.ItemResult{integration.Succeeded("ext-1")}, nil).Once()

		f.enqueue(t, integration.OperationPriceUpdate)
		f.runNext(t)

		assert.Equal(t, integration.RunStatusCompleted, f.latestRun(t, integration.OperationPriceUpdate).Status)
	})

	t.Run("scoped ID without mapping fails as unmapped", func(t *testing.T) {
		f := newFixture(t)
		p1 := f.addProduct(t, "SKU-1", 4, "1.00")
		f.mapProduct(t, "ext-1", p1)
		f.connector.On("PushStock", mock.Anything, mock.Anything, mock.Anything, []integration.StockUpdate{
			{ExternalID: "ext-1", Quantity: 4},
		}).Return([]integration.ItemResult{integration.Succeeded("ext-1")}, nil).Once()

		f.enqueue(t, integration.OperationStockUpdate, "ext-1", "ghost")
		f.runNext(t)

		run := f.latestRun(t, integration.OperationStockUpdate)
		detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
		require.NoError(t, err)
		require.Len(t, detail.Failures, 1)
		assert.Equal(t, "ghost", detail.Failures[0].ExternalID)
		assert.Equal(t, integration.FailureKindUnmapped, detail.Failures[0].Kind)
		assert.Equal(t, 1, run.SuccessCount)
	})

	t.Run("authentication failure stops the run and marks the connection unhealthy", func(t *testing.T) {
		f := newFixture(t)
		for i, sku := range []string{"SKU-1", "SKU-2", "SKU-3", "SKU-4"} {
			p := f.addProduct(t, sku, int64(i), "1.00")
			f.mapProduct(t, "ext-"+sku, p)
		}
		f.connector.On("PushStock", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &integration.AuthenticationError{Op: "push_stock", StatusCode: 401})

		f.enqueue(t, integration.OperationStockUpdate)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationStockUpdate)
		assert.Equal(t, integration.RunStatusFailed, run.Status)
		assert.Zero(t, run.SuccessCount)
		assert.Contains(t, run.Error, "authentication failed")

		conn, err := f.conns.FindByID(ctx, f.conn.ID)
		require.NoError(t, err)
		assert.False(t, conn.IsConnected)
		assert.Contains(t, conn.LastError, "authentication failed")
	})

	t.Run("abort keeps a deactivation made during the run", func(t *testing.T) {
		f := newFixture(t)
		p := f.addProduct(t, "SKU-1", 3, "1.00")
		f.mapProduct(t, "ext-SKU-1", p)
		f.connector.On("PushStock", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(mock.Arguments) {
				require.NoError(t, f.conns.UpdateActivation(ctx, f.conn.ID, false, time.Now()))
			}).
			Return(nil, &integration.AuthenticationError{Op: "push_stock", StatusCode: 401})

		f.enqueue(t, integration.OperationStockUpdate)
		f.runNext(t)

		run := f.latestRun(t, integration.OperationStockUpdate)
		assert.Equal(t, integration.RunStatusFailed, run.Status)

		conn, err := f.conns.FindByID(ctx, f.conn.ID)
		require.NoError(t, err)
		assert.False(t, conn.IsActive, "the stale run snapshot must not re-activate the connection")
		assert.False(t, conn.IsConnected)
	})
}

func TestExecutor_OrderSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.addProduct(t, "SKU-1", 4, "5.00")
	f.mapProduct(t, "ext-1", p1)

	order := func(id, productID string) integration.ExternalOrder {
		return integration.ExternalOrder{
			ExternalID: id,
			Status:     "paid",
			Currency:   "EUR",
			Total:      decimal.NewFromInt(10),
			Lines: []integration.ExternalOrderLine{{
				ExternalProductID: productID,
				Name:              "Kettle",
				Price:             decimal.NewFromInt(5),
				Quantity:          2,
			}},
		}
	}
	f.connector.On("FetchOrders", mock.Anything, mock.Anything, mock.Anything, "").
		Return(&integration.OrderPage{Orders: []integration.ExternalOrder{
			order("O-1", "ext-1"),
			order("O-2", "ghost"),
		}}, nil).Once()

	f.enqueue(t, integration.OperationOrderSync)
	f.runNext(t)

	run := f.latestRun(t, integration.OperationOrderSync)
	assert.Equal(t, integration.RunStatusPartial, run.Status)
	assert.Equal(t, 1, run.SuccessCount)

	detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Failures, 1)
	assert.Equal(t, "O-2", detail.Failures[0].ExternalID)
	assert.Equal(t, integration.FailureKindUnmapped, detail.Failures[0].Kind)

	imported, err := f.orders.Count(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), imported)
}

func TestExecutor_ScopedOrderSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p1 := f.addProduct(t, "SKU-1", 4, "5.00")
	f.mapProduct(t, "ext-1", p1)

	found := integration.ExternalOrder{
		ExternalID: "O-1",
		Status:     "paid",
		Currency:   "EUR",
		Total:      decimal.NewFromInt(5),
		Lines: []integration.ExternalOrderLine{{
			ExternalProductID: "ext-1",
			Name:              "Kettle",
			Price:             decimal.NewFromInt(5),
			Quantity:          1,
		}},
	}
	f.connector.On("FetchOrder", mock.Anything, mock.Anything, mock.Anything, "O-1").Return(&found, nil).Once()
	f.connector.On("FetchOrder", mock.Anything, mock.Anything, mock.Anything, "O-9").
		Return(nil, &integration.RecordNotFoundError{Op: "fetch order", ExternalID: "O-9"}).Once()

	f.enqueue(t, integration.OperationOrderSync, "O-1", "O-9")
	f.runNext(t)

	run := f.latestRun(t, integration.OperationOrderSync)
	assert.Equal(t, integration.RunStatusPartial, run.Status)
	assert.Equal(t, 1, run.SuccessCount)
	assert.Equal(t, 1, run.FailedCount)

	detail, err := f.ledger.GetRun(ctx, f.conn.TenantID, run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Failures, 1)
	assert.Equal(t, "O-9", detail.Failures[0].ExternalID)
	assert.Equal(t, integration.FailureKindNotFound, detail.Failures[0].Kind)

	imported, err := f.orders.Count(ctx, f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), imported)
	f.connector.AssertNotCalled(t, "FetchOrders", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
