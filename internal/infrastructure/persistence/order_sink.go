package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormOrderSink stores normalized external orders for the internal order system.
// Import is an upsert keyed by (connection_id, external_id), so replays are harmless.
type GormOrderSink struct {
	db *gorm.DB
}

// NewGormOrderSink creates a new GormOrderSink
func NewGormOrderSink(db *gorm.DB) *GormOrderSink {
	return &GormOrderSink{db: db}
}

// Import upserts one order with its resolved lines
func (s *GormOrderSink) Import(ctx context.Context, conn *integration.Connection, order integration.ExternalOrder, lines []integration.ResolvedOrderLine) error {
	stored := make([]models.ImportedOrderLine, len(lines))
	for i, l := range lines {
		stored[i] = models.ImportedOrderLine{
			ExternalProductID: l.Line.ExternalProductID,
			InternalProductID: l.InternalProductID,
			SKU:               l.Line.SKU,
			Name:              l.Line.Name,
			Price:             l.Line.Price,
			Quantity:          l.Line.Quantity,
		}
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode order lines: %w", err)
	}

	now := time.Now()
	model := models.ImportedOrderModel{
		ID:           uuid.New(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		ExternalID:   order.ExternalID,
		Status:       order.Status,
		Currency:     order.Currency,
		Total:        order.Total,
		Lines:        string(encoded),
		ExternalAt:   order.UpdatedAt,
		ImportedAt:   now,
		UpdatedAt:    now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "currency", "total", "lines", "external_at", "updated_at"}),
	}).Create(&model).Error
}

// Count returns the number of imported orders of a connection (for monitoring)
func (s *GormOrderSink) Count(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ImportedOrderModel{}).Where("connection_id = ?", connectionID).Count(&n).Error
	return n, err
}

var _ integration.OrderSink = (*GormOrderSink)(nil)
