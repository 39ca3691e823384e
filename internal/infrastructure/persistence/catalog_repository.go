package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCatalogRepository reads the tenant catalog for matching and pushes
type GormCatalogRepository struct {
	db *gorm.DB
}

// NewGormCatalogRepository creates a new GormCatalogRepository
func NewGormCatalogRepository(db *gorm.DB) *GormCatalogRepository {
	return &GormCatalogRepository{db: db}
}

// FindByID finds a catalog product of a tenant
func (r *GormCatalogRepository) FindByID(ctx context.Context, tenantID, productID uuid.UUID) (*integration.CatalogProduct, error) {
	var model models.CatalogProductModel
	if err := r.db.WithContext(ctx).First(&model, "id = ? AND tenant_id = ?", productID, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrCatalogProductNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindBySKU returns every product of the tenant with the exact SKU
func (r *GormCatalogRepository) FindBySKU(ctx context.Context, tenantID uuid.UUID, sku string) ([]integration.CatalogProduct, error) {
	return r.findBy(ctx, tenantID, "sku", sku)
}

// FindByBarcode returns every product of the tenant with the exact barcode
func (r *GormCatalogRepository) FindByBarcode(ctx context.Context, tenantID uuid.UUID, barcode string) ([]integration.CatalogProduct, error) {
	return r.findBy(ctx, tenantID, "barcode", barcode)
}

// FindByNormalizedName returns every product whose normalized name is equal
func (r *GormCatalogRepository) FindByNormalizedName(ctx context.Context, tenantID uuid.UUID, normalized string) ([]integration.CatalogProduct, error) {
	return r.findBy(ctx, tenantID, "normalized_name", normalized)
}

// FindByIDs loads several products at once
func (r *GormCatalogRepository) FindByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]integration.CatalogProduct, error) {
	if len(ids) == 0 {
		return []integration.CatalogProduct{}, nil
	}
	var rows []models.CatalogProductModel
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND id IN ?", tenantID, ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toCatalogProducts(rows), nil
}

func (r *GormCatalogRepository) findBy(ctx context.Context, tenantID uuid.UUID, column, value string) ([]integration.CatalogProduct, error) {
	if value == "" {
		return []integration.CatalogProduct{}, nil
	}
	var rows []models.CatalogProductModel
	if err := r.db.WithContext(ctx).
		Where(clause.Eq{Column: clause.Column{Name: "tenant_id"}, Value: tenantID}).
		Where(clause.Eq{Column: clause.Column{Name: column}, Value: value}).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toCatalogProducts(rows), nil
}

// Upsert writes a catalog product, deriving its normalized name. The catalog
// is owned by the internal product system; this is its feed into the engine.
func (r *GormCatalogRepository) Upsert(ctx context.Context, p integration.CatalogProduct) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	model := models.CatalogProductModel{
		ID:             p.ID,
		TenantID:       p.TenantID,
		SKU:            p.SKU,
		Barcode:        p.Barcode,
		Name:           p.Name,
		NormalizedName: integration.NormalizeName(p.Name),
		Price:          p.Price,
		Quantity:       p.Quantity,
		UpdatedAt:      p.UpdatedAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sku", "barcode", "name", "normalized_name", "price", "quantity", "updated_at"}),
	}).Create(&model).Error
}

func toCatalogProducts(rows []models.CatalogProductModel) []integration.CatalogProduct {
	out := make([]integration.CatalogProduct, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out
}

var _ integration.CatalogReader = (*GormCatalogRepository)(nil)
