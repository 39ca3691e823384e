package persistence

import (
	"context"
	"errors"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormProductMappingRepository implements integration.ProductMappingRepository using GORM
type GormProductMappingRepository struct {
	db *gorm.DB
}

// NewGormProductMappingRepository creates a new GormProductMappingRepository
func NewGormProductMappingRepository(db *gorm.DB) *GormProductMappingRepository {
	return &GormProductMappingRepository{db: db}
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func onConnection(connectionID uuid.UUID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("connection_id = ?", connectionID)
	}
}

// linked keeps active mappings that point at an internal product
func linked(db *gorm.DB) *gorm.DB {
	return db.Where("is_active = ? AND match_type <> ? AND internal_product_id IS NOT NULL",
		true, integration.MatchTypeUnmapped)
}

func externalIDsIn(ids []string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if len(ids) == 0 {
			return db
		}
		return db.Where("external_id IN ?", ids)
	}
}

// ---------------------------------------------------------------------------
// ProductMappingReader implementation
// ---------------------------------------------------------------------------

func (r *GormProductMappingRepository) findOne(ctx context.Context, scopes ...func(*gorm.DB) *gorm.DB) (*integration.ProductMapping, error) {
	var model models.ProductMappingModel
	err := r.db.WithContext(ctx).Scopes(scopes...).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, integration.ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByID finds a mapping by its ID
func (r *GormProductMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*integration.ProductMapping, error) {
	return r.findOne(ctx, func(db *gorm.DB) *gorm.DB { return db.Where("id = ?", id) })
}

// FindByExternalID finds the mapping of an external record on a connection
func (r *GormProductMappingRepository) FindByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*integration.ProductMapping, error) {
	return r.findOne(ctx, onConnection(connectionID), externalIDsIn([]string{externalID}))
}

// FindActiveByProductID finds the active mapping of an internal product on a
// connection. At most one exists.
func (r *GormProductMappingRepository) FindActiveByProductID(ctx context.Context, connectionID, productID uuid.UUID) (*integration.ProductMapping, error) {
	return r.findOne(ctx, onConnection(connectionID), func(db *gorm.DB) *gorm.DB {
		return db.Where("internal_product_id = ? AND is_active = ?", productID, true)
	})
}

// FindByConnection lists the mappings of a connection with pagination
func (r *GormProductMappingRepository) FindByConnection(ctx context.Context, connectionID uuid.UUID, filter integration.ProductMappingFilter) ([]integration.ProductMapping, int64, error) {
	filter.Normalize()

	query := r.db.WithContext(ctx).Model(&models.ProductMappingModel{}).
		Scopes(onConnection(connectionID), externalIDsIn(filter.ExternalIDs))
	if filter.MatchType != nil {
		query = query.Where("match_type = ?", *filter.MatchType)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.ProductMappingModel
	if err := query.
		Order("external_id ASC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return toMappings(rows), total, nil
}

// FindMapped lists active mappings linked to an internal product
func (r *GormProductMappingRepository) FindMapped(ctx context.Context, connectionID uuid.UUID, externalIDs []string) ([]integration.ProductMapping, error) {
	var rows []models.ProductMappingModel
	if err := r.db.WithContext(ctx).
		Scopes(onConnection(connectionID), linked, externalIDsIn(externalIDs)).
		Order("external_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toMappings(rows), nil
}

// ---------------------------------------------------------------------------
// ProductMappingWriter implementation
// ---------------------------------------------------------------------------

// Save upserts a mapping by (connection_id, external_id)
func (r *GormProductMappingRepository) Save(ctx context.Context, mapping *integration.ProductMapping) error {
	var model models.ProductMappingModel
	model.FromDomain(mapping)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "connection_id"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"internal_product_id", "match_type", "is_active",
			"external_sku", "external_barcode", "external_name",
			"last_sync", "updated_at",
		}),
	}).Create(&model).Error
}

func toMappings(rows []models.ProductMappingModel) []integration.ProductMapping {
	out := make([]integration.ProductMapping, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out
}

var _ integration.ProductMappingRepository = (*GormProductMappingRepository)(nil)
