package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormConnectionRepository implements integration.ConnectionRepository using GORM
type GormConnectionRepository struct {
	db *gorm.DB
}

// NewGormConnectionRepository creates a new GormConnectionRepository
func NewGormConnectionRepository(db *gorm.DB) *GormConnectionRepository {
	return &GormConnectionRepository{db: db}
}

// FindByID finds a connection by its ID
func (r *GormConnectionRepository) FindByID(ctx context.Context, id uuid.UUID) (*integration.Connection, error) {
	var model models.ConnectionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrConnectionNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByIDForTenant finds a connection by ID within a specific tenant
func (r *GormConnectionRepository) FindByIDForTenant(ctx context.Context, tenantID, id uuid.UUID) (*integration.Connection, error) {
	var model models.ConnectionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrConnectionNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindAllForTenant lists the connections of a tenant
func (r *GormConnectionRepository) FindAllForTenant(ctx context.Context, tenantID uuid.UUID, filter integration.ConnectionFilter) ([]integration.Connection, error) {
	query := r.db.WithContext(ctx).Model(&models.ConnectionModel{}).Where("tenant_id = ?", tenantID)
	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	if filter.IsConnected != nil {
		query = query.Where("is_connected = ?", *filter.IsConnected)
	}

	var rows []models.ConnectionModel
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toConnections(rows), nil
}

// FindActive lists active connections of every tenant
func (r *GormConnectionRepository) FindActive(ctx context.Context) ([]integration.Connection, error) {
	var rows []models.ConnectionModel
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toConnections(rows), nil
}

// Save creates or updates a connection. The job sequence is owned by the
// queue and never written here.
func (r *GormConnectionRepository) Save(ctx context.Context, conn *integration.Connection) error {
	var model models.ConnectionModel
	model.FromDomain(conn)
	return r.db.WithContext(ctx).Omit("job_sequence").Save(&model).Error
}

// UpdateHealth writes the health columns of a connection. A connection that
// was deactivated meanwhile is left untouched.
func (r *GormConnectionRepository) UpdateHealth(ctx context.Context, id uuid.UUID, health integration.ConnectionHealth) error {
	columns := map[string]any{
		"is_connected": health.Connected,
		"last_error":   health.LastError,
		"updated_at":   health.At,
	}
	if health.CheckedAt != nil {
		columns["last_health_check_at"] = *health.CheckedAt
	}
	return r.db.WithContext(ctx).Model(&models.ConnectionModel{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(columns).Error
}

// UpdateCredentialState writes the auth scheme and the rotation stamp
func (r *GormConnectionRepository) UpdateCredentialState(ctx context.Context, id uuid.UUID, scheme integration.AuthScheme, rotatedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ConnectionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"auth_scheme":           scheme,
			"credential_rotated_at": rotatedAt,
			"updated_at":            rotatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return integration.ErrConnectionNotFound
	}
	return nil
}

// UpdateActivation flips the active flag. Deactivation also clears the
// connected flag.
func (r *GormConnectionRepository) UpdateActivation(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	columns := map[string]any{
		"is_active":  active,
		"updated_at": at,
	}
	if !active {
		columns["is_connected"] = false
	}
	result := r.db.WithContext(ctx).Model(&models.ConnectionModel{}).
		Where("id = ?", id).
		Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return integration.ErrConnectionNotFound
	}
	return nil
}

func toConnections(rows []models.ConnectionModel) []integration.Connection {
	out := make([]integration.Connection, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out
}

var _ integration.ConnectionRepository = (*GormConnectionRepository)(nil)
