package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erp/marketsync/internal/domain/integration"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCredentialRepository implements integration.CredentialRepository.
// Secret fields are sealed with a SecretBox before they reach the database.
type GormCredentialRepository struct {
	db  *gorm.DB
	box *SecretBox
}

// NewGormCredentialRepository creates a new GormCredentialRepository
func NewGormCredentialRepository(db *gorm.DB, box *SecretBox) *GormCredentialRepository {
	return &GormCredentialRepository{db: db, box: box}
}

// Get loads and opens the credentials of a connection
func (r *GormCredentialRepository) Get(ctx context.Context, connectionID uuid.UUID) (*integration.Credentials, error) {
	var model models.CredentialModel
	if err := r.db.WithContext(ctx).First(&model, "connection_id = ?", connectionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, integration.ErrCredentialsNotFound
		}
		return nil, err
	}
	return r.open(&model)
}

// All loads every stored credential set
func (r *GormCredentialRepository) All(ctx context.Context) ([]integration.Credentials, error) {
	var rows []models.CredentialModel
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]integration.Credentials, 0, len(rows))
	for i := range rows {
		creds, err := r.open(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *creds)
	}
	return out, nil
}

// Put seals and upserts credentials
func (r *GormCredentialRepository) Put(ctx context.Context, creds integration.Credentials) error {
	plaintext, err := json.Marshal(models.SecretsFromDomain(creds))
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	sealed, err := r.box.Seal(plaintext, creds.ConnectionID[:])
	if err != nil {
		return err
	}

	now := time.Now()
	rotatedAt := creds.RotatedAt
	if rotatedAt.IsZero() {
		rotatedAt = now
	}
	model := models.CredentialModel{
		ConnectionID: creds.ConnectionID,
		Scheme:       creds.Scheme,
		Sealed:       sealed,
		Version:      creds.Version,
		RotatedAt:    rotatedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"scheme", "sealed", "version", "rotated_at", "updated_at"}),
	}).Create(&model).Error
}

func (r *GormCredentialRepository) open(model *models.CredentialModel) (*integration.Credentials, error) {
	plaintext, err := r.box.Open(model.Sealed, model.ConnectionID[:])
	if err != nil {
		return nil, err
	}
	var secrets models.CredentialSecrets
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return model.ToDomain(secrets), nil
}

var _ integration.CredentialRepository = (*GormCredentialRepository)(nil)
