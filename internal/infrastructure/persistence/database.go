package persistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/persistence/models"
)

// Database owns the GORM handle and its connection pool
type Database struct {
	DB *gorm.DB
}

// DatabaseOption configures the gorm.Config used by NewDatabase
type DatabaseOption func(*gorm.Config)

// WithGormLogger sets the statement logger; the default is silent
func WithGormLogger(l gormlogger.Interface) DatabaseOption {
	return func(c *gorm.Config) {
		c.Logger = l
	}
}

// WithPreparedStatements toggles the prepared statement cache. Disable it
// behind transaction-mode poolers such as PgBouncer.
func WithPreparedStatements(enabled bool) DatabaseOption {
	return func(c *gorm.Config) {
		c.PrepareStmt = enabled
	}
}

// NewDatabase opens a postgres pool sized by cfg and verifies it answers within 5s
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig, opts ...DatabaseOption) (*Database, error) {
	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(gormCfg)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)

	d := &Database{DB: db}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Ping(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Ping checks that the pool can reach the server
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	return sqlDB.Close()
}

// AllModels lists every persistence model, parents first.
// Migrations own the production schema; tests use this with AutoMigrate.
func AllModels() []any {
	return []any{
		&models.ConnectionModel{},
		&models.CredentialModel{},
		&models.SyncJobModel{},
		&models.SyncCheckpointModel{},
		&models.SyncRunModel{},
		&models.SyncRunFailureModel{},
		&models.SyncLogEntryModel{},
		&models.ProductMappingModel{},
		&models.CatalogProductModel{},
		&models.ImportedOrderModel{},
	}
}
