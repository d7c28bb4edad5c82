package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketpulse/pkg/models"
)

// PostgresStore implements storage.JobQueue, storage.CacheStore,
// storage.WorkerRegistry and storage.ContentStore over one GORM handle.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes the GORM connection and migrates the schema.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true, // Cache prepared statements for performance
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&models.Job{},
		&models.CacheEntry{},
		&models.WorkerHeartbeat{},
		&models.QueueControl{},
		&models.FeedSource{},
		&models.RawFeedItem{},
		&models.ProcessedContent{},
		&models.DailyAnalysis{},
		&models.Prediction{},
	)
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	// Dedup uniqueness holds only among open rows, which AutoMigrate tags
	// cannot express.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_open_dedup
		ON jobs (type, dedup_key)
		WHERE dedup_key IS NOT NULL AND status IN ('pending','processing','retry')`).Error
	if err != nil {
		return nil, fmt.Errorf("dedup index migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the store is reachable. Used by health endpoints.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
