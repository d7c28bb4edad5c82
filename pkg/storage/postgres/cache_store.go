package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// Content-addressed TTL cache over the cache_entries table. Expired rows
// are treated as absent on read and removed by Cleanup.

// Get returns the cached value iff the entry has not expired.
func (s *PostgresStore) Get(ctx context.Context, key string) (models.Payload, error) {
	var entry models.CacheEntry
	result := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > NOW()", key).
		First(&entry)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return entry.Value, nil
}

// Set stores or overwrites the entry with a fresh expiry computed on the
// store's clock.
func (s *PostgresStore) Set(ctx context.Context, key string, value models.Payload, ttl time.Duration) error {
	if len(value) == 0 {
		value = models.Payload(`null`)
	}
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO cache_entries (key, value, expires_at, created_at)
		VALUES (?, ?, NOW() + make_interval(secs => ?), NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		key, value, ttl.Seconds()).Error
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete removes one entry. Deleting a missing key is not an error.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.CacheEntry{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete cache entry: %w", result.Error)
	}
	return nil
}

// Cleanup sweeps expired entries. Idempotent; invoked by the reaper and
// the hourly cleanup job.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`DELETE FROM cache_entries WHERE expires_at <= NOW()`)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clean cache: %w", result.Error)
	}
	return result.RowsAffected, nil
}
