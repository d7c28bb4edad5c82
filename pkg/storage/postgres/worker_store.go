package postgres

import (
	"context"
	"fmt"
	"time"

	"marketpulse/pkg/models"
)

// Heartbeat table. Workers upsert while running; the reaper reads the
// live set to tell a slow handler from a dead worker.

// Heartbeat upserts the worker's liveness row. last_seen is stamped by
// the database so liveness never compares clocks across hosts.
func (s *PostgresStore) Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	result := s.db.WithContext(ctx).Exec(`
		INSERT INTO workers (id, last_seen, hostname, pid, started_at, resources)
		VALUES (?, NOW(), ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = NOW(),
			hostname  = EXCLUDED.hostname,
			pid       = EXCLUDED.pid,
			resources = EXCLUDED.resources`,
		hb.ID, hb.Hostname, hb.PID, hb.StartedAt, hb.Resources)
	if result.Error != nil {
		return fmt.Errorf("failed to heartbeat: %w", result.Error)
	}
	return nil
}

// Deregister removes the worker's row on clean shutdown.
func (s *PostgresStore) Deregister(ctx context.Context, workerID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ?", workerID).
		Delete(&models.WorkerHeartbeat{})
	if result.Error != nil {
		return fmt.Errorf("failed to deregister worker: %w", result.Error)
	}
	return nil
}

// LiveWorkers returns ids seen within the staleness window.
func (s *PostgresStore) LiveWorkers(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.WorkerHeartbeat{}).
		Where("last_seen > NOW() - make_interval(secs => ?)", staleAfter.Seconds()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list live workers: %w", err)
	}
	return ids, nil
}

// ListWorkers returns all heartbeat rows, freshest first.
func (s *PostgresStore) ListWorkers(ctx context.Context) ([]models.WorkerHeartbeat, error) {
	var workers []models.WorkerHeartbeat
	result := s.db.WithContext(ctx).
		Order("last_seen desc").
		Find(&workers)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list workers: %w", result.Error)
	}
	return workers, nil
}

// PruneDead removes heartbeat rows not refreshed within olderThan.
func (s *PostgresStore) PruneDead(ctx context.Context, olderThan time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		`DELETE FROM workers WHERE last_seen < NOW() - make_interval(secs => ?)`,
		olderThan.Seconds())
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune dead workers: %w", result.Error)
	}
	return result.RowsAffected, nil
}
