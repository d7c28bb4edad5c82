package postgres

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// The queue engine. Eligibility and delays are decided by the store's
// clock: every statement computes NOW() server-side, so producers and
// workers never need synchronized clocks.

const dequeueSQL = `
WITH next AS (
	SELECT id FROM jobs
	WHERE status IN ('pending','retry')
	  AND scheduled_at <= NOW()
	  %s
	ORDER BY priority ASC, scheduled_at ASC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status = 'processing',
    worker_id = ?,
    started_at = NOW(),
    attempts = attempts + 1,
    updated_at = NOW()
FROM next
WHERE j.id = next.id
RETURNING j.*`

// Enqueue inserts a pending row, or returns the open row already holding
// the (type, dedup_key) pair. Losers of a concurrent dedup race hit the
// partial unique index and re-read the winner.
func (s *PostgresStore) Enqueue(ctx context.Context, req storage.EnqueueRequest) (*storage.EnqueueResult, error) {
	if req.Type == "" {
		return nil, fmt.Errorf("%w: job type is required", storage.ErrConflict)
	}
	if len(req.Payload) > storage.MaxPayloadBytes {
		return nil, storage.ErrPayloadTooLarge
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.Priority < 1 || req.Priority > 10 {
		return nil, fmt.Errorf("%w: priority %d outside 1..10", storage.ErrConflict, req.Priority)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}
	if req.Delay < 0 {
		req.Delay = 0
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = models.Payload(`{}`)
	}

	if req.DedupKey != "" {
		if existing, err := s.findOpenByDedup(ctx, req.Type, req.DedupKey); err != nil {
			return nil, err
		} else if existing != nil {
			return &storage.EnqueueResult{Job: existing, Deduplicated: true}, nil
		}
	}

	var dedup *string
	if req.DedupKey != "" {
		dedup = &req.DedupKey
	}

	var job models.Job
	result := s.db.WithContext(ctx).Raw(`
		INSERT INTO jobs (id, type, payload, priority, status, attempts, max_attempts,
		                  scheduled_at, error_message, dedup_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, NOW() + make_interval(secs => ?), '', ?, NOW(), NOW())
		RETURNING *`,
		uuid.New(), req.Type, payload, req.Priority, req.MaxAttempts,
		req.Delay.Seconds(), dedup,
	).Scan(&job)

	if result.Error != nil {
		if isUniqueViolation(result.Error) && req.DedupKey != "" {
			existing, ferr := s.findOpenByDedup(ctx, req.Type, req.DedupKey)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return &storage.EnqueueResult{Job: existing, Deduplicated: true}, nil
			}
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", result.Error)
	}
	return &storage.EnqueueResult{Job: &job}, nil
}

func (s *PostgresStore) findOpenByDedup(ctx context.Context, jobType models.JobType, dedupKey string) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).
		Where("type = ? AND dedup_key = ? AND status IN ?", jobType, dedupKey, models.OpenStatuses).
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &job, nil
}

// Dequeue claims the best eligible job for workerID. The CTE locks the
// candidate with SKIP LOCKED so concurrent workers never share a row.
func (s *PostgresStore) Dequeue(ctx context.Context, workerID string, eligibleTypes []models.JobType) (*models.Job, error) {
	var job models.Job
	var result *gorm.DB
	if len(eligibleTypes) > 0 {
		result = s.db.WithContext(ctx).
			Raw(fmt.Sprintf(dequeueSQL, "AND type IN ?"), eligibleTypes, workerID).
			Scan(&job)
	} else {
		result = s.db.WithContext(ctx).
			Raw(fmt.Sprintf(dequeueSQL, ""), workerID).
			Scan(&job)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// Complete finishes a processing row held by workerID.
func (s *PostgresStore) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), worker_id = NULL, updated_at = NOW()
		WHERE id = ? AND status = 'processing' AND worker_id = ?`,
		jobID, workerID)
	if result.Error != nil {
		return fmt.Errorf("failed to complete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.holderError(ctx, jobID, workerID)
	}
	return nil
}

// Fail records a handler failure. Transient failures with attempts
// remaining reschedule with backoff; permanent failures and exhausted
// attempts go terminal.
func (s *PostgresStore) Fail(ctx context.Context, jobID uuid.UUID, workerID string, errMsg string, permanent bool) error {
	return s.failRow(ctx, jobID, workerID, errMsg, permanent)
}

// FailAbandoned is the reaper path: Fail without a holder check.
func (s *PostgresStore) FailAbandoned(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	return s.failRow(ctx, jobID, "", errMsg, false)
}

func (s *PostgresStore) failRow(ctx context.Context, jobID uuid.UUID, workerID string, errMsg string, permanent bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		result := tx.Raw(`SELECT * FROM jobs WHERE id = ? FOR UPDATE`, jobID).Scan(&job)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		if job.Status != models.JobStatusProcessing {
			return fmt.Errorf("%w: job is %s, not processing", storage.ErrConflict, job.Status)
		}
		if workerID != "" && (job.WorkerID == nil || *job.WorkerID != workerID) {
			return storage.ErrNotHeld
		}
		return failLocked(tx, &job, errMsg, permanent)
	})
}

// failLocked applies the Fail rules to a row the transaction already
// holds a lock on.
func failLocked(tx *gorm.DB, job *models.Job, errMsg string, permanent bool) error {
	msg := truncateError(errMsg)
	if permanent || job.Attempts >= job.MaxAttempts {
		return tx.Exec(`
			UPDATE jobs
			SET status = 'failed', completed_at = NOW(), worker_id = NULL,
			    error_message = ?, updated_at = NOW()
			WHERE id = ?`, msg, job.ID).Error
	}
	backoff := RetryBackoff(job.Attempts)
	return tx.Exec(`
		UPDATE jobs
		SET status = 'retry', scheduled_at = NOW() + make_interval(secs => ?),
		    worker_id = NULL, error_message = ?, updated_at = NOW()
		WHERE id = ?`, backoff.Seconds(), msg, job.ID).Error
}

// Release returns a just-dequeued row to pending and un-charges the
// attempt the dequeue added. Semaphore exhaustion is not a failure.
func (s *PostgresStore) Release(ctx context.Context, jobID uuid.UUID, workerID string, delay time.Duration) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET status = 'pending', scheduled_at = NOW() + make_interval(secs => ?),
		    worker_id = NULL, started_at = NULL,
		    attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		WHERE id = ? AND status = 'processing' AND worker_id = ?`,
		delay.Seconds(), jobID, workerID)
	if result.Error != nil {
		return fmt.Errorf("failed to release job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.holderError(ctx, jobID, workerID)
	}
	return nil
}

// Reset moves any non-terminal row back to pending with a clean attempt
// counter. Management use only.
func (s *PostgresStore) Reset(ctx context.Context, jobID uuid.UUID) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET status = 'pending', attempts = 0, scheduled_at = NOW(),
		    worker_id = NULL, started_at = NULL, updated_at = NOW()
		WHERE id = ? AND status IN ('pending','processing','retry')`,
		jobID)
	if result.Error != nil {
		return fmt.Errorf("failed to reset job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.expectedStatusError(ctx, jobID, "non-terminal")
	}
	return nil
}

// Retry moves a failed or cancelled row back to pending. If another open
// row now holds the same dedup key, the partial unique index rejects the
// transition and the caller gets a conflict.
func (s *PostgresStore) Retry(ctx context.Context, jobID uuid.UUID) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET status = 'pending', attempts = 0, scheduled_at = NOW(),
		    completed_at = NULL, worker_id = NULL, started_at = NULL, updated_at = NOW()
		WHERE id = ? AND status IN ('failed','cancelled')`,
		jobID)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: an open job already holds this dedup key", storage.ErrConflict)
		}
		return fmt.Errorf("failed to retry job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.expectedStatusError(ctx, jobID, "failed or cancelled")
	}
	return nil
}

// Cancel terminally cancels an open row. Cancelling twice is a no-op.
func (s *PostgresStore) Cancel(ctx context.Context, jobID uuid.UUID) error {
	result := s.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW(), worker_id = NULL, updated_at = NOW()
		WHERE id = ? AND status IN ('pending','processing','retry')`,
		jobID)
	if result.Error != nil {
		return fmt.Errorf("failed to cancel job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusCancelled {
			return nil
		}
		return fmt.Errorf("%w: job is %s", storage.ErrConflict, job.Status)
	}
	return nil
}

// Delete removes a terminal row. Open rows must be cancelled first.
func (s *PostgresStore) Delete(ctx context.Context, jobID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", jobID, models.TerminalStatuses).
		Delete(&models.Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.expectedStatusError(ctx, jobID, "terminal")
	}
	return nil
}

// Clear bulk-deletes all rows of one terminal status.
func (s *PostgresStore) Clear(ctx context.Context, status models.JobStatus) (int64, error) {
	if !status.IsTerminal() {
		return 0, fmt.Errorf("%w: clear applies to terminal statuses, got %q", storage.ErrConflict, status)
	}
	result := s.db.WithContext(ctx).Where("status = ?", status).Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Get retrieves a job by ID.
func (s *PostgresStore) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

// List returns a filtered page of jobs, newest first, with the total.
func (s *PostgresStore) List(ctx context.Context, filter storage.JobFilter) ([]models.Job, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Job{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var jobs []models.Job
	result := query.
		Order("created_at desc").
		Limit(limit).
		Offset(filter.Offset).
		Find(&jobs)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, total, nil
}

// Stats aggregates the queue table.
func (s *PostgresStore) Stats(ctx context.Context) (*storage.QueueStats, error) {
	stats := &storage.QueueStats{
		ByStatus:     make(map[models.JobStatus]int64),
		ByTypeStatus: make(map[models.JobType]map[models.JobStatus]int64),
	}

	type typeStatusCount struct {
		Type   models.JobType
		Status models.JobStatus
		Count  int64
	}
	var rows []typeStatusCount
	err := s.db.WithContext(ctx).
		Raw(`SELECT type, status, COUNT(*) AS count FROM jobs GROUP BY type, status`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate queue stats: %w", err)
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] += row.Count
		if stats.ByTypeStatus[row.Type] == nil {
			stats.ByTypeStatus[row.Type] = make(map[models.JobStatus]int64)
		}
		stats.ByTypeStatus[row.Type][row.Status] = row.Count
	}

	var ageSeconds *float64
	err = s.db.WithContext(ctx).
		Raw(`SELECT EXTRACT(EPOCH FROM (NOW() - MIN(scheduled_at)))
		     FROM jobs WHERE status = 'pending' AND scheduled_at <= NOW()`).
		Scan(&ageSeconds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest pending age: %w", err)
	}
	if ageSeconds != nil && *ageSeconds > 0 {
		stats.OldestPendingAge = time.Duration(*ageSeconds * float64(time.Second))
	}
	return stats, nil
}

// RecoverStuck fails processing rows that exceeded olderThan and whose
// worker is not in liveWorkers. Rows still locked by a live transaction
// are skipped.
func (s *PostgresStore) RecoverStuck(ctx context.Context, olderThan time.Duration, liveWorkers []string, types ...models.JobType) (int64, error) {
	var recovered int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT * FROM jobs
			WHERE status = 'processing'
			  AND started_at < NOW() - make_interval(secs => ?)`
		args := []interface{}{olderThan.Seconds()}
		if len(liveWorkers) > 0 {
			query += ` AND (worker_id IS NULL OR worker_id NOT IN ?)`
			args = append(args, liveWorkers)
		}
		if len(types) > 0 {
			query += ` AND type IN ?`
			args = append(args, types)
		}
		query += ` FOR UPDATE SKIP LOCKED`

		var stuck []models.Job
		if err := tx.Raw(query, args...).Scan(&stuck).Error; err != nil {
			return err
		}
		for i := range stuck {
			if err := failLocked(tx, &stuck[i], "worker lost: processing deadline exceeded", false); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck jobs: %w", err)
	}
	return recovered, nil
}

// PruneTerminal deletes terminal rows past the retention window.
func (s *PostgresStore) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	result := s.db.WithContext(ctx).Exec(`
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled')
		  AND completed_at < NOW() - make_interval(secs => ?)`,
		retention.Seconds())
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SetPaused flips the shared pause toggle.
func (s *PostgresStore) SetPaused(ctx context.Context, paused bool) error {
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO queue_control (id, paused, updated_at)
		VALUES (1, ?, NOW())
		ON CONFLICT (id) DO UPDATE SET paused = EXCLUDED.paused, updated_at = NOW()`,
		paused).Error
	if err != nil {
		return fmt.Errorf("failed to set pause state: %w", err)
	}
	return nil
}

// SeedPaused writes the initial pause state only when no toggle row
// exists, so a restart does not override an operator's choice.
func (s *PostgresStore) SeedPaused(ctx context.Context, paused bool) error {
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO queue_control (id, paused, updated_at)
		VALUES (1, ?, NOW())
		ON CONFLICT (id) DO NOTHING`,
		paused).Error
	if err != nil {
		return fmt.Errorf("failed to seed pause state: %w", err)
	}
	return nil
}

// IsPaused reads the shared pause toggle. A missing row means running.
func (s *PostgresStore) IsPaused(ctx context.Context) (bool, error) {
	var control models.QueueControl
	result := s.db.WithContext(ctx).First(&control, "id = 1")
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, result.Error
	}
	return control.Paused, nil
}

// holderError explains why a holder-checked update matched nothing.
func (s *PostgresStore) holderError(ctx context.Context, jobID uuid.UUID, workerID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return fmt.Errorf("%w: job is %s, not processing", storage.ErrConflict, job.Status)
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return storage.ErrNotHeld
	}
	return storage.ErrConflict
}

// expectedStatusError explains why a status-gated update matched nothing.
func (s *PostgresStore) expectedStatusError(ctx context.Context, jobID uuid.UUID, want string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s, expected %s", storage.ErrConflict, job.Status, want)
}

// truncateError caps persisted diagnostics; full detail belongs in logs.
func truncateError(msg string) string {
	if len(msg) <= storage.MaxErrorBytes {
		return msg
	}
	return msg[:storage.MaxErrorBytes]
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
