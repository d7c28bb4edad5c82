package storage

import (
	"context"
	"errors"
	"time"

	"marketpulse/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("state conflict")
	ErrNotHeld         = errors.New("job not held by caller")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// MaxPayloadBytes is the enqueue-time payload cap.
const MaxPayloadBytes = 64 * 1024

// WorkerLivenessWindow is how stale a heartbeat may be before the
// worker is presumed dead. Workers beat every 10s; three misses in a
// row means the process is gone, not slow.
const WorkerLivenessWindow = 30 * time.Second

// MaxErrorBytes is the persisted diagnostic cap; longer messages are
// truncated before they reach the row.
const MaxErrorBytes = 2 * 1024

// EnqueueRequest carries everything Enqueue needs. Priority 0 means "use
// the registry default for the type"; Delay is relative because the store
// clock is authoritative.
type EnqueueRequest struct {
	Type        models.JobType
	Payload     models.Payload
	Priority    int
	Delay       time.Duration
	DedupKey    string
	MaxAttempts int
}

// EnqueueResult reports the row that satisfies the request, which is the
// pre-existing open row when the dedup key matched.
type EnqueueResult struct {
	Job          *models.Job
	Deduplicated bool
}

// JobFilter narrows List calls. Zero values mean "any".
type JobFilter struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// QueueStats is the aggregate picture of the queue table.
type QueueStats struct {
	ByStatus     map[models.JobStatus]int64                    `json:"by_status"`
	ByTypeStatus map[models.JobType]map[models.JobStatus]int64 `json:"by_type_status"`
	// OldestPendingAge is zero when nothing is pending.
	OldestPendingAge time.Duration `json:"oldest_pending_age_ns"`
}

// JobQueue is the queue engine: the only component permitted to mutate
// job rows. Every operation is atomic with respect to concurrent callers;
// the store's clock decides eligibility.
type JobQueue interface {
	// Enqueue inserts a pending row, or returns the existing open row when
	// the (type, dedup_key) pair is already open.
	Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error)

	// Dequeue claims the best eligible job for workerID, atomically moving
	// it to processing and charging an attempt. Returns (nil, nil) when no
	// row qualifies.
	Dequeue(ctx context.Context, workerID string, eligibleTypes []models.JobType) (*models.Job, error)

	// Complete finishes a processing row held by workerID.
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error

	// Fail records a failure on a processing row held by workerID.
	// Transient failures with attempts remaining go to retry with backoff;
	// otherwise, and always when permanent, the row goes to failed.
	Fail(ctx context.Context, jobID uuid.UUID, workerID string, errMsg string, permanent bool) error

	// FailAbandoned applies Fail rules to a processing row whose worker is
	// gone, without a holder check. Reaper use only.
	FailAbandoned(ctx context.Context, jobID uuid.UUID, errMsg string) error

	// Release returns a just-dequeued row to pending after delay and
	// un-charges the attempt. Used when a type semaphore is full.
	Release(ctx context.Context, jobID uuid.UUID, workerID string, delay time.Duration) error

	// Reset moves any non-terminal row back to pending with attempts=0.
	Reset(ctx context.Context, jobID uuid.UUID) error

	// Retry moves a failed or cancelled row back to pending with attempts=0.
	Retry(ctx context.Context, jobID uuid.UUID) error

	// Cancel terminally cancels an open row. Cancelling a cancelled row is
	// a no-op success.
	Cancel(ctx context.Context, jobID uuid.UUID) error

	// Delete removes a terminal row.
	Delete(ctx context.Context, jobID uuid.UUID) error

	// Clear bulk-deletes all rows of one terminal status.
	Clear(ctx context.Context, status models.JobStatus) (int64, error)

	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter JobFilter) ([]models.Job, int64, error)
	Stats(ctx context.Context) (*QueueStats, error)

	// RecoverStuck fails processing rows older than olderThan whose worker
	// is not in liveWorkers, following Fail rules. An empty types list
	// means all types. Returns rows touched.
	RecoverStuck(ctx context.Context, olderThan time.Duration, liveWorkers []string, types ...models.JobType) (int64, error)

	// PruneTerminal deletes terminal rows whose completed_at is past the
	// retention window. Returns rows deleted.
	PruneTerminal(ctx context.Context, retention time.Duration) (int64, error)

	// SetPaused flips the shared pause toggle; IsPaused reads it.
	// SeedPaused writes the initial state only when no toggle row exists.
	SetPaused(ctx context.Context, paused bool) error
	SeedPaused(ctx context.Context, paused bool) error
	IsPaused(ctx context.Context) (bool, error)
}

// CacheStore is the content-addressed TTL cache.
type CacheStore interface {
	// Get returns the value iff the entry exists and has not expired.
	Get(ctx context.Context, key string) (models.Payload, error)
	Set(ctx context.Context, key string, value models.Payload, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Cleanup removes expired entries and returns how many.
	Cleanup(ctx context.Context) (int64, error)
}

// WorkerRegistry is the heartbeat table.
type WorkerRegistry interface {
	Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error
	Deregister(ctx context.Context, workerID string) error
	// LiveWorkers returns ids seen within the staleness window.
	LiveWorkers(ctx context.Context, staleAfter time.Duration) ([]string, error)
	ListWorkers(ctx context.Context) ([]models.WorkerHeartbeat, error)
	// PruneDead removes rows not seen within olderThan.
	PruneDead(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ContentStore is the handler-owned domain data layer. The queue core
// cares only about identifiers and processing-status transitions here.
type ContentStore interface {
	// Feed sources.
	GetSource(ctx context.Context, id uuid.UUID) (*models.FeedSource, error)
	ListDueSources(ctx context.Context) ([]models.FeedSource, error)
	TouchSource(ctx context.Context, id uuid.UUID) error

	// Raw items.
	GetRawItem(ctx context.Context, id uuid.UUID) (*models.RawFeedItem, error)
	// UpsertRawItems inserts items new by (source_id, external_id) and
	// returns only the newly inserted rows.
	UpsertRawItems(ctx context.Context, items []models.RawFeedItem) ([]models.RawFeedItem, error)
	// ListUnprocessedItems returns a source's items still awaiting
	// processing, so a retried fetch can heal a partial fan-out.
	ListUnprocessedItems(ctx context.Context, sourceID uuid.UUID) ([]models.RawFeedItem, error)
	SetRawItemStatus(ctx context.Context, id uuid.UUID, status models.ProcessingStatus) error
	SetRawItemTranscript(ctx context.Context, id uuid.UUID, transcript, ref string) error

	// Processed content.
	SaveProcessedContent(ctx context.Context, content *models.ProcessedContent) error
	ListProcessedByDate(ctx context.Context, date time.Time) ([]models.ProcessedContent, error)

	// Analyses.
	GetAnalysis(ctx context.Context, id uuid.UUID) (*models.DailyAnalysis, error)
	GetAnalysisByDate(ctx context.Context, date time.Time) (*models.DailyAnalysis, error)
	UpsertAnalysis(ctx context.Context, analysis *models.DailyAnalysis) error

	// Predictions.
	UpsertPredictions(ctx context.Context, predictions []models.Prediction) error
	ListMaturedPredictions(ctx context.Context, horizon models.PredictionHorizon, asOf time.Time) ([]models.Prediction, error)
	RecordPredictionOutcome(ctx context.Context, id uuid.UUID, outcome models.Payload) error
}

// TranscriptStore holds transcripts too large to keep on the raw item row.
type TranscriptStore interface {
	// Put stores the transcript and returns a reference URI, or "" when the
	// store keeps nothing (inline mode).
	Put(ctx context.Context, rawItemID uuid.UUID, transcript string) (string, error)
	Fetch(ctx context.Context, ref string) (string, error)
}
