package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobType identifies a registered pipeline handler.
type JobType string

const (
	JobTypeFeedFetch            JobType = "feed_fetch"
	JobTypeContentProcess       JobType = "content_process"
	JobTypeDailyAnalysis        JobType = "daily_analysis"
	JobTypeGeneratePredictions  JobType = "generate_predictions"
	JobTypePodcastTranscription JobType = "podcast_transcription"
	JobTypePredictionCompare    JobType = "prediction_compare"
	JobTypeCleanup              JobType = "cleanup"
)

// JobStatus represents the lifecycle state of a queue row.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetry      JobStatus = "retry"
	JobStatusCancelled  JobStatus = "cancelled"
)

// OpenStatuses are the states in which a job still owes work. Dedup
// uniqueness is enforced only among these.
var OpenStatuses = []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusRetry}

// TerminalStatuses are the states subject to retention pruning.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsOpen reports whether the status still owes work.
func (s JobStatus) IsOpen() bool {
	return s == JobStatusPending || s == JobStatusProcessing || s == JobStatusRetry
}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidStatus reports whether s is one of the six lifecycle states.
func ValidStatus(s JobStatus) bool {
	return s.IsOpen() || s.IsTerminal()
}

// Payload is an opaque JSON document stored in a jsonb column.
type Payload []byte

func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*p = append((*p)[:0], v...)
	case string:
		*p = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return []byte(p), nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Job is a row in the durable queue. All mutations go through the queue
// engine; other components read only.
type Job struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Type         JobType    `json:"type" gorm:"type:varchar(40);not null;index:idx_jobs_type_status,priority:1"`
	Payload      Payload    `json:"payload" gorm:"type:jsonb"`
	Priority     int        `json:"priority" gorm:"not null;default:5;index:idx_jobs_poll,priority:3"`
	Status       JobStatus  `json:"status" gorm:"type:varchar(20);not null;default:'pending';index:idx_jobs_type_status,priority:2;index:idx_jobs_poll,priority:1"`
	Attempts     int        `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts  int        `json:"max_attempts" gorm:"not null;default:3"`
	ScheduledAt  time.Time  `json:"scheduled_at" gorm:"not null;index:idx_jobs_poll,priority:2"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message" gorm:"type:text"`
	WorkerID     *string    `json:"worker_id" gorm:"type:varchar(128)"`
	DedupKey     *string    `json:"dedup_key" gorm:"type:varchar(255)"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID if not present
func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return
}

// CacheEntry memoizes an expensive deterministic computation. Key is a
// sha-256 hex fingerprint of the handler-declared inputs.
type CacheEntry struct {
	Key       string    `json:"key" gorm:"type:varchar(64);primaryKey"`
	Value     Payload   `json:"value" gorm:"type:jsonb"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

func (CacheEntry) TableName() string { return "cache_entries" }

// ResourceSnapshot is the host picture a worker attaches to its heartbeat.
type ResourceSnapshot struct {
	TotalMemMB     uint64 `json:"total_mem_mb"`
	AvailableMemMB uint64 `json:"available_mem_mb"`
	CPUCount       int    `json:"cpu_count"`
}

func (r *ResourceSnapshot) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, r)
}

func (r ResourceSnapshot) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// WorkerHeartbeat is the liveness row a worker process upserts while
// running. A worker whose LastSeen is stale is considered dead by the
// reaper.
type WorkerHeartbeat struct {
	ID        string           `json:"id" gorm:"type:varchar(128);primaryKey"`
	LastSeen  time.Time        `json:"last_seen" gorm:"not null;index"`
	Hostname  string           `json:"hostname"`
	PID       int              `json:"pid"`
	StartedAt time.Time        `json:"started_at"`
	Resources ResourceSnapshot `json:"resources" gorm:"type:jsonb"`
}

func (WorkerHeartbeat) TableName() string { return "workers" }

// QueueControl is the singleton pause toggle shared between the API and
// worker processes.
type QueueControl struct {
	ID        int       `json:"id" gorm:"primaryKey"`
	Paused    bool      `json:"paused" gorm:"not null;default:false"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (QueueControl) TableName() string { return "queue_control" }
