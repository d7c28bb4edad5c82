package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketpulse/pkg/api/middleware"
	"marketpulse/pkg/jobs"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// --- Request/Response DTOs ---

// EnqueueJobRequest is the payload for submitting a job.
type EnqueueJobRequest struct {
	Type        models.JobType  `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	Priority    int             `json:"priority"`
	DelaySec    int             `json:"delay_sec"`
	DedupKey    string          `json:"dedup_key"`
	MaxAttempts int             `json:"max_attempts"`
}

// JobResponse is the API representation of a queue row.
type JobResponse struct {
	ID           uuid.UUID        `json:"id"`
	Type         models.JobType   `json:"type"`
	Payload      models.Payload   `json:"payload"`
	Priority     int              `json:"priority"`
	Status       models.JobStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	WorkerID     *string          `json:"worker_id,omitempty"`
	DedupKey     *string          `json:"dedup_key,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Deduplicated bool             `json:"deduplicated,omitempty"`
}

// --- Queue Handlers ---

// queueStats handles GET /api/v1/queue/stats
func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}

	paused, err := s.queue.IsPaused(c.Request.Context())
	if err != nil {
		respondStoreError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{
		"by_status":            stats.ByStatus,
		"by_type_status":       stats.ByTypeStatus,
		"oldest_pending_age_s": stats.OldestPendingAge.Seconds(),
		"paused":               paused,
	})
}

// pauseQueue handles POST /api/v1/queue/pause
func (s *Server) pauseQueue(c *gin.Context) {
	if err := s.queue.SetPaused(c.Request.Context(), true); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "queue paused")
	respondData(c, http.StatusOK, gin.H{"paused": true})
}

// resumeQueue handles POST /api/v1/queue/resume
func (s *Server) resumeQueue(c *gin.Context) {
	if err := s.queue.SetPaused(c.Request.Context(), false); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "queue resumed")
	respondData(c, http.StatusOK, gin.H{"paused": false})
}

// clearQueue handles POST /api/v1/queue/clear?status=completed|failed
func (s *Server) clearQueue(c *gin.Context) {
	status := models.JobStatus(c.Query("status"))
	if status != models.JobStatusCompleted && status != models.JobStatusFailed {
		respondError(c, http.StatusBadRequest, "status must be completed or failed")
		return
	}

	removed, err := s.queue.Clear(c.Request.Context(), status)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "queue cleared", zap.String("status", string(status)), zap.Int64("removed", removed))
	respondData(c, http.StatusOK, gin.H{"removed": removed})
}

// --- Job Handlers ---

// enqueueJob handles POST /api/v1/queue/jobs
func (s *Server) enqueueJob(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	spec, ok := jobs.SpecFor(req.Type)
	if !ok {
		respondError(c, http.StatusBadRequest, "unknown job type: "+string(req.Type))
		return
	}
	if req.DelaySec < 0 {
		respondError(c, http.StatusBadRequest, "delay_sec must not be negative")
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = spec.DefaultPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = spec.MaxAttempts
	}
	if maxAttempts < 1 {
		respondError(c, http.StatusBadRequest, "max_attempts must be at least 1")
		return
	}

	res, err := s.queue.Enqueue(c.Request.Context(), storage.EnqueueRequest{
		Type:        req.Type,
		Payload:     models.Payload(req.Payload),
		Priority:    priority,
		Delay:       time.Duration(req.DelaySec) * time.Second,
		DedupKey:    req.DedupKey,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		// The open row already existed; nothing new was created.
		status = http.StatusAccepted
	}
	s.logMutation(c, "job enqueued",
		zap.String("job_id", res.Job.ID.String()),
		zap.String("type", string(res.Job.Type)),
		zap.Bool("deduplicated", res.Deduplicated))
	respondData(c, status, jobToResponse(res.Job, res.Deduplicated))
}

// listJobs handles GET /api/v1/queue/jobs
func (s *Server) listJobs(c *gin.Context) {
	filter := storage.JobFilter{
		Limit:  defaultListLimit,
		Offset: 0,
	}

	if v := c.Query("status"); v != "" {
		status := models.JobStatus(v)
		if !models.ValidStatus(status) {
			respondError(c, http.StatusBadRequest, "invalid status: "+v)
			return
		}
		filter.Status = status
	}
	if v := c.Query("type"); v != "" {
		if _, ok := jobs.SpecFor(models.JobType(v)); !ok {
			respondError(c, http.StatusBadRequest, "unknown job type: "+v)
			return
		}
		filter.Type = models.JobType(v)
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	rows, total, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	response := make([]JobResponse, len(rows))
	for i := range rows {
		response[i] = jobToResponse(&rows[i], false)
	}

	respondList(c, response, ListMeta{Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// getJob handles GET /api/v1/queue/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := s.queue.Get(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	respondData(c, http.StatusOK, jobToResponse(job, false))
}

// retryJob handles POST /api/v1/queue/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := s.queue.Retry(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "job retried", zap.String("job_id", id.String()))
	respondData(c, http.StatusOK, gin.H{"id": id, "status": models.JobStatusPending})
}

// cancelJob handles POST /api/v1/queue/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := s.queue.Cancel(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "job cancelled", zap.String("job_id", id.String()))
	respondData(c, http.StatusOK, gin.H{"id": id, "status": models.JobStatusCancelled})
}

// resetJob handles POST /api/v1/queue/jobs/:id/reset
func (s *Server) resetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := s.queue.Reset(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "job reset", zap.String("job_id", id.String()))
	respondData(c, http.StatusOK, gin.H{"id": id, "status": models.JobStatusPending})
}

// deleteJob handles DELETE /api/v1/queue/jobs/:id
func (s *Server) deleteJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := s.queue.Delete(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	s.logMutation(c, "job deleted", zap.String("job_id", id.String()))
	respondData(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

// --- helpers ---

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

// logMutation records who did what. Every mutating route goes through
// here so the audit trail stays uniform.
func (s *Server) logMutation(c *gin.Context, msg string, fields ...zap.Field) {
	user := "unknown"
	if claims, ok := middleware.GetUserFromContext(c); ok {
		user = claims.Username
	}
	fields = append(fields,
		zap.String("user", user),
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
	)
	s.log.Info(msg, fields...)
}

func jobToResponse(job *models.Job, deduplicated bool) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Type:         job.Type,
		Payload:      job.Payload,
		Priority:     job.Priority,
		Status:       job.Status,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		ScheduledAt:  job.ScheduledAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ErrorMessage: job.ErrorMessage,
		WorkerID:     job.WorkerID,
		DedupKey:     job.DedupKey,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		Deduplicated: deduplicated,
	}
}
