// Package worker runs the fiber pool that claims jobs from the queue
// engine and dispatches them to registered handlers. One pool handles
// every registered type; per-type semaphores keep expensive handlers
// from monopolizing the fibers.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

var tracer = otel.Tracer("marketpulse-worker")

// settleTimeout bounds the queue write that records an outcome; it uses
// a fresh context so outcomes land even while the pool is shutting down.
const settleTimeout = 10 * time.Second

// pollJitter is added to every idle sleep so a fleet of workers does not
// thundering-herd the poll query.
const pollJitter = 250 * time.Millisecond

type Config struct {
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// ShutdownGrace is how long Run waits for in-flight jobs on stop.
	ShutdownGrace time.Duration
	// ReleaseDelay reschedules a claimed job whose type semaphore is full.
	ReleaseDelay time.Duration
	// CancelGrace is how long a timed-out handler may keep running before
	// its fiber is written off and replaced.
	CancelGrace time.Duration
}

// Pool claims and runs jobs. It owns no domain logic: handlers come from
// the registry, outcomes go to the queue engine.
type Pool struct {
	cfg       Config
	queue     storage.JobQueue
	workers   storage.WorkerRegistry
	registry  *jobs.Registry
	sems      map[models.JobType]chan struct{}
	log       *zap.Logger
	wg        sync.WaitGroup
	startedAt time.Time
}

func New(cfg Config, queue storage.JobQueue, workers storage.WorkerRegistry, registry *jobs.Registry) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 2 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}

	sems := make(map[models.JobType]chan struct{})
	for _, t := range registry.Types() {
		entry, _ := registry.Lookup(t)
		capacity := entry.MaxConcurrency
		if capacity <= 0 {
			capacity = 1
		}
		sems[t] = make(chan struct{}, capacity)
	}

	return &Pool{
		cfg:      cfg,
		queue:    queue,
		workers:  workers,
		registry: registry,
		sems:     sems,
		log:      logger.Get().Named("worker"),
	}
}

// Run drives the fibers until ctx is cancelled, then drains in-flight
// jobs within the shutdown grace and deregisters the worker.
func (p *Pool) Run(ctx context.Context) error {
	p.startedAt = time.Now().UTC()
	p.log.Info("worker pool starting",
		zap.String("worker_id", p.cfg.WorkerID),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("types", len(p.sems)))

	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	go p.heartbeatLoop(hbCtx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.spawnFiber(ctx, i+1)
	}

	<-ctx.Done()
	p.log.Info("stop signal received, draining in-flight jobs")

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.log.Info("all fibers drained")
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("shutdown grace exceeded, abandoning remaining fibers",
			zap.Duration("grace", p.cfg.ShutdownGrace))
	}

	hbCancel()
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.workers.Deregister(dctx, p.cfg.WorkerID); err != nil {
		p.log.Warn("worker deregistration failed", zap.Error(err))
	}
	return nil
}

// spawnFiber starts fiber n. A fiber written off by an unresponsive
// handler is replaced so pool capacity never degrades silently.
func (p *Pool) spawnFiber(ctx context.Context, n int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if tainted := p.fiberLoop(ctx, n); tainted && ctx.Err() == nil {
			p.log.Warn("fiber tainted by unresponsive handler, replacing", zap.Int("fiber", n))
			p.spawnFiber(ctx, n)
		}
	}()
}

// fiberLoop polls, claims and runs jobs until shutdown. It returns true
// when the fiber is tainted: a handler ignored cancellation past the
// grace window and its goroutine had to be abandoned.
func (p *Pool) fiberLoop(ctx context.Context, n int) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		paused, err := p.queue.IsPaused(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("pause check failed", zap.Error(err))
			}
			p.idle(ctx)
			continue
		}
		if paused {
			p.idle(ctx)
			continue
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.WorkerID, p.registry.Types())
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("dequeue failed", zap.Error(err))
			}
			p.idle(ctx)
			continue
		}
		if job == nil {
			metrics.DequeueEmpty.Inc()
			p.idle(ctx)
			continue
		}

		if tainted := p.dispatch(ctx, n, job); tainted {
			return true
		}
	}
}

// idle sleeps one poll interval plus jitter, or until shutdown.
func (p *Pool) idle(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(pollJitter)))
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval + jitter):
	}
}

// dispatch runs one claimed job under its type's concurrency cap. When
// the cap is saturated the job is released back with a short delay and
// its attempt un-charged; hitting a full semaphore is congestion, not
// failure.
func (p *Pool) dispatch(ctx context.Context, fiber int, job *models.Job) (tainted bool) {
	entry, ok := p.registry.Lookup(job.Type)
	if !ok {
		// Enqueue validates types, so this means the queue and registry
		// disagree about the world. Retrying cannot fix that.
		p.fail(job, fmt.Sprintf("no handler registered for type %q", job.Type), true)
		metrics.RecordJob(string(job.Type), "failed_permanent", 0)
		return false
	}

	sem := p.sems[job.Type]
	select {
	case sem <- struct{}{}:
	default:
		metrics.SemaphoreReleases.WithLabelValues(string(job.Type)).Inc()
		if err := p.queue.Release(ctx, job.ID, p.cfg.WorkerID, p.cfg.ReleaseDelay); err != nil {
			p.log.Warn("release failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		return false
	}

	return p.runJob(fiber, entry, job, func() { <-sem })
}

// runJob validates, invokes and settles one claimed job. releaseSem
// fires when the handler goroutine truly ends, so a zombie handler
// keeps its concurrency slot until it lets go.
func (p *Pool) runJob(fiber int, entry *jobs.Entry, job *models.Job, releaseSem func()) (tainted bool) {
	start := time.Now()
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	// Spans and handler contexts hang off Background on purpose: a
	// claimed job runs to completion even while the pool is stopping.
	sctx, span := tracer.Start(context.Background(), "job.run", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
		attribute.String("worker.id", p.cfg.WorkerID),
	))
	defer span.End()

	log := p.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Int("fiber", fiber),
	)
	log.Info("job started")

	if _, err := p.registry.ValidatePayload(job.Type, job.Payload); err != nil {
		releaseSem()
		span.SetStatus(codes.Error, "invalid payload")
		p.settle(span, log, job, jobs.Permanent(err), start)
		return false
	}

	timeout := p.registry.Timeout(job.Type)
	hctx, cancel := context.WithTimeout(sctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer releaseSem()
		done <- p.invoke(hctx, entry, job)
	}()

	select {
	case err := <-done:
		p.settle(span, log, job, err, start)
		return false
	case <-hctx.Done():
		// Deadline hit. The handler gets a grace window to honor the
		// cancellation before the fiber is written off.
		select {
		case err := <-done:
			p.settle(span, log, job, err, start)
			return false
		case <-time.After(p.cfg.CancelGrace):
			span.SetStatus(codes.Error, "handler timeout")
			p.fail(job, fmt.Sprintf("handler timeout after %s", timeout), false)
			metrics.RecordJob(string(job.Type), "timeout", time.Since(start).Seconds())
			log.Error("handler ignored cancellation, writing fiber off",
				zap.Duration("timeout", timeout),
				zap.Duration("grace", p.cfg.CancelGrace))
			return true
		}
	}
}

// invoke runs the handler behind a panic guard. A panic is a transient
// failure: the stack goes to the log, a one-line summary to the row.
func (p *Pool) invoke(ctx context.Context, entry *jobs.Entry, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked",
				zap.String("job_id", job.ID.String()),
				zap.String("job_type", string(job.Type)),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return entry.Handler(ctx, job)
}

// settle maps a handler outcome onto the queue engine.
func (p *Pool) settle(span trace.Span, log *zap.Logger, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)
	switch {
	case err == nil:
		p.complete(job)
		metrics.RecordJob(string(job.Type), "completed", duration.Seconds())
		log.Info("job completed", zap.Duration("duration", duration))
	case jobs.IsPermanent(err):
		span.SetStatus(codes.Error, err.Error())
		p.fail(job, err.Error(), true)
		metrics.RecordJob(string(job.Type), "failed_permanent", duration.Seconds())
		log.Error("job failed permanently", zap.Error(err), zap.Duration("duration", duration))
	default:
		span.SetStatus(codes.Error, err.Error())
		p.fail(job, err.Error(), false)
		metrics.RecordJob(string(job.Type), "failed", duration.Seconds())
		log.Warn("job failed, retry eligible", zap.Error(err), zap.Duration("duration", duration))
	}
}

func (p *Pool) complete(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := p.queue.Complete(ctx, job.ID, p.cfg.WorkerID); err != nil {
		// Losing the holder check means the reaper recovered the row; the
		// retry re-runs an idempotent handler.
		p.log.Debug("complete rejected",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func (p *Pool) fail(job *models.Job, msg string, permanent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := p.queue.Fail(ctx, job.ID, p.cfg.WorkerID, msg, permanent); err != nil {
		p.log.Debug("fail rejected",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// heartbeatLoop announces liveness so the reaper can tell a slow handler
// from a dead worker. It runs off the pool context: the final beats
// cover the drain window.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Pool) beat(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	hostname, _ := os.Hostname()
	hb := &models.WorkerHeartbeat{
		ID:        p.cfg.WorkerID,
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartedAt: p.startedAt,
		Resources: snapshotResources(),
	}
	if err := p.workers.Heartbeat(hctx, hb); err != nil {
		if ctx.Err() == nil {
			p.log.Warn("heartbeat failed", zap.Error(err))
		}
		return
	}
	metrics.HeartbeatsSent.Inc()
}

// snapshotResources captures the host picture carried on heartbeats.
func snapshotResources() models.ResourceSnapshot {
	snap := models.ResourceSnapshot{CPUCount: runtime.NumCPU()}
	if v, err := mem.VirtualMemory(); err == nil {
		snap.TotalMemMB = v.Total / 1024 / 1024
		snap.AvailableMemMB = v.Available / 1024 / 1024
	}
	return snap
}
