// Package scheduler is the producer and janitor process. Cron rules
// enqueue the recurring pipeline jobs; a reaper ticker recovers work
// abandoned by dead workers and enforces retention. Exactly one
// scheduler runs these loops at a time, guarded by leader election in
// cmd/scheduler.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/logger"
	"marketpulse/pkg/metrics"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// deadWorkerRetention is how long a silent worker's heartbeat row is
// kept for inspection before PruneDead removes it.
const deadWorkerRetention = 10 * time.Minute

// Config holds scheduler configuration.
type Config struct {
	// ReaperInterval is how often stuck-job recovery runs.
	ReaperInterval time.Duration
	// Retention is how long terminal job rows are kept.
	Retention time.Duration
	// DefaultTimeout backs job types without their own timeout.
	DefaultTimeout time.Duration
	// DailyAnalysisUTCHour is the hour (UTC) the analysis of the
	// previous day is enqueued.
	DailyAnalysisUTCHour int
	// CompareEveryHours spaces prediction_compare sweeps.
	CompareEveryHours int
}

// Core drives the cron rules and the reaper.
type Core struct {
	cfg     Config
	queue   storage.JobQueue
	content storage.ContentStore
	cache   storage.CacheStore
	workers storage.WorkerRegistry
	cron    *cron.Cron
	log     *zap.Logger
}

func NewCore(cfg Config, queue storage.JobQueue, content storage.ContentStore, cache storage.CacheStore, workers storage.WorkerRegistry) *Core {
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.CompareEveryHours <= 0 {
		cfg.CompareEveryHours = 6
	}

	return &Core{
		cfg:     cfg,
		queue:   queue,
		content: content,
		cache:   cache,
		workers: workers,
		// All rules are written against UTC; the analysis day boundary
		// depends on it.
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  logger.Get().Named("scheduler"),
	}
}

// Run installs the cron rules and blocks driving the reaper until ctx
// is cancelled. Call only while holding leadership.
func (c *Core) Run(ctx context.Context) error {
	type rule struct {
		name string
		spec string
		fn   func(context.Context) error
	}

	rules := []rule{
		{"feed_scan", "* * * * *", c.scanFeeds},
		{"cleanup", "0 * * * *", c.produceCleanup},
		{"daily_analysis", fmt.Sprintf("0 %d * * *", c.cfg.DailyAnalysisUTCHour), c.produceDailyAnalysis},
		{"prediction_compare", fmt.Sprintf("0 */%d * * *", c.cfg.CompareEveryHours), c.produceCompare},
	}

	for _, r := range rules {
		r := r
		_, err := c.cron.AddFunc(r.spec, func() {
			metrics.ProducerRuns.WithLabelValues(r.name).Inc()
			if err := r.fn(ctx); err != nil {
				c.log.Error("producer rule failed", zap.String("rule", r.name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("failed to install rule %s: %w", r.name, err)
		}
	}

	c.cron.Start()
	c.log.Info("scheduler running",
		zap.Duration("reaper_interval", c.cfg.ReaperInterval),
		zap.Int("daily_analysis_utc_hour", c.cfg.DailyAnalysisUTCHour))

	ticker := time.NewTicker(c.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop returns once in-flight rule invocations finish.
			<-c.cron.Stop().Done()
			c.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.reap(ctx); err != nil {
				c.log.Error("reaper pass failed", zap.Error(err))
			}
		}
	}
}

// scanFeeds enqueues a feed_fetch for every source whose interval has
// elapsed. Dedup keys make the every-minute cadence safe: a source with
// an open fetch job is skipped by the store.
func (c *Core) scanFeeds(ctx context.Context) error {
	sources, err := c.content.ListDueSources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list due sources: %w", err)
	}

	for _, src := range sources {
		payload := jobs.FeedFetchPayload{SourceID: src.ID}
		if err := c.produce(ctx, models.JobTypeFeedFetch, payload, jobs.FetchDedupKey(src.ID)); err != nil {
			c.log.Error("failed to enqueue feed fetch",
				zap.String("source", src.Name),
				zap.String("source_id", src.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// produceDailyAnalysis enqueues the analysis of the just-finished UTC day.
func (c *Core) produceDailyAnalysis(ctx context.Context) error {
	date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	payload := jobs.DailyAnalysisPayload{Date: date}
	return c.produce(ctx, models.JobTypeDailyAnalysis, payload, jobs.AnalysisDedupKey(date))
}

// produceCompare sweeps every horizon for matured predictions.
func (c *Core) produceCompare(ctx context.Context) error {
	now := time.Now().UTC()
	for _, horizon := range models.Horizons {
		payload := jobs.PredictionComparePayload{Horizon: horizon}
		if err := c.produce(ctx, models.JobTypePredictionCompare, payload, jobs.CompareDedupKey(horizon, now)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) produceCleanup(ctx context.Context) error {
	return c.produce(ctx, models.JobTypeCleanup, jobs.CleanupPayload{}, jobs.CleanupDedupKey(time.Now().UTC()))
}

// produce enqueues one job with the type's registry defaults.
func (c *Core) produce(ctx context.Context, t models.JobType, payload interface{}, dedupKey string) error {
	spec, ok := jobs.SpecFor(t)
	if !ok {
		return fmt.Errorf("no spec for job type %s", t)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}

	res, err := c.queue.Enqueue(ctx, storage.EnqueueRequest{
		Type:        t,
		Payload:     raw,
		Priority:    spec.DefaultPriority,
		DedupKey:    dedupKey,
		MaxAttempts: spec.MaxAttempts,
	})
	if err != nil {
		return err
	}

	if res.Deduplicated {
		metrics.RecordEnqueue(string(t), "deduplicated")
	} else {
		metrics.RecordEnqueue(string(t), "inserted")
		c.log.Debug("job produced",
			zap.String("type", string(t)),
			zap.String("job_id", res.Job.ID.String()),
			zap.String("dedup_key", dedupKey))
	}
	return nil
}

// reap recovers abandoned work, prunes old rows, and refreshes gauges.
func (c *Core) reap(ctx context.Context) error {
	live, err := c.workers.LiveWorkers(ctx, storage.WorkerLivenessWindow)
	if err != nil {
		return fmt.Errorf("failed to list live workers: %w", err)
	}

	// Per-type windows: a row is stuck only after twice its own timeout,
	// so slow-but-legal handlers (transcription) are left alone.
	var recovered int64
	for _, spec := range jobs.AllSpecs() {
		window := 2 * spec.TimeoutOrDefault(c.cfg.DefaultTimeout)
		n, err := c.queue.RecoverStuck(ctx, window, live, spec.Type)
		if err != nil {
			return fmt.Errorf("failed to recover stuck %s jobs: %w", spec.Type, err)
		}
		recovered += n
	}
	if recovered > 0 {
		metrics.StuckRecovered.Add(float64(recovered))
		c.log.Warn("recovered stuck jobs", zap.Int64("count", recovered), zap.Int("live_workers", len(live)))
	}

	pruned, err := c.queue.PruneTerminal(ctx, c.cfg.Retention)
	if err != nil {
		return fmt.Errorf("failed to prune terminal rows: %w", err)
	}
	if pruned > 0 {
		metrics.TerminalPruned.Add(float64(pruned))
	}

	if _, err := c.cache.Cleanup(ctx); err != nil {
		c.log.Error("cache cleanup failed", zap.Error(err))
	}

	if _, err := c.workers.PruneDead(ctx, deadWorkerRetention); err != nil {
		c.log.Error("worker prune failed", zap.Error(err))
	}

	c.exportGauges(ctx)
	return nil
}

// exportGauges refreshes the queue depth and age gauges from a stats
// snapshot. Reset first so drained (type, status) pairs drop to absent
// instead of sticking at their last value.
func (c *Core) exportGauges(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.log.Error("failed to read queue stats", zap.Error(err))
		return
	}

	metrics.QueueDepth.Reset()
	for jobType, byStatus := range stats.ByTypeStatus {
		for status, count := range byStatus {
			metrics.QueueDepth.WithLabelValues(string(jobType), string(status)).Set(float64(count))
		}
	}
	metrics.OldestPendingAge.Set(stats.OldestPendingAge.Seconds())
}
