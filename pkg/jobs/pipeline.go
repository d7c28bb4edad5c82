package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketpulse/pkg/metrics"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// Pipeline owns the handlers of the market-analysis feed pipeline and
// the collaborators they drive. Queue writes go through the queue
// engine only; domain writes go through the content store only.
type Pipeline struct {
	queue       storage.JobQueue
	content     storage.ContentStore
	cache       storage.CacheStore
	workers     storage.WorkerRegistry
	transcripts storage.TranscriptStore
	adapters    AdapterRegistry
	processor   Processor
	analyzer    Analyzer
	predictor   Predictor
	transcriber Transcriber

	defaultTimeout time.Duration
	retention      time.Duration
	log            *zap.Logger
}

// PipelineDeps carries everything a Pipeline needs. All fields are
// required except Log.
type PipelineDeps struct {
	Queue       storage.JobQueue
	Content     storage.ContentStore
	Cache       storage.CacheStore
	Workers     storage.WorkerRegistry
	Transcripts storage.TranscriptStore
	Adapters    AdapterRegistry
	Processor   Processor
	Analyzer    Analyzer
	Predictor   Predictor
	Transcriber Transcriber

	// DefaultTimeout is the handler deadline for types without their own;
	// the cleanup handler also derives its stuck-job window from it.
	DefaultTimeout time.Duration
	// Retention is how long terminal job rows are kept.
	Retention time.Duration
	Log       *zap.Logger
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = 300 * time.Second
	}
	if deps.Retention <= 0 {
		deps.Retention = 7 * 24 * time.Hour
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Pipeline{
		queue:          deps.Queue,
		content:        deps.Content,
		cache:          deps.Cache,
		workers:        deps.Workers,
		transcripts:    deps.Transcripts,
		adapters:       deps.Adapters,
		processor:      deps.Processor,
		analyzer:       deps.Analyzer,
		predictor:      deps.Predictor,
		transcriber:    deps.Transcriber,
		defaultTimeout: deps.DefaultTimeout,
		retention:      deps.Retention,
		log:            deps.Log,
	}
}

// Registry builds the full handler registry for the worker pool.
func (p *Pipeline) Registry() (*Registry, error) {
	r := NewRegistry(p.defaultTimeout)
	for _, reg := range []struct {
		t  models.JobType
		np func() interface{}
		h  Handler
	}{
		{models.JobTypeFeedFetch, func() interface{} { return &FeedFetchPayload{} }, p.HandleFeedFetch},
		{models.JobTypeContentProcess, func() interface{} { return &ContentProcessPayload{} }, p.HandleContentProcess},
		{models.JobTypeDailyAnalysis, func() interface{} { return &DailyAnalysisPayload{} }, p.HandleDailyAnalysis},
		{models.JobTypeGeneratePredictions, func() interface{} { return &GeneratePredictionsPayload{} }, p.HandleGeneratePredictions},
		{models.JobTypePodcastTranscription, func() interface{} { return &PodcastTranscriptionPayload{} }, p.HandlePodcastTranscription},
		{models.JobTypePredictionCompare, func() interface{} { return &PredictionComparePayload{} }, p.HandlePredictionCompare},
		{models.JobTypeCleanup, func() interface{} { return &CleanupPayload{} }, p.HandleCleanup},
	} {
		if err := r.Register(reg.t, reg.np, reg.h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// enqueue pushes a downstream job with the type's contract defaults.
// Handlers call this only after their own writes are committed, so a
// claimed child job always sees its inputs.
func (p *Pipeline) enqueue(ctx context.Context, t models.JobType, payload interface{}, delay time.Duration, dedupKey string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	spec, ok := SpecFor(t)
	if !ok {
		return fmt.Errorf("job type %q has no contract", t)
	}
	res, err := p.queue.Enqueue(ctx, storage.EnqueueRequest{
		Type:        t,
		Payload:     raw,
		Priority:    spec.DefaultPriority,
		Delay:       delay,
		DedupKey:    dedupKey,
		MaxAttempts: spec.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t, err)
	}
	result := "inserted"
	if res.Deduplicated {
		result = "deduplicated"
	}
	metrics.RecordEnqueue(string(t), result)
	return nil
}
