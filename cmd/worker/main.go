package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "marketpulse/configs"
	"marketpulse/pkg/ai"
	"marketpulse/pkg/feeds"
	"marketpulse/pkg/jobs"
	"marketpulse/pkg/logger"
	tracing "marketpulse/pkg/observability"
	"marketpulse/pkg/storage"
	"marketpulse/pkg/storage/postgres"
	"marketpulse/pkg/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = deriveWorkerID()
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: outputPath(cfg.LogFile),
		Service:    "marketpulse-worker",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log = log.With(zap.String("worker_id", workerID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "marketpulse-worker",
		Enabled:      cfg.OtelEndpoint != "",
		Endpoint:     cfg.OtelEndpoint,
		SamplingRate: cfg.OtelSampleRate,
	})
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	store, err := postgres.NewPostgresStore(cfg.DBURL)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("postgres connected")

	// Transcript blobs go to S3 when a bucket is configured; otherwise
	// they stay inline on the raw item row.
	var transcripts storage.TranscriptStore = storage.NewInlineTranscriptStore()
	if cfg.S3Bucket != "" {
		transcripts, err = storage.NewS3TranscriptStore(storage.S3TranscriptStoreConfig{
			Bucket: cfg.S3Bucket,
			Region: cfg.AWSRegion,
		})
		if err != nil {
			log.Fatal("failed to initialize transcript store", zap.Error(err))
		}
		log.Info("transcript blobs go to s3", zap.String("bucket", cfg.S3Bucket))
	}

	sidecar := ai.NewClient(cfg.AIServiceURL, 15*time.Minute)

	pipeline := jobs.NewPipeline(jobs.PipelineDeps{
		Queue:          store,
		Content:        store,
		Cache:          store,
		Workers:        store,
		Transcripts:    transcripts,
		Adapters:       feeds.Default(),
		Processor:      sidecar,
		Analyzer:       sidecar,
		Predictor:      sidecar,
		Transcriber:    sidecar,
		DefaultTimeout: cfg.HandlerTimeoutDefault,
		Retention:      time.Duration(cfg.JobRetentionDays) * 24 * time.Hour,
		Log:            log.Named("pipeline"),
	})

	registry, err := pipeline.Registry()
	if err != nil {
		log.Fatal("failed to build handler registry", zap.Error(err))
	}

	pool := worker.New(worker.Config{
		WorkerID:          workerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, store, store, registry)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Error("worker pool stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// deriveWorkerID builds a host-scoped unique id so multiple workers on
// one machine never collide in the workers table.
func deriveWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func outputPath(logFile string) string {
	if logFile != "" {
		return logFile
	}
	return "stdout"
}
