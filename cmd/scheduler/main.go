package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "marketpulse/configs"
	"marketpulse/pkg/coordination"
	"marketpulse/pkg/coordination/etcd"
	"marketpulse/pkg/logger"
	tracing "marketpulse/pkg/observability"
	"marketpulse/pkg/scheduler"
	"marketpulse/pkg/storage/postgres"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: outputPath(cfg.LogFile),
		Service:    "marketpulse-scheduler",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "marketpulse-scheduler",
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

	// With etcd endpoints configured, multiple schedulers may run and
	// exactly one acts at a time. Without them this is the only one.
	var coordinator coordination.Coordinator
	if len(cfg.EtcdEndpoints) > 0 {
		coordinator, err = etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
		if err != nil {
			log.Fatal("failed to connect to etcd", zap.Error(err))
		}
		log.Info("etcd connected", zap.Strings("endpoints", cfg.EtcdEndpoints))
	} else {
		coordinator = coordination.NewStandalone()
		log.Info("no etcd endpoints configured, running standalone")
	}
	defer coordinator.Close()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	candidate := candidateName()
	election := coordinator.NewElection("scheduler")

	log.Info("campaigning for leadership", zap.String("candidate", candidate))
	if err := election.Campaign(ctx, candidate); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown before leadership acquired")
			return
		}
		log.Fatal("election campaign failed", zap.Error(err))
	}
	log.Info("leadership acquired", zap.String("candidate", candidate))

	core := scheduler.NewCore(scheduler.Config{
		ReaperInterval:       cfg.ReaperInterval,
		Retention:            time.Duration(cfg.JobRetentionDays) * 24 * time.Hour,
		DefaultTimeout:       cfg.HandlerTimeoutDefault,
		DailyAnalysisUTCHour: cfg.DailyAnalysisUTCHour,
		CompareEveryHours:    cfg.PredictionCompareEvery,
	}, store, store, store, store)

	// Losing the coordination session revokes leadership out from under
	// us; stop producing before the standby starts.
	runCtx, stepDown := context.WithCancel(ctx)
	defer stepDown()
	go func() {
		select {
		case <-coordinator.Done():
			log.Warn("coordination session lost, stepping down")
			stepDown()
		case <-runCtx.Done():
		}
	}()

	if err := core.Run(runCtx); err != nil && err != context.Canceled {
		log.Error("scheduler stopped with error", zap.Error(err))
	}

	// Resign so a standby takes over immediately instead of waiting for
	// the session TTL to lapse.
	resignCtx, resignCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer resignCancel()
	if err := election.Resign(resignCtx); err != nil {
		log.Warn("failed to resign leadership", zap.Error(err))
	} else {
		log.Info("leadership resigned")
	}

	if err := tp.Shutdown(resignCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func candidateName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "scheduler"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func outputPath(logFile string) string {
	if logFile != "" {
		return logFile
	}
	return "stdout"
}
