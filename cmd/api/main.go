package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "marketpulse/configs"
	"marketpulse/pkg/api"
	"marketpulse/pkg/auth"
	"marketpulse/pkg/logger"
	tracing "marketpulse/pkg/observability"
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
		Service:    "marketpulse-api",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "marketpulse-api",
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

	// Persist the configured pause state once so a restart does not
	// silently resume a queue an operator paused.
	if err := store.SeedPaused(ctx, cfg.Paused); err != nil {
		log.Fatal("failed to seed pause state", zap.Error(err))
	}

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = cfg.JWTSecret
	jwtService, err := auth.NewJWTService(jwtCfg)
	if err != nil {
		log.Fatal("failed to initialize JWT service", zap.Error(err))
	}

	// API keys are optional; without redis only JWT auth works.
	var apiKeys auth.APIKeyStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		apiKeys = auth.NewRedisAPIKeyStore(rdb)
		log.Info("redis connected, API key auth enabled")
	}

	server := api.NewServer(api.Config{
		Port:           strconv.Itoa(cfg.APIPort),
		Queue:          store,
		Workers:        store,
		Pinger:         store.Ping,
		JWTService:     jwtService,
		APIKeys:        apiKeys,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		TracingEnabled: cfg.OtelEndpoint != "",
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			cancel()
		}
	}()
	log.Info("api server started", zap.Int("port", cfg.APIPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func outputPath(logFile string) string {
	if logFile != "" {
		return logFile
	}
	return "stdout"
}
