// Package logger owns the process-wide zap logger. Binaries call Init
// once at startup; libraries take *zap.Logger handles (usually Named)
// rather than reaching for the global.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation policy for file output.
const (
	rotateSizeMB  = 100
	rotateKeep    = 5
	rotateAgeDays = 14
)

var (
	global *zap.Logger
	once   sync.Once
)

// Config selects level, encoding and destination for the process logger.
type Config struct {
	Level      string // debug, info, warn, error
	Encoding   string // json or console
	OutputPath string // stdout, stderr, or a file path (files rotate)
	Service    string // stamped on every entry as "service"
}

// Init builds the process logger. The first call wins; later calls get
// the logger the first one built.
func Init(cfg Config) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return global, err
}

// Get returns the process logger, building a default one when Init has
// not run yet (tests, failures before startup finishes).
func Get() *zap.Logger {
	if global == nil {
		global, _ = build(Config{Level: "info", Encoding: "json", Service: "marketpulse"})
	}
	return global
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    rotateSizeMB,
			MaxBackups: rotateKeep,
			MaxAge:     rotateAgeDays,
			Compress:   true,
		})
	}

	log := zap.New(zapcore.NewCore(encoder, sink, level),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if cfg.Service != "" {
		log = log.With(zap.String("service", cfg.Service))
	}
	return log, nil
}

// The package-level helpers exist for code with no logger handle in
// reach: config validation before Init, breaker state callbacks. The
// caller skip keeps their call sites, not this file, in the caller
// field; loggers handed out by Init and Get carry no skip.
func helper() *zap.Logger {
	return Get().WithOptions(zap.AddCallerSkip(1))
}

func Warn(msg string, fields ...zap.Field) { helper().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { helper().Error(msg, fields...) }

// Fatal logs and exits; only binaries call it.
func Fatal(msg string, fields ...zap.Field) { helper().Fatal(msg, fields...) }

// Sync flushes buffered entries. Syncing stdout fails on some platforms;
// callers defer it and ignore the error.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
