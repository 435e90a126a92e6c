// Package observability builds the structured loggers used by every binary.
package observability

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/gridlock/internal/config"
)

// Sampling for the json format: per second and message, the first
// sampleFirst entries pass, then every sampleThereafter-th.
const (
	sampleFirst      = 100
	sampleThereafter = 100
)

// NewLogger creates a logger writing to stderr. Every entry carries a
// "service" field naming the binary that produced it.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	return newLogger(cfg, service, zapcore.Lock(os.Stderr))
}

func newLogger(cfg config.LoggingConfig, service string, out zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var core zapcore.Core
	switch cfg.Format {
	case "json":
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		core = zapcore.NewSamplerWithOptions(
			zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, level),
			time.Second, sampleFirst, sampleThereafter,
		)
	case "console":
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(enc), out, level)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if service != "" {
		opts = append(opts, zap.Fields(zap.String("service", service)))
	}
	return zap.New(core, opts...), nil
}
