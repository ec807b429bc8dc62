package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/depotd/depot/internal/config"
)

// New creates a new zerolog.Logger writing JSON to the given writer.
func New(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// NewFromConfig builds the service logger. A configured log file rotates
// through lumberjack; otherwise output goes to stdout.
func NewFromConfig(cfg config.LoggingConfig) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return New(w).Level(level)
}

// RequestID extracts the request ID injected by the request-id middleware.
func RequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// LogRequest logs an HTTP request with standard fields.
func LogRequest(logger zerolog.Logger, ctx context.Context, method, path string, status int, size int64, latency time.Duration) {
	logger.Info().
		Str("request_id", RequestID(ctx)).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Int64("size", size).
		Dur("latency", latency).
		Msg("request")
}
