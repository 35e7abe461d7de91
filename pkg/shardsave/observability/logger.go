// Package observability provides logging, metrics and tracing for
// checkpoint saves.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds save context to a logger.
// Returns a new logger with checkpoint_id, rank and world_size fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "ckpt-123", 2, 8)
//	enriched.Info("writing") // includes checkpoint_id, rank, world_size
func EnrichLogger(logger *slog.Logger, checkpointID string, rank, worldSize int) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := []any{
		slog.Int("rank", rank),
		slog.Int("world_size", worldSize),
	}
	if checkpointID != "" {
		attrs = append(attrs, slog.String("checkpoint_id", checkpointID))
	}
	return logger.With(attrs...)
}

// LogSaveStart logs the start of a save call on one rank.
// Pass a logger from EnrichLogger; rank and world size come from it.
func LogSaveStart(logger *slog.Logger) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint save starting")
}

// LogSaveComplete logs a successful save on one rank.
// The checkpoint ID comes from the enriched logger.
func LogSaveComplete(logger *slog.Logger, durationMs float64, entries int) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint save completed",
		slog.Float64("duration_ms", durationMs),
		slog.Int("entries", entries),
	)
}

// LogSaveError logs a failed save on one rank.
func LogSaveError(logger *slog.Logger, state string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint save failed",
		slog.String("state", state),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRoundStart logs entry into a collective round.
func LogRoundStart(logger *slog.Logger, round string) {
	if logger == nil {
		return
	}
	logger.Debug("round starting",
		slog.String("round", round),
	)
}

// LogRoundComplete logs a completed collective round.
func LogRoundComplete(logger *slog.Logger, round string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("round completed",
		slog.String("round", round),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRoundError logs a failed collective round.
func LogRoundError(logger *slog.Logger, round string, err error) {
	if logger == nil {
		return
	}
	logger.Error("round failed",
		slog.String("round", round),
		slog.String("error", err.Error()),
	)
}

// LogWriteComplete logs this rank's finished writes.
func LogWriteComplete(logger *slog.Logger, items int, bytes int64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("rank writes completed",
		slog.Int("items", items),
		slog.Int64("bytes", bytes),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
