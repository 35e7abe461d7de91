package shardsave

import (
	"log/slog"

	"github.com/randalmurphal/shardsave/pkg/shardsave/collective"
	"github.com/randalmurphal/shardsave/pkg/shardsave/observability"
)

// saveConfig holds configuration for a Saver.
type saveConfig struct {
	group           collective.Group
	coordinatorRank int
	noDistribution  bool
	newPlanner      func() Planner

	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	tracingEnabled bool
}

func defaultSaveConfig() saveConfig {
	return saveConfig{
		newPlanner: func() Planner { return NewDefaultPlanner() },
		logger:     slog.Default(),
		metrics:    observability.NoopMetrics{},
		spans:      observability.NoopSpanManager{},
	}
}

// SaveOption configures a Saver.
type SaveOption func(*saveConfig)

// WithProcessGroup sets the group of ranks taking part in the save.
// Every rank passes its own handle to the same group.
func WithProcessGroup(group collective.Group) SaveOption {
	return func(c *saveConfig) {
		c.group = group
	}
}

// WithCoordinatorRank sets the rank that builds the global plan and
// commits the metadata.
// Default: 0
func WithCoordinatorRank(rank int) SaveOption {
	return func(c *saveConfig) {
		c.coordinatorRank = rank
	}
}

// WithNoDistribution runs the save as a single rank. Both rounds call the
// planner and sink directly and any process group is ignored.
func WithNoDistribution() SaveOption {
	return func(c *saveConfig) {
		c.noDistribution = true
	}
}

// WithPlanner sets the planner factory. A fresh planner is built for every
// save call.
// Default: NewDefaultPlanner
func WithPlanner(newPlanner func() Planner) SaveOption {
	return func(c *saveConfig) {
		if newPlanner != nil {
			c.newPlanner = newPlanner
		}
	}
}

// WithPlannerInstance uses p for every save call.
func WithPlannerInstance(p Planner) SaveOption {
	return func(c *saveConfig) {
		if p != nil {
			c.newPlanner = func() Planner { return p }
		}
	}
}

// WithLogger sets the logger for save diagnostics.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) SaveOption {
	return func(c *saveConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
//
// Metrics recorded:
//   - shardsave.save.runs, shardsave.save.latency_ms
//   - shardsave.round.latency_ms, shardsave.round.errors
//   - shardsave.write.items, shardsave.write.bytes
func WithMetrics(enabled bool) SaveOption {
	return func(c *saveConfig) {
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables or disables OpenTelemetry tracing.
// Each save gets a shardsave.save span with one child per round.
func WithTracing(enabled bool) SaveOption {
	return func(c *saveConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}
