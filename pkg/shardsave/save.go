package shardsave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/shardsave/pkg/shardsave/collective"
	"github.com/randalmurphal/shardsave/pkg/shardsave/observability"
)

// Saver runs checkpoint saves against one storage sink.
//
// A Saver may be reused for consecutive saves. Every rank must call Save
// the same number of times, in the same order; concurrent saves over one
// process group are not supported.
type Saver struct {
	sink StorageSink
	cfg  saveConfig
}

// NewSaver creates a Saver that writes through sink.
func NewSaver(sink StorageSink, opts ...SaveOption) *Saver {
	cfg := defaultSaveConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Saver{sink: sink, cfg: cfg}
}

// Save is shorthand for NewSaver(sink, opts...).Save(ctx, state).
//
// Example:
//
//	md, err := shardsave.Save(ctx, state, sink,
//	    shardsave.WithProcessGroup(group),
//	    shardsave.WithCoordinatorRank(0),
//	)
func Save(ctx context.Context, state StateDict, sink StorageSink, opts ...SaveOption) (*Metadata, error) {
	return NewSaver(sink, opts...).Save(ctx, state)
}

// Save writes this rank's state as part of one checkpoint. Every rank in
// the group must call Save; it returns once the checkpoint is committed
// or has failed everywhere.
//
// Protocol:
//  1. INIT: validate configuration, build the coordinator and planner
//  2. PLAN: local plans are gathered, the coordinator builds the global
//     plan and metadata, each rank receives its own plan
//  3. WRITE: each rank writes its plan
//  4. FINISH: write results are gathered, the coordinator commits the
//     metadata, every rank receives it
//
// On success every rank returns an equal, independent copy of the
// metadata. On failure every rank returns a *SaveError. A rank that fails
// INIT still joins the PLAN round so the others fail with it.
func (s *Saver) Save(ctx context.Context, state StateDict) (md *Metadata, saveErr error) {
	call, err := s.newCall()
	if err != nil {
		s.abortPlan(ctx, err)
		return nil, &SaveError{State: StateInit, Rank: s.localRank(), Err: err}
	}

	startTime := time.Now()
	observability.LogSaveStart(call.logger)

	if s.cfg.tracingEnabled {
		var saveSpan trace.Span
		ctx, saveSpan = s.cfg.spans.StartSaveSpan(ctx, call.coord.Rank(), call.coord.Size())
		defer func() {
			s.cfg.spans.EndSpanWithError(saveSpan, saveErr)
		}()
	}

	md, saveErr = call.run(ctx, state)

	duration := time.Since(startTime)
	s.cfg.metrics.RecordSave(ctx, call.coord.Rank(), saveErr == nil, duration)

	durationMs := float64(duration.Milliseconds())
	if saveErr != nil {
		failedIn := StateFailed
		var se *SaveError
		if errors.As(saveErr, &se) {
			failedIn = se.State
		}
		observability.LogSaveError(call.logger, string(failedIn), saveErr, durationMs)
		return nil, saveErr
	}
	observability.LogSaveComplete(call.logger, durationMs, len(md.Entries))
	return md, nil
}

// localRank is the rank to report before a coordinator exists.
func (s *Saver) localRank() int {
	if s.cfg.noDistribution || s.cfg.group == nil {
		return 0
	}
	return s.cfg.group.Rank()
}

// abortPlan enters the PLAN round with a failing local step so every
// other rank learns about an INIT failure here. An out-of-range
// coordinator rank falls back to 0; if the others disagree they fail with
// a participation mismatch.
func (s *Saver) abortPlan(ctx context.Context, initErr error) {
	if s.cfg.noDistribution || s.cfg.group == nil {
		return
	}
	root := s.cfg.coordinatorRank
	if root < 0 || root >= s.cfg.group.Size() {
		root = 0
	}
	coord, err := collective.NewCoordinator(s.cfg.group, root, collective.WithLogger(s.cfg.logger))
	if err != nil {
		return
	}
	_, err = collective.ScatterRound(ctx, coord, "plan",
		func() (struct{}, error) { return struct{}{}, fmt.Errorf("init: %w", initErr) },
		func(locals []struct{}) ([]struct{}, error) { return locals, nil },
	)
	observability.LogRoundError(s.cfg.logger, "plan", err)
}

// newCall performs INIT: validation and per-call state.
func (s *Saver) newCall() (*saveCall, error) {
	if s.sink == nil {
		return nil, ErrNilStorageSink
	}

	var coord *collective.Coordinator
	copts := []collective.Option{collective.WithLogger(s.cfg.logger)}
	if s.cfg.noDistribution {
		if s.cfg.coordinatorRank != 0 {
			return nil, fmt.Errorf("%w: %d without distribution", ErrInvalidCoordinatorRank, s.cfg.coordinatorRank)
		}
		coord = collective.NewLocalCoordinator(copts...)
	} else {
		if s.cfg.group == nil {
			return nil, ErrNoProcessGroup
		}
		size := s.cfg.group.Size()
		if s.cfg.coordinatorRank < 0 || s.cfg.coordinatorRank >= size {
			return nil, fmt.Errorf("%w: %d for group of %d", ErrInvalidCoordinatorRank, s.cfg.coordinatorRank, size)
		}
		var err error
		coord, err = collective.NewCoordinator(s.cfg.group, s.cfg.coordinatorRank, copts...)
		if err != nil {
			return nil, err
		}
	}

	planner := s.cfg.newPlanner()
	if planner == nil {
		planner = NewDefaultPlanner()
	}

	return &saveCall{
		cfg:     &s.cfg,
		coord:   coord,
		planner: planner,
		sink:    s.sink,
		logger:  observability.EnrichLogger(s.cfg.logger, "", coord.Rank(), coord.Size()),
	}, nil
}

// saveCall holds the state of one Save invocation on one rank.
type saveCall struct {
	cfg     *saveConfig
	coord   *collective.Coordinator
	planner Planner
	sink    StorageSink
	logger  *slog.Logger

	// Coordinator only: metadata built in the PLAN round for FINISH.
	metadata *Metadata

	// Outcome of this rank's WRITE step.
	results  []WriteResult
	writeErr error
}

// run drives PLAN, WRITE and FINISH.
func (c *saveCall) run(ctx context.Context, state StateDict) (*Metadata, error) {
	isCoordinator := c.coord.IsCoordinator()

	// PLAN
	plan, err := roundObserved(ctx, c, "plan", func(ctx context.Context) (SavePlan, error) {
		return collective.ScatterRound(ctx, c.coord, "plan",
			func() (SavePlan, error) { return c.localPlan(state, isCoordinator) },
			c.globalPlan,
		)
	})
	if err != nil {
		return nil, c.fail(StatePlan, err)
	}
	c.logger = observability.EnrichLogger(c.cfg.logger, plan.CheckpointID, c.coord.Rank(), c.coord.Size())

	// WRITE. The outcome is carried into FINISH instead of returned so
	// every rank learns about a failed write.
	_, _ = roundObserved(ctx, c, "write", func(ctx context.Context) (struct{}, error) {
		c.write(ctx, plan)
		return struct{}{}, c.writeErr
	})

	// FINISH
	md, err := roundObserved(ctx, c, "finish", func(ctx context.Context) (*Metadata, error) {
		return collective.ReduceRound(ctx, c.coord, "finish",
			func() ([]WriteResult, error) {
				if c.writeErr != nil {
					return nil, c.writeErr
				}
				return c.results, nil
			},
			func(all [][]WriteResult) (*Metadata, error) {
				return c.finish(ctx, all)
			},
		)
	})
	if err != nil {
		if c.writeErr != nil {
			return nil, c.fail(StateWrite, err)
		}
		return nil, c.fail(StateFinish, err)
	}
	return md, nil
}

// localPlan is the PLAN round's local step.
func (c *saveCall) localPlan(state StateDict, isCoordinator bool) (SavePlan, error) {
	if err := c.planner.SetUp(state, isCoordinator); err != nil {
		return SavePlan{}, fmt.Errorf("planner set up: %w", err)
	}
	if err := c.sink.SetUp(isCoordinator); err != nil {
		return SavePlan{}, fmt.Errorf("storage set up: %w", err)
	}
	plan, err := c.planner.CreateLocalPlan()
	if err != nil {
		return SavePlan{}, fmt.Errorf("create local plan: %w", err)
	}
	plan, err = c.sink.PrepareLocalPlan(plan)
	if err != nil {
		return SavePlan{}, fmt.Errorf("prepare local plan: %w", err)
	}
	return plan, nil
}

// globalPlan is the PLAN round's global step, run on the coordinator.
func (c *saveCall) globalPlan(plans []SavePlan) ([]SavePlan, error) {
	global, md, err := c.planner.CreateGlobalPlan(plans)
	if err != nil {
		return nil, fmt.Errorf("create global plan: %w", err)
	}
	if len(global) != len(plans) {
		return nil, fmt.Errorf("%w: planner returned %d for %d ranks", ErrPlanCountMismatch, len(global), len(plans))
	}
	if md == nil {
		return nil, ErrNilMetadata
	}
	if md.ID == "" {
		md.ID = uuid.NewString()
	}
	if md.WorldSize == 0 {
		md.WorldSize = len(plans)
	}
	for i := range global {
		global[i].CheckpointID = md.ID
	}

	global, err = c.sink.PrepareGlobalPlan(global)
	if err != nil {
		return nil, fmt.Errorf("prepare global plan: %w", err)
	}
	if len(global) != len(plans) {
		return nil, fmt.Errorf("%w: storage returned %d for %d ranks", ErrPlanCountMismatch, len(global), len(plans))
	}
	c.metadata = md
	return global, nil
}

// write is the WRITE step. It records its outcome on c.
func (c *saveCall) write(ctx context.Context, plan SavePlan) {
	done := observability.TimedOperation()

	plan, err := c.planner.FinishPlan(plan)
	if err != nil {
		c.writeErr = fmt.Errorf("finish plan: %w", err)
		return
	}
	results, err := c.sink.Write(ctx, plan, c.planner)
	if err != nil {
		c.writeErr = fmt.Errorf("write: %w", err)
		return
	}
	c.results = results

	var size int64
	for _, r := range results {
		size += r.Size
	}
	c.cfg.metrics.RecordWrite(ctx, c.coord.Rank(), len(results), size)
	c.cfg.spans.AddSpanEvent(ctx, "write.completed",
		attribute.Int("items", len(results)),
		attribute.Int64("bytes", size),
	)
	observability.LogWriteComplete(c.logger, len(results), size, done())
}

// finish is the FINISH round's global step, run on the coordinator.
func (c *saveCall) finish(ctx context.Context, all [][]WriteResult) (*Metadata, error) {
	if c.metadata == nil {
		return nil, ErrNilMetadata
	}
	if err := c.sink.Finish(ctx, c.metadata, all); err != nil {
		return nil, fmt.Errorf("storage finish: %w", err)
	}
	return c.metadata, nil
}

func (c *saveCall) fail(state State, err error) error {
	return &SaveError{State: state, Rank: c.coord.Rank(), Err: err}
}

// roundObserved wraps one protocol step with logging, metrics and a span.
func roundObserved[T any](ctx context.Context, c *saveCall, name string, fn func(context.Context) (T, error)) (T, error) {
	observability.LogRoundStart(c.logger, name)
	start := time.Now()

	roundCtx := ctx
	var span trace.Span
	if c.cfg.tracingEnabled {
		roundCtx, span = c.cfg.spans.StartRoundSpan(ctx, name)
	}

	result, err := fn(roundCtx)

	if span != nil {
		c.cfg.spans.EndSpanWithError(span, err)
	}

	duration := time.Since(start)
	c.cfg.metrics.RecordRound(ctx, name, duration, err)
	if err != nil {
		observability.LogRoundError(c.logger, name, err)
	} else {
		observability.LogRoundComplete(c.logger, name, float64(duration.Milliseconds()))
	}
	return result, err
}
