package collective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Coordinator runs collective rounds for one rank of a group.
// A Coordinator without a group runs every round locally.
type Coordinator struct {
	group       Group
	coordinator int
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for round diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a Coordinator over group with the given
// coordinator rank.
func NewCoordinator(group Group, coordinatorRank int, opts ...Option) (*Coordinator, error) {
	if group == nil {
		return nil, ErrNilGroup
	}
	if coordinatorRank < 0 || coordinatorRank >= group.Size() {
		return nil, fmt.Errorf("%w: coordinator %d for group of %d",
			ErrInvalidRank, coordinatorRank, group.Size())
	}
	c := &Coordinator{
		group:       group,
		coordinator: coordinatorRank,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewLocalCoordinator creates the single-rank Coordinator used when there is
// no distribution. Rounds run the local then the global function in place.
func NewLocalCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Distributed reports whether rounds go through a group.
func (c *Coordinator) Distributed() bool {
	return c.group != nil
}

// Rank returns this process's rank.
func (c *Coordinator) Rank() int {
	if c.group == nil {
		return 0
	}
	return c.group.Rank()
}

// Size returns the number of ranks.
func (c *Coordinator) Size() int {
	if c.group == nil {
		return 1
	}
	return c.group.Size()
}

// CoordinatorRank returns the rank that computes global results.
func (c *Coordinator) CoordinatorRank() int {
	return c.coordinator
}

// IsCoordinator reports whether this rank computes global results.
func (c *Coordinator) IsCoordinator() bool {
	return c.Rank() == c.coordinator
}

// ScatterRound runs localFn on every rank, globalFn once on the coordinator
// over the local values in rank order, and returns to each rank the
// globalFn output at its own index.
func ScatterRound[L, G any](
	ctx context.Context,
	c *Coordinator,
	name string,
	localFn func() (L, error),
	globalFn func([]L) ([]G, error),
) (G, error) {
	if !c.Distributed() {
		var zero G
		local, err := localFn()
		if err != nil {
			return zero, &RoundError{Round: name, Rank: 0, Phase: PhaseLocal, Err: err}
		}
		outs, err := globalFn([]L{local})
		if err != nil {
			return zero, &RoundError{Round: name, Rank: 0, Phase: PhaseGlobal, Err: err}
		}
		if len(outs) != 1 {
			return zero, &RoundError{Round: name, Rank: 0, Phase: PhaseGlobal,
				Err: fmt.Errorf("%w: got %d for 1 rank", ErrResultCount, len(outs))}
		}
		return outs[0], nil
	}

	return runRound[L, G](ctx, c, name, localFn, func(locals []L) ([]json.RawMessage, error) {
		outs, err := globalFn(locals)
		if err != nil {
			return nil, err
		}
		if len(outs) != len(locals) {
			return nil, fmt.Errorf("%w: got %d for %d ranks", ErrResultCount, len(outs), len(locals))
		}
		payloads := make([]json.RawMessage, len(outs))
		for i := range outs {
			p, err := json.Marshal(outs[i])
			if err != nil {
				return nil, fmt.Errorf("encode result for rank %d: %w", i, err)
			}
			payloads[i] = p
		}
		return payloads, nil
	})
}

// ReduceRound runs localFn on every rank, globalFn once on the coordinator
// over the local values in rank order, and returns the single globalFn
// result to every rank.
func ReduceRound[L, R any](
	ctx context.Context,
	c *Coordinator,
	name string,
	localFn func() (L, error),
	globalFn func([]L) (R, error),
) (R, error) {
	if !c.Distributed() {
		var zero R
		local, err := localFn()
		if err != nil {
			return zero, &RoundError{Round: name, Rank: 0, Phase: PhaseLocal, Err: err}
		}
		result, err := globalFn([]L{local})
		if err != nil {
			return zero, &RoundError{Round: name, Rank: 0, Phase: PhaseGlobal, Err: err}
		}
		return result, nil
	}

	return runRound[L, R](ctx, c, name, localFn, func(locals []L) ([]json.RawMessage, error) {
		result, err := globalFn(locals)
		if err != nil {
			return nil, err
		}
		p, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		payloads := make([]json.RawMessage, len(locals))
		for i := range payloads {
			payloads[i] = p
		}
		return payloads, nil
	})
}

// runRound is the distributed path shared by both round kinds. globalFn
// returns one encoded payload per rank.
func runRound[L, G any](
	ctx context.Context,
	c *Coordinator,
	name string,
	localFn func() (L, error),
	globalFn func([]L) ([]json.RawMessage, error),
) (G, error) {
	var zero G
	start := time.Now()
	rank := c.Rank()

	// Local step. A failure still goes through the exchange so the
	// coordinator can release every rank.
	env, localErr := localEnvelope(rank, localFn)

	gathered, gatherErr := c.group.Gather(ctx, name, c.coordinator, env)

	var (
		out       []Envelope
		globalErr error
	)
	if c.IsCoordinator() {
		out, globalErr = resolve(c, gathered, gatherErr, globalFn)
	}

	got, scatterErr := c.group.Scatter(ctx, name, c.coordinator, out)

	switch {
	case localErr != nil:
		return zero, &RoundError{Round: name, Rank: rank, Phase: PhaseLocal, Err: localErr}
	case globalErr != nil:
		return zero, &RoundError{Round: name, Rank: rank, Phase: PhaseGlobal, Err: globalErr}
	case gatherErr != nil:
		return zero, &RoundError{Round: name, Rank: rank, Phase: PhaseExchange, Err: gatherErr}
	case scatterErr != nil:
		return zero, &RoundError{Round: name, Rank: rank, Phase: PhaseExchange, Err: scatterErr}
	case got.Failure != nil:
		f := got.Failure
		return zero, &RoundError{Round: name, Rank: f.Rank, Phase: f.Phase, Err: &RemoteError{
			Rank:     f.Rank,
			Phase:    f.Phase,
			Message:  f.Message,
			Mismatch: f.Mismatch,
		}}
	}

	var result G
	if err := json.Unmarshal(got.Payload, &result); err != nil {
		return zero, &RoundError{Round: name, Rank: rank, Phase: PhaseExchange,
			Err: fmt.Errorf("decode result: %w", err)}
	}

	c.logger.Debug("collective round completed",
		slog.String("round", name),
		slog.Int("rank", rank),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

// localEnvelope runs localFn and encodes its value or failure.
func localEnvelope[L any](rank int, localFn func() (L, error)) (Envelope, error) {
	local, err := localFn()
	if err != nil {
		return failureEnvelope(rank, &Failure{Rank: rank, Phase: PhaseLocal, Message: err.Error()}), err
	}
	payload, err := json.Marshal(local)
	if err != nil {
		err = fmt.Errorf("encode local value: %w", err)
		return failureEnvelope(rank, &Failure{Rank: rank, Phase: PhaseLocal, Message: err.Error()}), err
	}
	return Envelope{Rank: rank, Payload: payload}, nil
}

// resolve runs on the coordinator. It turns the gathered envelopes into the
// envelopes to scatter: the global results, or the same failure for every
// rank. The returned error is set only when the global step failed here.
func resolve[L any](
	c *Coordinator,
	gathered []Envelope,
	gatherErr error,
	globalFn func([]L) ([]json.RawMessage, error),
) ([]Envelope, error) {
	size := c.Size()
	rank := c.Rank()
	fail := func(f *Failure) []Envelope {
		out := make([]Envelope, size)
		for i := range out {
			out[i] = failureEnvelope(i, f)
		}
		return out
	}

	if gatherErr != nil {
		return fail(&Failure{
			Rank:     rank,
			Phase:    PhaseExchange,
			Message:  gatherErr.Error(),
			Mismatch: errors.Is(gatherErr, ErrParticipationMismatch),
		}), nil
	}
	if len(gathered) != size {
		return fail(&Failure{
			Rank:     rank,
			Phase:    PhaseExchange,
			Message:  fmt.Sprintf("%v: %d submissions for %d ranks", ErrParticipationMismatch, len(gathered), size),
			Mismatch: true,
		}), nil
	}

	// First failure in rank order wins.
	for _, env := range gathered {
		if env.Failure != nil {
			return fail(env.Failure), nil
		}
	}

	locals := make([]L, size)
	for i, env := range gathered {
		if env.Rank != i {
			return fail(&Failure{
				Rank:     rank,
				Phase:    PhaseExchange,
				Message:  fmt.Sprintf("%v: slot %d holds rank %d", ErrParticipationMismatch, i, env.Rank),
				Mismatch: true,
			}), nil
		}
		if err := json.Unmarshal(env.Payload, &locals[i]); err != nil {
			return fail(&Failure{
				Rank:    i,
				Phase:   PhaseExchange,
				Message: fmt.Sprintf("decode local value: %v", err),
			}), nil
		}
	}

	payloads, err := globalFn(locals)
	if err != nil {
		return fail(&Failure{Rank: rank, Phase: PhaseGlobal, Message: err.Error()}), err
	}

	out := make([]Envelope, size)
	for i := range out {
		out[i] = Envelope{Rank: i, Payload: payloads[i]}
	}
	return out, nil
}
