package shardsave

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for save configuration.
var (
	// ErrNilStorageSink indicates Save was called without a storage sink.
	ErrNilStorageSink = errors.New("storage sink is nil")

	// ErrNoProcessGroup indicates a distributed save without a process group.
	// Pass WithProcessGroup or WithNoDistribution.
	ErrNoProcessGroup = errors.New("process group required unless distribution is disabled")

	// ErrInvalidCoordinatorRank indicates a coordinator rank outside the group.
	ErrInvalidCoordinatorRank = errors.New("coordinator rank out of range")
)

// Sentinel errors for planning.
var (
	// ErrPlanCountMismatch indicates the global plan does not have exactly
	// one entry per rank.
	ErrPlanCountMismatch = errors.New("global plan count does not match local plan count")

	// ErrNilMetadata indicates the planner returned no checkpoint metadata.
	ErrNilMetadata = errors.New("planner returned nil metadata")

	// ErrNotSetUp indicates a planner was used before SetUp.
	ErrNotSetUp = errors.New("planner not set up")

	// ErrKeyCollision indicates two state values flatten to the same name,
	// as with {"a.b": x, "a": {"b": y}}.
	ErrKeyCollision = errors.New("flattened state key collision")

	// ErrUnknownItem indicates a plan item that does not resolve against
	// the rank's state.
	ErrUnknownItem = errors.New("plan item not found in state")
)

// State names a step of the save protocol.
type State string

// Save states, in order.
const (
	StateInit     State = "INIT"
	StatePlan     State = "PLAN"
	StateWrite    State = "WRITE"
	StateFinish   State = "FINISH"
	StateComplete State = "COMPLETE"
	StateFailed   State = "FAILED"
)

// SaveError is returned by Save on every rank when the save fails.
type SaveError struct {
	// State is the protocol step that failed.
	State State
	// Rank is the rank reporting the error.
	Rank int
	// Err is the underlying error, usually a *collective.RoundError.
	Err error
}

// Error implements the error interface.
func (e *SaveError) Error() string {
	return fmt.Sprintf("checkpoint save %s on rank %d: %v", e.State, e.Rank, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SaveError) Unwrap() error {
	return e.Err
}

// PlanValidationError lists the problems found in the combined local plans.
type PlanValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *PlanValidationError) Error() string {
	return "invalid global plan: " + strings.Join(e.Problems, "; ")
}
