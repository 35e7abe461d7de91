package collective

import (
	"errors"
	"fmt"
)

// Sentinel errors for collective rounds.
var (
	// ErrParticipationMismatch indicates ranks disagree about a round: a rank
	// skipped it, submitted twice, used another round name or group size.
	ErrParticipationMismatch = errors.New("participation mismatch")

	// ErrInvalidRank indicates a rank outside [0, size).
	ErrInvalidRank = errors.New("invalid rank")

	// ErrGroupClosed indicates the group's transport was shut down.
	ErrGroupClosed = errors.New("group closed")

	// ErrNilGroup indicates a distributed coordinator was built without a group.
	ErrNilGroup = errors.New("process group is nil")

	// ErrResultCount indicates a scatter round's global function returned
	// a result count different from the group size.
	ErrResultCount = errors.New("global result count does not match group size")
)

// RoundError is returned on every rank when a round fails.
type RoundError struct {
	// Round is the round name.
	Round string
	// Rank is the rank the failure originated on, -1 if unknown.
	Rank int
	// Phase is where the failure happened.
	Phase Phase
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RoundError) Error() string {
	if e.Rank < 0 {
		return fmt.Sprintf("round %s: %s: %v", e.Round, e.Phase, e.Err)
	}
	return fmt.Sprintf("round %s: %s on rank %d: %v", e.Round, e.Phase, e.Rank, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RoundError) Unwrap() error {
	return e.Err
}

// RemoteError is a failure that happened on another rank.
// Only the message survives the trip between processes.
type RemoteError struct {
	Rank     int
	Phase    Phase
	Message  string
	Mismatch bool
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("rank %d: %s", e.Rank, e.Message)
}

// Is lets errors.Is match ErrParticipationMismatch across process boundaries.
func (e *RemoteError) Is(target error) bool {
	return target == ErrParticipationMismatch && e.Mismatch
}
