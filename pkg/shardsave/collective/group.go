package collective

import (
	"context"
	"encoding/json"
)

// Group is a set of ranks that exchange envelopes.
// Each rank holds its own Group value; a Group is used by one goroutine.
type Group interface {
	// Rank returns this process's rank in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Gather sends env to dst. On dst it returns Size() envelopes indexed
	// by rank; on every other rank it returns nil.
	Gather(ctx context.Context, name string, dst int, env Envelope) ([]Envelope, error)

	// Scatter delivers envs[r] from src to rank r. envs is only read on src.
	Scatter(ctx context.Context, name string, src int, envs []Envelope) (Envelope, error)
}

// Phase identifies where in a round a failure happened.
type Phase string

// Round phases.
const (
	PhaseLocal    Phase = "local"
	PhaseGlobal   Phase = "global"
	PhaseExchange Phase = "exchange"
)

// Envelope is the unit exchanged between ranks.
type Envelope struct {
	Rank    int             `json:"rank"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Failure is a round failure as it travels between ranks.
type Failure struct {
	Rank     int    `json:"rank"`
	Phase    Phase  `json:"phase"`
	Message  string `json:"message"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

func failureEnvelope(rank int, f *Failure) Envelope {
	return Envelope{Rank: rank, Failure: f}
}

// kind tells the rendezvous how many reads a round expects.
type kind string

const (
	kindGather  kind = "gather"
	kindScatter kind = "scatter"
)

// roundKey identifies one collective operation.
// The k-th operation on every rank has Seq k. Root is the gather
// destination or the scatter source.
type roundKey struct {
	Seq  uint64
	Name string
	Kind kind
	Size int
	Root int
}
