package collective

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// board is the meeting point for one group's rounds. Ranks post envelopes
// into numbered slots and wait for the slots they need to fill up.
// It backs LocalGroup directly and HTTPGroup through the rendezvous server.
type board struct {
	size int

	mu      sync.Mutex
	rounds  map[uint64]*slotRound
	closed  bool
	closeCh chan struct{}
}

// slotRound holds the slots of one collective operation.
type slotRound struct {
	key     roundKey
	slots   []*Envelope
	reads   int
	expect  int // reads before the round is dropped
	err     error
	changed chan struct{}
}

func newBoard(size int) *board {
	return &board{
		size:    size,
		rounds:  make(map[uint64]*slotRound),
		closeCh: make(chan struct{}),
	}
}

// round returns the slot round for key, creating it on first touch.
// Caller must hold b.mu.
func (b *board) round(key roundKey) (*slotRound, error) {
	if b.closed {
		return nil, ErrGroupClosed
	}
	if key.Size != b.size {
		return nil, fmt.Errorf("%w: rank believes group size is %d, rendezvous has %d",
			ErrParticipationMismatch, key.Size, b.size)
	}

	r, ok := b.rounds[key.Seq]
	if !ok {
		expect := 1
		if key.Kind == kindScatter {
			expect = b.size
		}
		r = &slotRound{
			key:     key,
			slots:   make([]*Envelope, b.size),
			expect:  expect,
			changed: make(chan struct{}),
		}
		b.rounds[key.Seq] = r
		return r, nil
	}

	if r.key.Name != key.Name || r.key.Kind != key.Kind {
		err := fmt.Errorf("%w: operation %d is %s %q on one rank and %s %q on another",
			ErrParticipationMismatch, key.Seq, r.key.Kind, r.key.Name, key.Kind, key.Name)
		r.fail(err)
		return nil, err
	}
	if r.key.Root != key.Root {
		err := fmt.Errorf("%w: %s %q of operation %d has root %d on one rank and %d on another",
			ErrParticipationMismatch, key.Kind, key.Name, key.Seq, r.key.Root, key.Root)
		r.fail(err)
		return nil, err
	}
	return r, nil
}

// fail poisons the round; every current and future waiter gets err.
func (r *slotRound) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.notify()
}

func (r *slotRound) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// post fills one slot.
func (b *board) post(_ context.Context, key roundKey, slot int, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.round(key)
	if err != nil {
		return err
	}
	return b.fill(r, slot, env)
}

// postAll fills every slot at once.
func (b *board) postAll(_ context.Context, key roundKey, envs []Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.round(key)
	if err != nil {
		return err
	}
	if len(envs) != b.size {
		err := fmt.Errorf("%w: %d envelopes for %d ranks", ErrParticipationMismatch, len(envs), b.size)
		r.fail(err)
		return err
	}
	for i := range envs {
		if err := b.fill(r, i, envs[i]); err != nil {
			return err
		}
	}
	return nil
}

// fill stores env in slot. Caller must hold b.mu.
func (b *board) fill(r *slotRound, slot int, env Envelope) error {
	if slot < 0 || slot >= b.size {
		return fmt.Errorf("%w: slot %d for group of %d", ErrInvalidRank, slot, b.size)
	}
	if prev := r.slots[slot]; prev != nil {
		// A retried post of the same envelope is not a second submission.
		if sameEnvelope(*prev, env) {
			return r.err
		}
		err := fmt.Errorf("%w: slot %d of %s %q posted twice",
			ErrParticipationMismatch, slot, r.key.Kind, r.key.Name)
		r.fail(err)
		return err
	}
	stored := env
	r.slots[slot] = &stored
	r.notify()
	return r.err
}

// await blocks until every listed slot is filled, the round fails, the
// board closes or ctx is done. No slots means all of them.
func (b *board) await(ctx context.Context, key roundKey, slots []int) ([]Envelope, error) {
	if len(slots) == 0 {
		slots = make([]int, b.size)
		for i := range slots {
			slots[i] = i
		}
	}
	for _, s := range slots {
		if s < 0 || s >= b.size {
			return nil, fmt.Errorf("%w: slot %d for group of %d", ErrInvalidRank, s, b.size)
		}
	}

	for {
		b.mu.Lock()
		r, err := b.round(key)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if r.err != nil {
			b.read(r)
			err := r.err
			b.mu.Unlock()
			return nil, err
		}
		if out, ok := r.collect(slots); ok {
			b.read(r)
			b.mu.Unlock()
			return out, nil
		}
		changed := r.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-b.closeCh:
			return nil, ErrGroupClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// collect copies the listed slots if all are filled.
func (r *slotRound) collect(slots []int) ([]Envelope, bool) {
	out := make([]Envelope, len(slots))
	for i, s := range slots {
		if r.slots[s] == nil {
			return nil, false
		}
		out[i] = *r.slots[s]
	}
	return out, true
}

// read counts a completed wait and drops the round after the last one.
// Caller must hold b.mu.
func (b *board) read(r *slotRound) {
	r.reads++
	if r.reads >= r.expect {
		delete(b.rounds, r.key.Seq)
	}
}

// pending returns the number of live rounds.
func (b *board) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rounds)
}

// close releases every waiter with ErrGroupClosed.
func (b *board) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
}

func sameEnvelope(a, b Envelope) bool {
	if a.Rank != b.Rank || !bytes.Equal(a.Payload, b.Payload) {
		return false
	}
	if a.Failure == nil || b.Failure == nil {
		return a.Failure == b.Failure
	}
	return *a.Failure == *b.Failure
}
