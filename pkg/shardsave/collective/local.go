package collective

import (
	"context"
	"fmt"
	"sync/atomic"
)

// exchange moves envelopes between the ranks of a group.
type exchange interface {
	post(ctx context.Context, key roundKey, slot int, env Envelope) error
	postAll(ctx context.Context, key roundKey, envs []Envelope) error
	await(ctx context.Context, key roundKey, slots []int) ([]Envelope, error)
}

// member implements Group on top of an exchange.
type member struct {
	rank int
	size int
	seq  atomic.Uint64
	x    exchange
}

// Rank implements Group.
func (m *member) Rank() int { return m.rank }

// Size implements Group.
func (m *member) Size() int { return m.size }

func (m *member) next(name string, k kind, root int) roundKey {
	return roundKey{Seq: m.seq.Add(1), Name: name, Kind: k, Size: m.size, Root: root}
}

// Gather implements Group.
func (m *member) Gather(ctx context.Context, name string, dst int, env Envelope) ([]Envelope, error) {
	key := m.next(name, kindGather, dst)
	if dst < 0 || dst >= m.size {
		return nil, fmt.Errorf("%w: gather destination %d", ErrInvalidRank, dst)
	}

	env.Rank = m.rank
	if err := m.x.post(ctx, key, m.rank, env); err != nil {
		return nil, err
	}
	if m.rank != dst {
		return nil, nil
	}
	return m.x.await(ctx, key, nil)
}

// Scatter implements Group.
func (m *member) Scatter(ctx context.Context, name string, src int, envs []Envelope) (Envelope, error) {
	key := m.next(name, kindScatter, src)
	if src < 0 || src >= m.size {
		return Envelope{}, fmt.Errorf("%w: scatter source %d", ErrInvalidRank, src)
	}

	if m.rank == src {
		if err := m.x.postAll(ctx, key, envs); err != nil {
			return Envelope{}, err
		}
	}
	out, err := m.x.await(ctx, key, []int{m.rank})
	if err != nil {
		return Envelope{}, err
	}
	return out[0], nil
}

// LocalGroup is one rank of an in-process world.
// Ranks run on separate goroutines and meet on a shared board.
type LocalGroup struct {
	member
	board *board
}

// Compile-time interface check.
var _ Group = (*LocalGroup)(nil)

// NewLocalWorld creates size ranks that share one rendezvous.
// Hand world[r] to the goroutine playing rank r.
//
// Example:
//
//	world := collective.NewLocalWorld(4)
//	for rank := range world {
//	    go runRank(world[rank])
//	}
func NewLocalWorld(size int) []*LocalGroup {
	if size < 1 {
		size = 1
	}
	b := newBoard(size)
	world := make([]*LocalGroup, size)
	for r := range world {
		g := &LocalGroup{board: b}
		g.rank = r
		g.size = size
		g.x = b
		world[r] = g
	}
	return world
}

// Close shuts down the shared board; waiting ranks get ErrGroupClosed.
// Closing any rank closes the whole world.
func (g *LocalGroup) Close() error {
	g.board.close()
	return nil
}
