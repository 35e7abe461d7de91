package collective

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScatterRound_EachRankGetsOwnResult(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("size_%d", n), func(t *testing.T) {
			outcomes := runGroups(t, localGroups(n), func(g Group) (string, error) {
				c := mustCoordinator(t, g, 0)
				return ScatterRound(context.Background(), c, "plan",
					func() (int, error) { return g.Rank() * 10, nil },
					func(locals []int) ([]string, error) {
						out := make([]string, len(locals))
						for i, v := range locals {
							out[i] = fmt.Sprintf("rank%d:%d", i, v)
						}
						return out, nil
					})
			})

			for rank, o := range outcomes {
				require.NoError(t, o.err)
				assert.Equal(t, fmt.Sprintf("rank%d:%d", rank, rank*10), o.value)
			}
		})
	}
}

func TestScatterRound_GatherFollowsRankOrderNotArrival(t *testing.T) {
	const n = 4
	var seen atomic.Value

	outcomes := runGroups(t, localGroups(n), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		return ScatterRound(context.Background(), c, "plan",
			func() (int, error) {
				// Higher ranks finish first.
				time.Sleep(time.Duration(n-g.Rank()) * 15 * time.Millisecond)
				return g.Rank(), nil
			},
			func(locals []int) ([]int, error) {
				seen.Store(append([]int(nil), locals...))
				return locals, nil
			})
	})

	for rank, o := range outcomes {
		require.NoError(t, o.err)
		assert.Equal(t, rank, o.value)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, seen.Load())
}

func TestReduceRound_SameResultOnEveryRank(t *testing.T) {
	type summary struct {
		Total int      `json:"total"`
		Names []string `json:"names"`
	}

	outcomes := runGroups(t, localGroups(3), func(g Group) (*summary, error) {
		c := mustCoordinator(t, g, 1)
		return ReduceRound(context.Background(), c, "finish",
			func() (int, error) { return g.Rank() + 1, nil },
			func(locals []int) (*summary, error) {
				s := &summary{}
				for i, v := range locals {
					s.Total += v
					s.Names = append(s.Names, fmt.Sprintf("r%d", i))
				}
				return s, nil
			})
	})

	for _, o := range outcomes {
		require.NoError(t, o.err)
		assert.Equal(t, &summary{Total: 6, Names: []string{"r0", "r1", "r2"}}, o.value)
	}
	// Independent copies, not one shared pointer.
	assert.NotSame(t, outcomes[0].value, outcomes[1].value)
	assert.NotSame(t, outcomes[1].value, outcomes[2].value)
}

func TestRound_GlobalRunsOnceOnCoordinatorOnly(t *testing.T) {
	var calls atomic.Int32
	var caller atomic.Int32
	caller.Store(-1)

	outcomes := runGroups(t, localGroups(4), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 2)
		return ReduceRound(context.Background(), c, "finish",
			func() (int, error) { return 1, nil },
			func(locals []int) (int, error) {
				calls.Add(1)
				caller.Store(int32(g.Rank()))
				return len(locals), nil
			})
	})

	for _, o := range outcomes {
		require.NoError(t, o.err)
		assert.Equal(t, 4, o.value)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(2), caller.Load())
}

func TestRound_LocalFailureFailsEveryRank(t *testing.T) {
	errBoom := errors.New("boom")
	var globalCalls atomic.Int32

	outcomes := runGroups(t, localGroups(3), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		return ScatterRound(context.Background(), c, "plan",
			func() (int, error) {
				if g.Rank() == 1 {
					return 0, errBoom
				}
				return g.Rank(), nil
			},
			func(locals []int) ([]int, error) {
				globalCalls.Add(1)
				return locals, nil
			})
	})

	assert.Equal(t, int32(0), globalCalls.Load())
	for rank, o := range outcomes {
		require.Error(t, o.err, "rank %d", rank)

		var roundErr *RoundError
		require.ErrorAs(t, o.err, &roundErr)
		assert.Equal(t, "plan", roundErr.Round)
		assert.Equal(t, 1, roundErr.Rank)
		assert.Equal(t, PhaseLocal, roundErr.Phase)

		if rank == 1 {
			assert.ErrorIs(t, o.err, errBoom)
		} else {
			var remote *RemoteError
			require.ErrorAs(t, o.err, &remote)
			assert.Contains(t, remote.Message, "boom")
		}
	}
}

func TestRound_FirstFailureInRankOrderWins(t *testing.T) {
	outcomes := runGroups(t, localGroups(4), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		return ReduceRound(context.Background(), c, "finish",
			func() (int, error) {
				if g.Rank() >= 2 {
					return 0, fmt.Errorf("rank %d failed", g.Rank())
				}
				return 0, nil
			},
			func(locals []int) (int, error) { return 0, nil })
	})

	for _, rank := range []int{0, 1} {
		var roundErr *RoundError
		require.ErrorAs(t, outcomes[rank].err, &roundErr)
		assert.Equal(t, 2, roundErr.Rank)
	}
	assert.ErrorContains(t, outcomes[3].err, "rank 3 failed")
}

func TestRound_GlobalFailureFailsEveryRank(t *testing.T) {
	errPlan := errors.New("bad plan")

	outcomes := runGroups(t, localGroups(3), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		return ScatterRound(context.Background(), c, "plan",
			func() (int, error) { return g.Rank(), nil },
			func(locals []int) ([]int, error) { return nil, errPlan })
	})

	for rank, o := range outcomes {
		var roundErr *RoundError
		require.ErrorAs(t, o.err, &roundErr)
		assert.Equal(t, PhaseGlobal, roundErr.Phase)
		if rank == 0 {
			assert.ErrorIs(t, o.err, errPlan)
		} else {
			assert.ErrorContains(t, o.err, "bad plan")
		}
	}
}

func TestScatterRound_WrongResultCount(t *testing.T) {
	outcomes := runGroups(t, localGroups(3), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		return ScatterRound(context.Background(), c, "plan",
			func() (int, error) { return 1, nil },
			func(locals []int) ([]int, error) { return locals[:2], nil })
	})

	for _, o := range outcomes {
		var roundErr *RoundError
		require.ErrorAs(t, o.err, &roundErr)
		assert.Equal(t, PhaseGlobal, roundErr.Phase)
	}
	assert.ErrorIs(t, outcomes[0].err, ErrResultCount)
}

func TestRound_NameMismatchIsParticipationMismatch(t *testing.T) {
	outcomes := runGroups(t, localGroups(2), func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		name := "plan"
		if g.Rank() == 1 {
			name = "finish"
		}
		return ReduceRound(context.Background(), c, name,
			func() (int, error) { return 1, nil },
			func(locals []int) (int, error) { return len(locals), nil })
	})

	for rank, o := range outcomes {
		require.Error(t, o.err, "rank %d", rank)
		assert.ErrorIs(t, o.err, ErrParticipationMismatch, "rank %d", rank)
	}
}

func TestRound_CoordinatorDisagreementIsParticipationMismatch(t *testing.T) {
	var globals atomic.Int32
	outcomes := runGroups(t, localGroups(2), func(g Group) (int, error) {
		c := mustCoordinator(t, g, g.Rank())
		return ReduceRound(context.Background(), c, "finish",
			func() (int, error) { return 1, nil },
			func(locals []int) (int, error) {
				globals.Add(1)
				return len(locals), nil
			})
	})

	for rank, o := range outcomes {
		require.Error(t, o.err, "rank %d", rank)
		assert.ErrorIs(t, o.err, ErrParticipationMismatch, "rank %d", rank)
	}
	assert.Zero(t, globals.Load())
}

func TestRound_ConsecutiveRoundsOnOneWorld(t *testing.T) {
	world := NewLocalWorld(3)
	groups := []Group{world[0], world[1], world[2]}

	outcomes := runGroups(t, groups, func(g Group) (int, error) {
		c := mustCoordinator(t, g, 0)
		sum := 0
		for i := 0; i < 5; i++ {
			v, err := ReduceRound(context.Background(), c, "step",
				func() (int, error) { return g.Rank() + i, nil },
				func(locals []int) (int, error) {
					total := 0
					for _, l := range locals {
						total += l
					}
					return total, nil
				})
			if err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	})

	// Round i sums (0+i)+(1+i)+(2+i) = 3+3i; over i=0..4 that is 45.
	for _, o := range outcomes {
		require.NoError(t, o.err)
		assert.Equal(t, 45, o.value)
	}
	assert.Equal(t, 0, world[0].board.pending())
}

func TestRound_ContextCancelledWhileWaiting(t *testing.T) {
	world := NewLocalWorld(2)
	c := mustCoordinator(t, world[0], 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Rank 1 never shows up.
	_, err := ReduceRound(ctx, c, "finish",
		func() (int, error) { return 1, nil },
		func(locals []int) (int, error) { return 0, nil })

	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, PhaseExchange, roundErr.Phase)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRound_ClosedWorldReleasesWaiters(t *testing.T) {
	world := NewLocalWorld(2)
	c := mustCoordinator(t, world[1], 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := ReduceRound(context.Background(), c, "finish",
			func() (int, error) { return 1, nil },
			func(locals []int) (int, error) { return 0, nil })
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, world[0].Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrGroupClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestLocalCoordinator_RunsInPlace(t *testing.T) {
	c := NewLocalCoordinator()
	assert.False(t, c.Distributed())
	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.Size())
	assert.True(t, c.IsCoordinator())

	plan, err := ScatterRound(context.Background(), c, "plan",
		func() (string, error) { return "local", nil },
		func(locals []string) ([]string, error) {
			return []string{locals[0] + "+global"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "local+global", plan)

	total, err := ReduceRound(context.Background(), c, "finish",
		func() (int, error) { return 7, nil },
		func(locals []int) (int, error) { return locals[0] * 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 14, total)
}

func TestLocalCoordinator_Failures(t *testing.T) {
	c := NewLocalCoordinator()
	errLocal := errors.New("local")
	errGlobal := errors.New("global")

	_, err := ReduceRound(context.Background(), c, "finish",
		func() (int, error) { return 0, errLocal },
		func(locals []int) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, errLocal)

	_, err = ScatterRound(context.Background(), c, "plan",
		func() (int, error) { return 0, nil },
		func(locals []int) ([]int, error) { return nil, errGlobal })
	var roundErr *RoundError
	require.ErrorAs(t, err, &roundErr)
	assert.Equal(t, PhaseGlobal, roundErr.Phase)
	assert.ErrorIs(t, err, errGlobal)

	_, err = ScatterRound(context.Background(), c, "plan",
		func() (int, error) { return 0, nil },
		func(locals []int) ([]int, error) { return []int{1, 2}, nil })
	assert.ErrorIs(t, err, ErrResultCount)
}

func TestNewCoordinator_Validation(t *testing.T) {
	world := NewLocalWorld(2)

	_, err := NewCoordinator(nil, 0)
	assert.ErrorIs(t, err, ErrNilGroup)

	_, err = NewCoordinator(world[0], 2)
	assert.ErrorIs(t, err, ErrInvalidRank)

	_, err = NewCoordinator(world[0], -1)
	assert.ErrorIs(t, err, ErrInvalidRank)

	c, err := NewCoordinator(world[1], 1)
	require.NoError(t, err)
	assert.True(t, c.IsCoordinator())
	assert.Equal(t, 1, c.CoordinatorRank())
	assert.True(t, c.Distributed())
}

func TestRoundError_Format(t *testing.T) {
	err := &RoundError{Round: "plan", Rank: 3, Phase: PhaseLocal, Err: errors.New("disk full")}
	assert.Equal(t, "round plan: local on rank 3: disk full", err.Error())

	err = &RoundError{Round: "finish", Rank: -1, Phase: PhaseExchange, Err: context.Canceled}
	assert.Equal(t, "round finish: exchange: context canceled", err.Error())
	assert.ErrorIs(t, err, context.Canceled)
}
