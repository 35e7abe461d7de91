/*
Package collective runs synchronized gather-compute-distribute rounds across
the ranks of a process group.

# Overview

A round has three steps. Every rank computes a local value, the values are
gathered at the coordinator rank in rank order, and the coordinator computes
the global result exactly once and distributes it back. Two shapes exist:

  - ScatterRound: the coordinator returns one result per rank and each rank
    receives its own.
  - ReduceRound: the coordinator returns a single result and every rank
    receives a copy of it.

Both are barriers. No rank returns from a round until every rank has
submitted its local value and received its resolved value.

# Groups

A Group is an explicit handle for the participating processes:

	world := collective.NewLocalWorld(4)        // four ranks in one process
	coord, err := collective.NewCoordinator(world[rank], 0)

	group, err := collective.NewHTTPGroup(collective.HTTPGroupConfig{
	    Rank: rank, Size: 4, Addr: "http://10.0.0.1:29500",
	})

NewLocalCoordinator builds the degenerate single-process coordinator: both
round kinds call the local and global functions directly with no exchange.

# Failures

If any rank's local function fails, or the coordinator's global function
fails, the round fails on every rank with a *RoundError. A rank that fails
locally still takes part in the exchange so that the others are released.

# Cancellation

Every wait honours its context. A rank that gives up while others are still
waiting leaves the group split; there is no heartbeat and no recovery.
*/
package collective
