/*
Package shardsave writes one consistent checkpoint from many processes,
each holding its own shard of the state.

# Overview

Every rank runs the same code. A save goes through four steps:

  - INIT: check the configuration and pick the planner. A rank that
    fails here still joins the PLAN round so the others fail with it.
  - PLAN: each rank plans its writes, the coordinator combines the plans
    into a global plan plus metadata, and each rank receives its own part.
  - WRITE: each rank writes its part through the storage sink.
  - FINISH: the coordinator collects every rank's write results and
    commits the metadata. Every rank receives the committed metadata.

PLAN and FINISH are collective rounds (see package collective): no rank
leaves a round before all ranks have joined it, and a failure anywhere fails
the round everywhere. A checkpoint exists only after the storage sink's
Finish returns.

# Basic Usage

Run one goroutine per rank on an in-process group:

	world := collective.NewLocalWorld(4)
	store := storage.NewMemoryStore()

	for rank := range world {
	    go func(rank int) {
	        state := shardsave.StateDict{
	            "model.weight": &shardsave.ShardedValue{
	                GlobalLength: 4096,
	                Shards: []shardsave.LocalShard{{Offset: int64(rank) * 1024, Data: myShard}},
	            },
	            "step": 1200,
	        }
	        md, err := shardsave.Save(ctx, state, storage.NewMemorySink(store),
	            shardsave.WithProcessGroup(world[rank]),
	        )
	        // md is the same on every rank
	    }(rank)
	}

For one process per rank, use collective.NewHTTPGroup against a
collective.RendezvousServer hosted by one of the processes.

Single-process saves skip the exchange entirely:

	md, err := shardsave.Save(ctx, state, sink, shardsave.WithNoDistribution())

# Planners and Sinks

Planner and StorageSink are interfaces. DefaultPlanner handles raw bytes,
sharded byte ranges and JSON-encodable values. Package storage provides
memory, filesystem and SQLite sinks.

# Error Handling

Save returns a *SaveError naming the failed state and the reporting rank.
It wraps the *collective.RoundError of the failed round, which names the
rank where the failure originated:

	var roundErr *collective.RoundError
	if errors.As(err, &roundErr) {
	    log.Printf("rank %d failed during %s", roundErr.Rank, roundErr.Round)
	}

# Observability

Enable OpenTelemetry metrics and tracing with WithMetrics(true) and
WithTracing(true). Logging goes through the logger set with WithLogger.

# Limitations

There is no timeout or heartbeat. If one rank dies or gives up mid-save,
the others stay blocked until their own context ends.
*/
package shardsave
