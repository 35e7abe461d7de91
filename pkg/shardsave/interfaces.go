package shardsave

import "context"

// Planner decides what each rank writes.
//
// SetUp, CreateLocalPlan and FinishPlan run on every rank. CreateGlobalPlan
// runs once per save, on the coordinator only.
type Planner interface {
	// SetUp receives the rank's state before planning begins.
	SetUp(state StateDict, isCoordinator bool) error

	// CreateLocalPlan describes what this rank intends to write. It must
	// be deterministic for a given state.
	CreateLocalPlan() (SavePlan, error)

	// CreateGlobalPlan turns the local plans, in rank order, into one
	// plan per rank plus the checkpoint metadata. The i-th returned plan
	// belongs to rank i.
	CreateGlobalPlan(plans []SavePlan) ([]SavePlan, *Metadata, error)

	// FinishPlan adjusts this rank's plan once the global plan is known.
	FinishPlan(plan SavePlan) (SavePlan, error)

	// ResolveData returns the bytes to persist for one planned item.
	ResolveData(item WriteItem) ([]byte, error)
}

// DataResolver is the part of a Planner a StorageSink needs while writing.
type DataResolver interface {
	ResolveData(item WriteItem) ([]byte, error)
}

// StorageSink persists plans.
//
// SetUp, PrepareLocalPlan and Write run on every rank. PrepareGlobalPlan and
// Finish run on the coordinator only.
type StorageSink interface {
	// SetUp acquires whatever the sink needs before writes begin.
	SetUp(isCoordinator bool) error

	// PrepareLocalPlan may rewrite the local plan before it is gathered.
	PrepareLocalPlan(plan SavePlan) (SavePlan, error)

	// PrepareGlobalPlan may rewrite every rank's plan before they are
	// distributed.
	PrepareGlobalPlan(plans []SavePlan) ([]SavePlan, error)

	// Write persists every item of plan and blocks until done. Either all
	// items are durable or an error is returned.
	Write(ctx context.Context, plan SavePlan, data DataResolver) ([]WriteResult, error)

	// Finish records md, given every rank's results in rank order. The
	// checkpoint is complete and discoverable once Finish returns nil.
	Finish(ctx context.Context, md *Metadata, results [][]WriteResult) error
}
