// Package storage provides StorageSink implementations for shardsave.
//
// Three sinks are available:
//   - MemorySink writes into a MemoryStore shared by every rank of one process
//   - FileSystemSink writes per-rank data files plus a .metadata file
//   - SQLiteSink writes items and metadata into one SQLite database
//
// Each rank gets a distinct "__<rank>_" prefix for its items during
// PrepareGlobalPlan, so ranks never write to the same location.
//
// Sinks can also be opened by kind name through Open, which lets launch
// configuration pick a backend:
//
//	sink, err := storage.Open("filesystem", storage.Options{Path: "/ckpt", Threads: 4})
package storage
