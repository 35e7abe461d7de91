package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/randalmurphal/shardsave/pkg/shardsave"
)

// Built-in sink kinds.
const (
	KindMemory     = "memory"
	KindFileSystem = "filesystem"
	KindSQLite     = "sqlite"
)

// ErrUnknownKind indicates Open was asked for a kind nobody registered.
var ErrUnknownKind = errors.New("unknown storage kind")

// Options configures a sink opened by kind.
type Options struct {
	// Path is the filesystem root or the SQLite database file.
	Path string
	// Threads is the number of concurrent files per rank (filesystem).
	Threads int
	// Store is the shared medium for the memory kind. A new store is
	// created when nil.
	Store *MemoryStore
	// Logger receives sink diagnostics.
	Logger *slog.Logger
}

// Factory opens a sink from options.
type Factory func(opts Options) (shardsave.StorageSink, error)

// registry is a thread-safe map of sink factories by kind.
type registry struct {
	mu      sync.RWMutex
	entries map[string]Factory
}

var kinds = &registry{entries: make(map[string]Factory)}

func init() {
	Register(KindMemory, func(opts Options) (shardsave.StorageSink, error) {
		store := opts.Store
		if store == nil {
			store = NewMemoryStore()
		}
		return NewMemorySink(store), nil
	})
	Register(KindFileSystem, func(opts Options) (shardsave.StorageSink, error) {
		if opts.Path == "" {
			return nil, fmt.Errorf("%s sink: path required", KindFileSystem)
		}
		return NewFileSystemSink(filepath.Clean(opts.Path),
			WithThreads(opts.Threads),
			WithFileLogger(opts.Logger),
		), nil
	})
	Register(KindSQLite, func(opts Options) (shardsave.StorageSink, error) {
		if opts.Path == "" {
			return nil, fmt.Errorf("%s sink: path required", KindSQLite)
		}
		return NewSQLiteSink(opts.Path)
	})
}

// Register adds or replaces the factory for kind.
func Register(kind string, factory Factory) {
	kinds.mu.Lock()
	defer kinds.mu.Unlock()
	kinds.entries[kind] = factory
}

// Open creates a sink of the named kind.
func Open(kind string, opts Options) (shardsave.StorageSink, error) {
	kinds.mu.RLock()
	factory, ok := kinds.entries[kind]
	kinds.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownKind, kind, Kinds())
	}
	return factory(opts)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	kinds.mu.RLock()
	defer kinds.mu.RUnlock()
	out := make([]string, 0, len(kinds.entries))
	for k := range kinds.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
