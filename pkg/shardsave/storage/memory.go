package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/shardsave/pkg/shardsave"
)

// MemoryStore is an in-memory checkpoint medium shared by the ranks of one
// process. Data is lost when the process exits.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]map[string][]byte // checkpointID -> path -> data
	checkpoints map[string]storedMetadata
	closed      bool
}

// storedMetadata is committed metadata kept encoded so readers get copies.
type storedMetadata struct {
	data      []byte
	committed time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]map[string][]byte),
		checkpoints: make(map[string]storedMetadata),
	}
}

// putItems commits one rank's staged items at once.
func (m *MemoryStore) putItems(checkpointID string, staged map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if m.items[checkpointID] == nil {
		m.items[checkpointID] = make(map[string][]byte)
	}
	for path, data := range staged {
		m.items[checkpointID][path] = data
	}
	return nil
}

func (m *MemoryStore) putMetadata(md *shardsave.Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.checkpoints[md.ID] = storedMetadata{data: data, committed: time.Now().UTC()}
	return nil
}

// Metadata returns a copy of a committed checkpoint's metadata.
// Returns ErrNotFound until Finish has committed it.
func (m *MemoryStore) Metadata(checkpointID string) (*shardsave.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	stored, ok := m.checkpoints[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	var md shardsave.Metadata
	if err := json.Unmarshal(stored.data, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// List returns committed checkpoint IDs, oldest first.
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ids := make([]string, 0, len(m.checkpoints))
	for id := range m.checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := m.checkpoints[ids[i]].committed, m.checkpoints[ids[j]].committed
		if ci.Equal(cj) {
			return ids[i] < ids[j]
		}
		return ci.Before(cj)
	})
	return ids, nil
}

// Item returns a copy of one stored item.
func (m *MemoryStore) Item(checkpointID, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	data, ok := m.items[checkpointID][path]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// Len returns the number of stored items across all checkpoints,
// committed or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, items := range m.items {
		count += len(items)
	}
	return count
}

// Close releases the store. Later calls fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.items = nil
	m.checkpoints = nil
	return nil
}

func (m *MemoryStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// MemorySink writes into a MemoryStore. Give every rank its own sink over
// the same store.
type MemorySink struct {
	store *MemoryStore
}

// Compile-time interface check.
var _ shardsave.StorageSink = (*MemorySink)(nil)

// NewMemorySink creates a sink writing into store.
func NewMemorySink(store *MemoryStore) *MemorySink {
	return &MemorySink{store: store}
}

// Store returns the underlying store.
func (s *MemorySink) Store() *MemoryStore {
	return s.store
}

// SetUp implements shardsave.StorageSink.
func (s *MemorySink) SetUp(_ bool) error {
	if s.store == nil || s.store.isClosed() {
		return ErrStoreClosed
	}
	return nil
}

// PrepareLocalPlan implements shardsave.StorageSink.
func (s *MemorySink) PrepareLocalPlan(plan shardsave.SavePlan) (shardsave.SavePlan, error) {
	return plan, nil
}

// PrepareGlobalPlan implements shardsave.StorageSink.
func (s *MemorySink) PrepareGlobalPlan(plans []shardsave.SavePlan) ([]shardsave.SavePlan, error) {
	return assignPrefixes(plans)
}

// Write stages every item, then commits them under one lock.
func (s *MemorySink) Write(ctx context.Context, plan shardsave.SavePlan, data shardsave.DataResolver) ([]shardsave.WriteResult, error) {
	prefix, err := prefixOf(plan)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}

	staged := make(map[string][]byte, len(plan.Items))
	results := make([]shardsave.WriteResult, 0, len(plan.Items))
	for _, item := range plan.Items {
		path := prefix + item.Index.String()
		b, err := resolveItem(ctx, item, data)
		if err != nil {
			return nil, &StorageError{Op: "write", Path: path, Err: err}
		}
		stored := make([]byte, len(b))
		copy(stored, b)
		staged[path] = stored

		results = append(results, shardsave.WriteResult{
			Index: item.Index,
			Size:  int64(len(b)),
			Storage: shardsave.StorageInfo{
				Path:     path,
				Length:   int64(len(b)),
				Checksum: checksum(b),
			},
		})
	}

	if err := s.store.putItems(plan.CheckpointID, staged); err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}
	return results, nil
}

// Finish implements shardsave.StorageSink.
func (s *MemorySink) Finish(_ context.Context, md *shardsave.Metadata, results [][]shardsave.WriteResult) error {
	if err := fillStorage(md, results); err != nil {
		return &StorageError{Op: "finish", Err: err}
	}
	if err := s.store.putMetadata(md); err != nil {
		return &StorageError{Op: "finish", Err: err}
	}
	return nil
}
