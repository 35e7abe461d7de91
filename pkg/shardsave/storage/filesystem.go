package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/shardsave/pkg/shardsave"
)

// MetadataFile is the name of the file that marks a checkpoint complete.
const MetadataFile = ".metadata"

// FileSystemSink writes each checkpoint to its own directory under a root:
//
//	<root>/<checkpoint id>/__<rank>_<n>.data   item bytes, n < Threads
//	<root>/<checkpoint id>/.metadata           written last, by the coordinator
//
// Each rank's files are written concurrently, each through a temp file that
// is synced and renamed into place. A checkpoint without .metadata is
// incomplete.
type FileSystemSink struct {
	root    string
	threads int
	logger  *slog.Logger
}

// Compile-time interface check.
var _ shardsave.StorageSink = (*FileSystemSink)(nil)

// FileSystemOption configures a FileSystemSink.
type FileSystemOption func(*FileSystemSink)

// WithThreads sets how many data files each rank writes concurrently.
// Default: 1
func WithThreads(n int) FileSystemOption {
	return func(s *FileSystemSink) {
		if n > 0 {
			s.threads = n
		}
	}
}

// WithFileLogger sets the logger for write diagnostics.
func WithFileLogger(logger *slog.Logger) FileSystemOption {
	return func(s *FileSystemSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFileSystemSink creates a sink writing under root.
func NewFileSystemSink(root string, opts ...FileSystemOption) *FileSystemSink {
	s := &FileSystemSink{
		root:    root,
		threads: 1,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the directory checkpoints are written under.
func (s *FileSystemSink) Root() string {
	return s.root
}

// CheckpointDir returns the directory of one checkpoint. It does not
// validate checkpointID.
func (s *FileSystemSink) CheckpointDir(checkpointID string) string {
	return filepath.Join(s.root, checkpointID)
}

// checkpointDir is CheckpointDir for IDs that came from a plan, metadata
// or caller. The ID must name one entry directly under the root.
func (s *FileSystemSink) checkpointDir(checkpointID string) (string, error) {
	if checkpointID == "" || checkpointID == "." || checkpointID == ".." ||
		strings.ContainsAny(checkpointID, `/\`) || !filepath.IsLocal(checkpointID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCheckpointID, checkpointID)
	}
	return s.CheckpointDir(checkpointID), nil
}

// itemPath resolves a stored item path inside a checkpoint directory.
func itemPath(dir, path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("%w: item path %q", ErrInvalidCheckpointID, path)
	}
	return filepath.Join(dir, path), nil
}

// SetUp creates the root directory.
func (s *FileSystemSink) SetUp(_ bool) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return &StorageError{Op: "setup", Path: s.root, Err: err}
	}
	return nil
}

// PrepareLocalPlan implements shardsave.StorageSink.
func (s *FileSystemSink) PrepareLocalPlan(plan shardsave.SavePlan) (shardsave.SavePlan, error) {
	return plan, nil
}

// PrepareGlobalPlan implements shardsave.StorageSink.
func (s *FileSystemSink) PrepareGlobalPlan(plans []shardsave.SavePlan) ([]shardsave.SavePlan, error) {
	return assignPrefixes(plans)
}

// fileBucket is the set of items that go into one data file.
type fileBucket struct {
	name  string
	items []shardsave.WriteItem
}

// fileResult is what one bucket's writer produced.
type fileResult struct {
	bucket  int
	results []shardsave.WriteResult
	err     error
}

// Write spreads the plan's items over up to Threads files and writes them
// concurrently. If any file fails, every file this call created is removed.
func (s *FileSystemSink) Write(ctx context.Context, plan shardsave.SavePlan, data shardsave.DataResolver) ([]shardsave.WriteResult, error) {
	prefix, err := prefixOf(plan)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}
	dir, err := s.checkpointDir(plan.CheckpointID)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "write", Path: dir, Err: err}
	}

	buckets := s.split(prefix, plan.Items)
	start := time.Now()

	results := make(chan fileResult, len(buckets))
	var wg sync.WaitGroup
	for i, b := range buckets {
		wg.Add(1)
		go func(i int, b fileBucket) {
			defer wg.Done()
			rs, err := s.writeFile(ctx, dir, b, data)
			results <- fileResult{bucket: i, results: rs, err: err}
		}(i, b)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	perBucket := make([][]shardsave.WriteResult, len(buckets))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		perBucket[r.bucket] = r.results
	}

	if firstErr != nil {
		for _, b := range buckets {
			_ = os.Remove(filepath.Join(dir, b.name))
		}
		return nil, firstErr
	}

	var out []shardsave.WriteResult
	for _, rs := range perBucket {
		out = append(out, rs...)
	}
	s.logger.Debug("checkpoint files written",
		slog.String("checkpoint_id", plan.CheckpointID),
		slog.String("prefix", prefix),
		slog.Int("files", len(buckets)),
		slog.Int("items", len(out)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

// split deals items round-robin into at most s.threads buckets.
func (s *FileSystemSink) split(prefix string, items []shardsave.WriteItem) []fileBucket {
	n := s.threads
	if len(items) < n {
		n = len(items)
	}
	buckets := make([]fileBucket, n)
	for i := range buckets {
		buckets[i].name = fmt.Sprintf("%s%d.data", prefix, i)
	}
	for i, item := range items {
		b := &buckets[i%n]
		b.items = append(b.items, item)
	}
	return buckets
}

// writeFile writes one bucket through a temp file, syncs and renames it.
func (s *FileSystemSink) writeFile(ctx context.Context, dir string, b fileBucket, data shardsave.DataResolver) ([]shardsave.WriteResult, error) {
	final := filepath.Join(dir, b.name)
	tmp, err := os.CreateTemp(dir, b.name+".tmp*")
	if err != nil {
		return nil, &StorageError{Op: "write", Path: final, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var offset int64
	results := make([]shardsave.WriteResult, 0, len(b.items))
	for _, item := range b.items {
		payload, err := resolveItem(ctx, item, data)
		if err != nil {
			return nil, &StorageError{Op: "write", Path: final, Err: fmt.Errorf("%s: %w", item.Index, err)}
		}
		if _, err := tmp.Write(payload); err != nil {
			return nil, &StorageError{Op: "write", Path: final, Err: err}
		}
		results = append(results, shardsave.WriteResult{
			Index: item.Index,
			Size:  int64(len(payload)),
			Storage: shardsave.StorageInfo{
				Path:     b.name,
				Offset:   offset,
				Length:   int64(len(payload)),
				Checksum: checksum(payload),
			},
		})
		offset += int64(len(payload))
	}

	if err := tmp.Sync(); err != nil {
		return nil, &StorageError{Op: "sync", Path: final, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &StorageError{Op: "close", Path: final, Err: err}
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return nil, &StorageError{Op: "rename", Path: final, Err: err}
	}
	committed = true
	return results, nil
}

// Finish writes the metadata file. The checkpoint is complete once it
// is renamed into place.
func (s *FileSystemSink) Finish(_ context.Context, md *shardsave.Metadata, results [][]shardsave.WriteResult) error {
	if err := fillStorage(md, results); err != nil {
		return &StorageError{Op: "finish", Err: err}
	}
	dir, err := s.checkpointDir(md.ID)
	if err != nil {
		return &StorageError{Op: "finish", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "finish", Path: dir, Err: err}
	}

	encoded, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return &StorageError{Op: "finish", Err: fmt.Errorf("encode metadata: %w", err)}
	}
	if err := writeFileAtomic(filepath.Join(dir, MetadataFile), encoded); err != nil {
		return &StorageError{Op: "finish", Path: filepath.Join(dir, MetadataFile), Err: err}
	}
	return nil
}

// writeFileAtomic writes data to path via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadMetadata loads a committed checkpoint's metadata.
// Returns ErrNotFound if the checkpoint is missing or incomplete.
func (s *FileSystemSink) ReadMetadata(checkpointID string) (*shardsave.Metadata, error) {
	dir, err := s.checkpointDir(checkpointID)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: MetadataFile, Err: err}
	}
	var md shardsave.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, &StorageError{Op: "read", Path: MetadataFile, Err: err}
	}
	return &md, nil
}

// ReadItem reads and verifies one item of a checkpoint.
func (s *FileSystemSink) ReadItem(checkpointID string, info shardsave.StorageInfo) ([]byte, error) {
	dir, err := s.checkpointDir(checkpointID)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	path, err := itemPath(dir, info.Path)
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: info.Path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, info.Length)
	if _, err := f.ReadAt(buf, info.Offset); err != nil {
		return nil, &StorageError{Op: "read", Path: info.Path, Err: err}
	}
	if err := verify(info, buf); err != nil {
		return nil, &StorageError{Op: "read", Path: info.Path, Err: err}
	}
	return buf, nil
}

// List returns the IDs of complete checkpoints under the root, sorted.
func (s *FileSystemSink) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.root, Err: err}
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), MetadataFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
