package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/shardsave/pkg/shardsave"
)

// SQLiteSink writes checkpoints into a SQLite database. Item bytes go into
// the items table, one transaction per rank; the coordinator's Finish
// inserts the checkpoints row that makes the checkpoint visible.
//
// Ranks in one process may share a sink. Ranks in different processes
// each open the same database file.
type SQLiteSink struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ shardsave.StorageSink = (*SQLiteSink)(nil)

// NewSQLiteSink opens (creating if needed) the database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode so ranks can write while others read
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			checkpoint_id TEXT NOT NULL,
			path TEXT NOT NULL,
			fqn TEXT NOT NULL,
			byte_offset INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			data BLOB,
			PRIMARY KEY (checkpoint_id, path)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create items table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			world_size INTEGER NOT NULL,
			metadata TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// SetUp implements shardsave.StorageSink.
func (s *SQLiteSink) SetUp(_ bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// PrepareLocalPlan implements shardsave.StorageSink.
func (s *SQLiteSink) PrepareLocalPlan(plan shardsave.SavePlan) (shardsave.SavePlan, error) {
	return plan, nil
}

// PrepareGlobalPlan implements shardsave.StorageSink.
func (s *SQLiteSink) PrepareGlobalPlan(plans []shardsave.SavePlan) ([]shardsave.SavePlan, error) {
	return assignPrefixes(plans)
}

// Write inserts every item of plan in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, plan shardsave.SavePlan, data shardsave.DataResolver) ([]shardsave.WriteResult, error) {
	prefix, err := prefixOf(plan)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (checkpoint_id, path, fqn, byte_offset, checksum, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, &StorageError{Op: "write", Err: fmt.Errorf("prepare: %w", err)}
	}
	defer stmt.Close()

	results := make([]shardsave.WriteResult, 0, len(plan.Items))
	for _, item := range plan.Items {
		path := prefix + item.Index.String()
		b, err := resolveItem(ctx, item, data)
		if err != nil {
			return nil, &StorageError{Op: "write", Path: path, Err: err}
		}
		sum := checksum(b)
		if _, err := stmt.ExecContext(ctx, plan.CheckpointID, path, item.Index.FQN, item.Index.Offset, sum, b); err != nil {
			return nil, &StorageError{Op: "write", Path: path, Err: err}
		}
		results = append(results, shardsave.WriteResult{
			Index: item.Index,
			Size:  int64(len(b)),
			Storage: shardsave.StorageInfo{
				Path:     path,
				Length:   int64(len(b)),
				Checksum: sum,
			},
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "write", Err: fmt.Errorf("commit: %w", err)}
	}
	return results, nil
}

// Finish records md in the checkpoints table.
func (s *SQLiteSink) Finish(ctx context.Context, md *shardsave.Metadata, results [][]shardsave.WriteResult) error {
	if err := fillStorage(md, results); err != nil {
		return &StorageError{Op: "finish", Err: err}
	}
	encoded, err := json.Marshal(md)
	if err != nil {
		return &StorageError{Op: "finish", Err: fmt.Errorf("encode metadata: %w", err)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, created_at, world_size, metadata)
		VALUES (?, ?, ?, ?)
	`, md.ID, md.CreatedAt.UTC().Format(time.RFC3339Nano), md.WorldSize, string(encoded))
	if err != nil {
		return &StorageError{Op: "finish", Err: fmt.Errorf("insert checkpoint: %w", err)}
	}
	return nil
}

// LoadMetadata returns a committed checkpoint's metadata.
func (s *SQLiteSink) LoadMetadata(checkpointID string) (*shardsave.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var encoded string
	err := s.db.QueryRow(`SELECT metadata FROM checkpoints WHERE id = ?`, checkpointID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	var md shardsave.Metadata
	if err := json.Unmarshal([]byte(encoded), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &md, nil
}

// List returns committed checkpoint IDs, oldest first.
func (s *SQLiteSink) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT id FROM checkpoints ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return ids, nil
}

// ReadItem reads and verifies one stored item.
func (s *SQLiteSink) ReadItem(checkpointID string, info shardsave.StorageInfo) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRow(`
		SELECT data FROM items WHERE checkpoint_id = ? AND path = ?
	`, checkpointID, info.Path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read item: %w", err)
	}
	if err := verify(info, data); err != nil {
		return nil, &StorageError{Op: "read", Path: info.Path, Err: err}
	}
	return data, nil
}

// Close implements io.Closer.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
