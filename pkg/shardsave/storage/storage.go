package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/randalmurphal/shardsave/pkg/shardsave"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a checkpoint or item doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrPlanNotPrepared indicates a plan that did not pass through
	// PrepareGlobalPlan, so it has no rank prefix or checkpoint ID.
	ErrPlanNotPrepared = errors.New("plan not prepared by storage")

	// ErrLengthMismatch indicates resolved data whose length differs from
	// the planned length.
	ErrLengthMismatch = errors.New("item length does not match plan")

	// ErrChecksumMismatch indicates stored bytes that fail verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidCheckpointID indicates a checkpoint ID that cannot be used
	// as a single path element.
	ErrInvalidCheckpointID = errors.New("invalid checkpoint id")

	// ErrIncompleteResults indicates write results that do not cover
	// every item in the metadata.
	ErrIncompleteResults = errors.New("write results do not cover metadata")
)

// StorageError wraps an error from a storage operation.
type StorageError struct {
	// Op is the operation that failed ("write", "finish", "read").
	Op string
	// Path is the item or file involved, if any.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// planData is the sink annotation carried in SavePlan.StorageData.
type planData struct {
	Prefix string `json:"prefix"`
}

// assignPrefixes gives plan i the prefix "__i_".
func assignPrefixes(plans []shardsave.SavePlan) ([]shardsave.SavePlan, error) {
	out := make([]shardsave.SavePlan, len(plans))
	for i, p := range plans {
		data, err := json.Marshal(planData{Prefix: fmt.Sprintf("__%d_", i)})
		if err != nil {
			return nil, err
		}
		p.StorageData = data
		out[i] = p
	}
	return out, nil
}

// prefixOf reads the rank prefix back out of a prepared plan.
func prefixOf(plan shardsave.SavePlan) (string, error) {
	if plan.CheckpointID == "" || len(plan.StorageData) == 0 {
		return "", ErrPlanNotPrepared
	}
	var pd planData
	if err := json.Unmarshal(plan.StorageData, &pd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPlanNotPrepared, err)
	}
	if pd.Prefix == "" {
		return "", ErrPlanNotPrepared
	}
	return pd.Prefix, nil
}

// resolveItem fetches one item's bytes and checks them against the plan.
func resolveItem(ctx context.Context, item shardsave.WriteItem, data shardsave.DataResolver) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := data.ResolveData(item)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != item.Length {
		return nil, fmt.Errorf("%w: %s planned %d bytes, got %d",
			ErrLengthMismatch, item.Index, item.Length, len(b))
	}
	return b, nil
}

// checksum returns the hex sha256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// verify checks data against info.
func verify(info shardsave.StorageInfo, data []byte) error {
	if int64(len(data)) != info.Length {
		return fmt.Errorf("%w: %s has %d bytes, expected %d", ErrChecksumMismatch, info.Path, len(data), info.Length)
	}
	if info.Checksum != "" && checksum(data) != info.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, info.Path)
	}
	return nil
}

// fillStorage records where every item landed in md.Storage, and checks
// that the results cover every item the metadata expects.
func fillStorage(md *shardsave.Metadata, results [][]shardsave.WriteResult) error {
	if md == nil {
		return shardsave.ErrNilMetadata
	}
	storage := make(map[string]shardsave.StorageInfo)
	for rank, rs := range results {
		for _, r := range rs {
			key := r.Index.String()
			if _, dup := storage[key]; dup {
				return fmt.Errorf("%w: %s written twice (again by rank %d)", ErrIncompleteResults, key, rank)
			}
			storage[key] = r.Storage
		}
	}

	for fqn, entry := range md.Entries {
		if len(entry.Chunks) == 0 {
			if _, ok := storage[shardsave.MetadataIndex{FQN: fqn}.String()]; !ok {
				return fmt.Errorf("%w: no result for %s", ErrIncompleteResults, fqn)
			}
			continue
		}
		for _, ch := range entry.Chunks {
			idx := shardsave.MetadataIndex{FQN: fqn, Offset: ch.Offset}
			if _, ok := storage[idx.String()]; !ok {
				return fmt.Errorf("%w: no result for %s", ErrIncompleteResults, idx)
			}
		}
	}
	if len(storage) != md.ItemCount() {
		return fmt.Errorf("%w: %d results for %d items", ErrIncompleteResults, len(storage), md.ItemCount())
	}

	md.Storage = storage
	return nil
}
