package shardsave

import (
	"encoding/json"
	"fmt"
	"time"
)

// StateDict is the state one rank contributes to a checkpoint: a mapping
// from name to storable value. Values may be []byte, *ShardedValue or
// ShardedValue, nested maps, or anything encoding/json accepts.
type StateDict map[string]any

// ShardedValue is a byte range split across ranks. Each rank holds the
// shards it owns; together the ranks cover [0, GlobalLength).
type ShardedValue struct {
	GlobalLength int64
	Shards       []LocalShard
}

// LocalShard is one contiguous piece of a ShardedValue.
type LocalShard struct {
	Offset int64
	Data   []byte
}

// ItemType is the kind of a write item.
type ItemType string

// Item types.
const (
	ItemBytes  ItemType = "bytes"
	ItemShard  ItemType = "shard"
	ItemObject ItemType = "object"
)

// MetadataIndex identifies one written item: a fully qualified name and,
// for shards, the offset of the piece within the whole value.
type MetadataIndex struct {
	FQN    string `json:"fqn"`
	Offset int64  `json:"offset,omitempty"`
}

// String returns "fqn" or "fqn@offset" for non-zero offsets.
func (i MetadataIndex) String() string {
	if i.Offset == 0 {
		return i.FQN
	}
	return fmt.Sprintf("%s@%d", i.FQN, i.Offset)
}

// WriteItem is one entry of a SavePlan.
type WriteItem struct {
	Index        MetadataIndex `json:"index"`
	Type         ItemType      `json:"type"`
	Length       int64         `json:"length"`
	GlobalLength int64         `json:"global_length,omitempty"`
}

// SavePlan is what one rank will write. The plan returned by the PLAN
// round is authoritative and must be written as-is.
type SavePlan struct {
	Items        []WriteItem `json:"items"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`

	// StorageData and PlannerData carry sink- and planner-private
	// annotations through the exchange.
	StorageData json.RawMessage `json:"storage_data,omitempty"`
	PlannerData json.RawMessage `json:"planner_data,omitempty"`
}

// StorageInfo locates one item's bytes in the storage medium.
type StorageInfo struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
	Checksum string `json:"checksum,omitempty"`
}

// WriteResult records one item a rank persisted.
type WriteResult struct {
	Index   MetadataIndex `json:"index"`
	Size    int64         `json:"size"`
	Storage StorageInfo   `json:"storage"`
}

// Metadata describes a whole checkpoint. The coordinator builds it during
// the PLAN round; the storage sink fills Storage and commits it in FINISH.
type Metadata struct {
	ID        string                   `json:"id"`
	CreatedAt time.Time                `json:"created_at"`
	WorldSize int                      `json:"world_size"`
	Entries   map[string]EntryMetadata `json:"entries"`

	// Storage maps MetadataIndex.String() to where the item landed.
	Storage map[string]StorageInfo `json:"storage,omitempty"`
}

// EntryMetadata describes one top-level FQN.
type EntryMetadata struct {
	Type   ItemType        `json:"type"`
	Length int64           `json:"length"`
	Chunks []ChunkMetadata `json:"chunks,omitempty"`
	Ranks  []int           `json:"ranks"`
}

// ChunkMetadata is one shard of a sharded entry.
type ChunkMetadata struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
	Rank   int   `json:"rank"`
}

// ItemCount returns the number of items the metadata expects in storage.
func (m *Metadata) ItemCount() int {
	n := 0
	for _, e := range m.Entries {
		if len(e.Chunks) > 0 {
			n += len(e.Chunks)
		} else {
			n++
		}
	}
	return n
}
