package shardsave

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultPlanner plans one write item per state value.
//
// Item types:
//   - []byte values become "bytes" items
//   - ShardedValue values become one "shard" item per local shard
//   - everything else is JSON-encoded into an "object" item
//
// Nested maps are flattened into dotted names ("optim.lr") unless
// WithoutFlatten is set. Values replicated on several ranks are written
// once, by the lowest rank holding them.
type DefaultPlanner struct {
	flatten bool
	now     func() time.Time

	state         map[string]any
	isCoordinator bool
	setUp         bool
}

// Compile-time interface check.
var _ Planner = (*DefaultPlanner)(nil)

// PlannerOption configures a DefaultPlanner.
type PlannerOption func(*DefaultPlanner)

// WithoutFlatten keeps nested maps as single object items.
func WithoutFlatten() PlannerOption {
	return func(p *DefaultPlanner) {
		p.flatten = false
	}
}

// withClock overrides the metadata timestamp source.
func withClock(now func() time.Time) PlannerOption {
	return func(p *DefaultPlanner) {
		p.now = now
	}
}

// NewDefaultPlanner creates a DefaultPlanner.
func NewDefaultPlanner(opts ...PlannerOption) *DefaultPlanner {
	p := &DefaultPlanner{
		flatten: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetUp records the state to plan from.
func (p *DefaultPlanner) SetUp(state StateDict, isCoordinator bool) error {
	p.setUp = false
	flat := make(map[string]any, len(state))
	if p.flatten {
		if err := flattenInto(flat, "", state); err != nil {
			return err
		}
	} else {
		for k, v := range state {
			flat[k] = v
		}
	}
	p.state = flat
	p.isCoordinator = isCoordinator
	p.setUp = true
	return nil
}

// flattenInto copies m into dst with dotted keys. Empty maps stay values.
// Keys are visited in sorted order so the reported collision is stable.
func flattenInto(dst map[string]any, prefix string, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		var nested map[string]any
		switch t := v.(type) {
		case StateDict:
			nested = t
		case map[string]any:
			nested = t
		}
		if len(nested) > 0 {
			if err := flattenInto(dst, key, nested); err != nil {
				return err
			}
			continue
		}
		if _, taken := dst[key]; taken {
			return fmt.Errorf("%w: %q", ErrKeyCollision, key)
		}
		dst[key] = v
	}
	return nil
}

// CreateLocalPlan returns one item per value, sorted by index.
func (p *DefaultPlanner) CreateLocalPlan() (SavePlan, error) {
	if !p.setUp {
		return SavePlan{}, ErrNotSetUp
	}

	items := make([]WriteItem, 0, len(p.state))
	for fqn, v := range p.state {
		switch t := v.(type) {
		case []byte:
			items = append(items, WriteItem{
				Index:  MetadataIndex{FQN: fqn},
				Type:   ItemBytes,
				Length: int64(len(t)),
			})
		case ShardedValue, *ShardedValue:
			sv := asSharded(t)
			if sv == nil {
				return SavePlan{}, fmt.Errorf("%s: nil sharded value", fqn)
			}
			for _, sh := range sv.Shards {
				end := sh.Offset + int64(len(sh.Data))
				if sh.Offset < 0 || end > sv.GlobalLength {
					return SavePlan{}, fmt.Errorf("%s: shard [%d,%d) outside [0,%d)",
						fqn, sh.Offset, end, sv.GlobalLength)
				}
				items = append(items, WriteItem{
					Index:        MetadataIndex{FQN: fqn, Offset: sh.Offset},
					Type:         ItemShard,
					Length:       int64(len(sh.Data)),
					GlobalLength: sv.GlobalLength,
				})
			}
		default:
			data, err := json.Marshal(t)
			if err != nil {
				return SavePlan{}, fmt.Errorf("%s: encode object: %w", fqn, err)
			}
			items = append(items, WriteItem{
				Index:  MetadataIndex{FQN: fqn},
				Type:   ItemObject,
				Length: int64(len(data)),
			})
		}
	}

	sortItems(items)
	return SavePlan{Items: items}, nil
}

func asSharded(v any) *ShardedValue {
	switch t := v.(type) {
	case ShardedValue:
		return &t
	case *ShardedValue:
		return t
	}
	return nil
}

func sortItems(items []WriteItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Index.FQN != items[j].Index.FQN {
			return items[i].Index.FQN < items[j].Index.FQN
		}
		return items[i].Index.Offset < items[j].Index.Offset
	})
}

// CreateGlobalPlan deduplicates replicated items, validates shards and
// builds the checkpoint metadata.
func (p *DefaultPlanner) CreateGlobalPlan(plans []SavePlan) ([]SavePlan, *Metadata, error) {
	global := make([]SavePlan, len(plans))
	owner := make(map[MetadataIndex]int)
	entries := make(map[string]EntryMetadata)
	var problems []string

	for rank, plan := range plans {
		kept := make([]WriteItem, 0, len(plan.Items))
		for _, item := range plan.Items {
			if first, ok := owner[item.Index]; ok {
				// Replicated: the lowest rank already writes it.
				prev := entries[item.Index.FQN]
				if prev.Type != item.Type {
					problems = append(problems, fmt.Sprintf("%s is %s on rank %d and %s on rank %d",
						item.Index.FQN, prev.Type, first, item.Type, rank))
				}
				continue
			}
			owner[item.Index] = rank
			kept = append(kept, item)

			entry, seen := entries[item.Index.FQN]
			switch {
			case !seen:
				entry = EntryMetadata{Type: item.Type}
			case entry.Type != item.Type:
				problems = append(problems, fmt.Sprintf("%s has conflicting types %s and %s",
					item.Index.FQN, entry.Type, item.Type))
				continue
			}
			entry.Ranks = appendRank(entry.Ranks, rank)
			if item.Type == ItemShard {
				if seen && entry.Length != item.GlobalLength {
					problems = append(problems, fmt.Sprintf("%s has global length %d and %d",
						item.Index.FQN, entry.Length, item.GlobalLength))
				}
				entry.Length = item.GlobalLength
				entry.Chunks = append(entry.Chunks, ChunkMetadata{
					Offset: item.Index.Offset,
					Length: item.Length,
					Rank:   rank,
				})
			} else {
				entry.Length = item.Length
			}
			entries[item.Index.FQN] = entry
		}

		global[rank] = plan
		global[rank].Items = kept
	}

	for fqn, entry := range entries {
		if entry.Type != ItemShard {
			continue
		}
		sort.Slice(entry.Chunks, func(i, j int) bool {
			return entry.Chunks[i].Offset < entry.Chunks[j].Offset
		})
		problems = append(problems, checkCoverage(fqn, entry)...)
		entries[fqn] = entry
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, nil, &PlanValidationError{Problems: problems}
	}

	md := &Metadata{
		ID:        uuid.NewString(),
		CreatedAt: p.now().UTC(),
		WorldSize: len(plans),
		Entries:   entries,
	}
	return global, md, nil
}

// checkCoverage reports overlaps and gaps in sorted chunks.
func checkCoverage(fqn string, entry EntryMetadata) []string {
	var problems []string
	var next int64
	for _, ch := range entry.Chunks {
		switch {
		case ch.Offset < next:
			problems = append(problems, fmt.Sprintf("%s: chunk at %d on rank %d overlaps previous chunk ending at %d",
				fqn, ch.Offset, ch.Rank, next))
		case ch.Offset > next:
			problems = append(problems, fmt.Sprintf("%s: bytes [%d,%d) not written by any rank",
				fqn, next, ch.Offset))
		}
		if end := ch.Offset + ch.Length; end > next {
			next = end
		}
	}
	if next < entry.Length {
		problems = append(problems, fmt.Sprintf("%s: bytes [%d,%d) not written by any rank",
			fqn, next, entry.Length))
	}
	return problems
}

func appendRank(ranks []int, rank int) []int {
	if n := len(ranks); n > 0 && ranks[n-1] == rank {
		return ranks
	}
	return append(ranks, rank)
}

// FinishPlan checks that every item of plan resolves against the state.
func (p *DefaultPlanner) FinishPlan(plan SavePlan) (SavePlan, error) {
	if !p.setUp {
		return SavePlan{}, ErrNotSetUp
	}
	for _, item := range plan.Items {
		if _, err := p.lookup(item); err != nil {
			return SavePlan{}, err
		}
	}
	return plan, nil
}

// ResolveData returns the bytes for item: raw bytes and shard data as-is,
// objects as JSON.
func (p *DefaultPlanner) ResolveData(item WriteItem) ([]byte, error) {
	v, err := p.lookup(item)
	if err != nil {
		return nil, err
	}
	switch item.Type {
	case ItemBytes:
		return v.([]byte), nil
	case ItemShard:
		sv := asSharded(v)
		for _, sh := range sv.Shards {
			if sh.Offset == item.Index.Offset {
				return sh.Data, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, item.Index)
	default:
		return json.Marshal(v)
	}
}

// lookup finds the state value behind item and checks its type.
func (p *DefaultPlanner) lookup(item WriteItem) (any, error) {
	v, ok := p.state[item.Index.FQN]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, item.Index)
	}
	switch item.Type {
	case ItemBytes:
		if _, ok := v.([]byte); !ok {
			return nil, fmt.Errorf("%w: %s is not bytes", ErrUnknownItem, item.Index)
		}
	case ItemShard:
		sv := asSharded(v)
		if sv == nil {
			return nil, fmt.Errorf("%w: %s is not sharded", ErrUnknownItem, item.Index)
		}
		for _, sh := range sv.Shards {
			if sh.Offset == item.Index.Offset {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: %s has no local shard", ErrUnknownItem, item.Index)
	case ItemObject:
	default:
		return nil, fmt.Errorf("unknown item type %q for %s", item.Type, item.Index)
	}
	return v, nil
}
