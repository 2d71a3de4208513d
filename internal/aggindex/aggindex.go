// Package aggindex implements AggregationIndex (spec §4.1): the in-memory
// view of one aggregation's live chunk set, supporting range-overlap
// queries and consolidation-candidate selection. Entries are held in a
// github.com/google/btree ordered tree keyed by (min_key, id) — the same
// tie-break spec §4.1 requires for chunks_covering — giving an O(log n + k)
// walk instead of a linear scan over the live set.
package aggindex

import (
	"sort"

	"github.com/google/btree"

	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
)

const defaultDegree = 32

type entry struct {
	meta chunk.Meta
}

func less(a, b entry) bool {
	if c := pkey.Compare(a.meta.MinKey, b.meta.MinKey); c != 0 {
		return c < 0
	}
	return a.meta.ID < b.meta.ID
}

// Index is the live chunk-set view for one aggregation. The zero value is
// not usable; construct with New.
//
// Index is NOT safe for concurrent mutation and reads. Per spec §5
// ("AggregationIndex: mutated only by revision transitions; readers
// snapshot the index at query start, so no lock is required on the read
// path"), all mutation happens on the owning Runner's goroutine via Apply,
// and readers that need to span a suspension point must call Snapshot
// first and query the snapshot, never the live Index.
type Index struct {
	tree *btree.BTreeG[entry]
}

// New constructs an empty Index.
func New() *Index {
	return &Index{tree: btree.NewG(defaultDegree, less)}
}

// Snapshot returns an O(1) copy-on-write clone of the index, safe to query
// across suspension points while Apply continues to mutate the original
// (spec §5).
func (ix *Index) Snapshot() *Index {
	return &Index{tree: ix.tree.Clone()}
}

// Apply performs one revision transition: removing retired chunk ids and
// inserting newly created chunk metas. Spec §4.1: "The index never holds a
// reference to a chunk not present in the published revision" — callers
// must only call Apply after MetadataStore.Publish has succeeded.
func (ix *Index) Apply(created []chunk.Meta, retired []chunk.ID) {
	if len(retired) > 0 {
		retiredSet := make(map[chunk.ID]bool, len(retired))
		for _, id := range retired {
			retiredSet[id] = true
		}
		var toRemove []entry
		ix.tree.Ascend(func(e entry) bool {
			if retiredSet[e.meta.ID] {
				toRemove = append(toRemove, e)
			}
			return true
		})
		for _, e := range toRemove {
			ix.tree.Delete(e)
		}
	}
	for _, m := range created {
		ix.tree.ReplaceOrInsert(entry{meta: m})
	}
}

// Len returns the number of live chunks in the index.
func (ix *Index) Len() int { return ix.tree.Len() }

// All returns every live chunk meta, ordered by (min_key, id).
func (ix *Index) All() []chunk.Meta {
	out := make([]chunk.Meta, 0, ix.tree.Len())
	ix.tree.Ascend(func(e entry) bool {
		out = append(out, e.meta)
		return true
	})
	return out
}

// KeyRange is a closed-or-open key-range predicate over the full
// PrimaryKey. A nil Lo means unbounded below; a nil Hi means unbounded
// above. Equality-prefix and range predicates (spec §6's predicate
// grammar) are translated into a KeyRange by the query planner before
// calling ChunksCovering.
type KeyRange struct {
	Lo, Hi                   pkey.Key
	LoInclusive, HiInclusive bool
}

func (kr KeyRange) belowLo(k pkey.Key) bool {
	if kr.Lo == nil {
		return false
	}
	c := pkey.Compare(k, kr.Lo)
	if kr.LoInclusive {
		return c < 0
	}
	return c <= 0
}

func (kr KeyRange) aboveHi(k pkey.Key) bool {
	if kr.Hi == nil {
		return false
	}
	c := pkey.Compare(k, kr.Hi)
	if kr.HiInclusive {
		return c > 0
	}
	return c >= 0
}

// ChunksCovering returns every live chunk whose [min_key, max_key]
// intersects kr, ordered by (min_key, id) (spec §4.1).
func (ix *Index) ChunksCovering(kr KeyRange) []chunk.Meta {
	var out []chunk.Meta
	ix.tree.Ascend(func(e entry) bool {
		if kr.aboveHi(e.meta.MinKey) {
			// min_key is already past the upper bound; since entries are
			// ordered ascending by min_key, every further entry is too.
			return false
		}
		if !kr.belowLo(e.meta.MaxKey) {
			out = append(out, e.meta)
		}
		return true
	})
	return out
}

// Status is the overlap-pressure classification of spec §4.1.
type Status int

const (
	StatusOK Status = iota
	StatusSoft
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSoft:
		return "SOFT"
	case StatusCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

type sweepEvent struct {
	key    pkey.Key
	delta  int // +1 open, -1 close
	isOpen bool
}

// stackDepth computes the maximum number of live chunks whose ranges cover
// any single point, via a sweep line over {(min_key,+1),(max_key,-1)}
// events, with ties at the same key resolved open-before-close (spec
// §4.1's algorithm note).
func (ix *Index) stackDepth() int {
	metas := ix.All()
	events := make([]sweepEvent, 0, 2*len(metas))
	for _, m := range metas {
		events = append(events,
			sweepEvent{key: m.MinKey, delta: 1, isOpen: true},
			sweepEvent{key: m.MaxKey, delta: -1, isOpen: false},
		)
	}
	sort.Slice(events, func(i, j int) bool {
		if c := pkey.Compare(events[i].key, events[j].key); c != 0 {
			return c < 0
		}
		// Ties at the same key: opens before closes.
		return events[i].isOpen && !events[j].isOpen
	})
	depth, max := 0, 0
	for _, e := range events {
		depth += e.delta
		if depth > max {
			max = depth
		}
	}
	return max
}

// OverlapStatus classifies the index's current overlap pressure (spec
// §4.1).
func (ix *Index) OverlapStatus(soft, critical int) Status {
	depth := ix.stackDepth()
	switch {
	case depth < soft:
		return StatusOK
	case depth < critical:
		return StatusSoft
	default:
		return StatusCritical
	}
}
