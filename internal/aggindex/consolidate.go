package aggindex

import (
	"sort"

	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/pkey"
)

// PickConsolidation selects up to maxChunks live chunks for consolidation
// (spec §4.1): the set must together cover a contiguous key span and be
// closed under "any chunk whose key range is fully contained in the
// selected span" — preventing orphan micro-chunks. The heuristic starts at
// the deepest point of the overlap stack and expands the span left/right
// while bounded by maxChunks.
func (ix *Index) PickConsolidation(maxChunks int) []chunk.Meta {
	metas := ix.All()
	if len(metas) == 0 || maxChunks <= 0 {
		return nil
	}

	deepestKey, depth := ix.deepestPoint(metas)
	if depth <= 1 {
		// Nothing overlaps; consolidation would not reduce anything.
		return nil
	}

	// Seed the span with every chunk covering the deepest point, capped at
	// maxChunks so a single hot point never exceeds the caller's budget.
	var span []chunk.Meta
	for _, m := range metas {
		if len(span) >= maxChunks {
			break
		}
		if pkey.Compare(m.MinKey, deepestKey) <= 0 && pkey.Compare(deepestKey, m.MaxKey) <= 0 {
			span = append(span, m)
		}
	}
	lo, hi := spanBounds(span)

	// Expand left/right, each time re-closing under full containment,
	// until no more chunks fit within maxChunks.
	for {
		grew := false

		for _, m := range metas {
			if containsMeta(span, m.ID) {
				continue
			}
			if len(span) >= maxChunks {
				break
			}
			// Grow only if m overlaps the current span's bounding range —
			// i.e. it extends the contiguous covered span, or is fully
			// contained within it (closure requirement).
			if overlapsRange(m, lo, hi) {
				span = append(span, m)
				lo, hi = widenBounds(lo, hi, m)
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	// Closure pass: any chunk fully contained in [lo,hi] must be included,
	// even if it was not reached by the expansion loop above (e.g. a
	// micro-chunk nested entirely inside another chunk's range).
	for _, m := range metas {
		if len(span) >= maxChunks {
			break
		}
		if containsMeta(span, m.ID) {
			continue
		}
		if pkey.Compare(lo, m.MinKey) <= 0 && pkey.Compare(m.MaxKey, hi) <= 0 {
			span = append(span, m)
		}
	}

	sort.Slice(span, func(i, j int) bool {
		if c := pkey.Compare(span[i].MinKey, span[j].MinKey); c != 0 {
			return c < 0
		}
		return span[i].ID < span[j].ID
	})
	return span
}

func (ix *Index) deepestPoint(metas []chunk.Meta) (pkey.Key, int) {
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
		return events[i].isOpen && !events[j].isOpen
	})

	depth, maxDepth := 0, 0
	var maxKey pkey.Key
	for _, e := range events {
		depth += e.delta
		if depth > maxDepth {
			maxDepth = depth
			maxKey = e.key
		}
	}
	return maxKey, maxDepth
}

func spanBounds(span []chunk.Meta) (lo, hi pkey.Key) {
	lo, hi = span[0].MinKey, span[0].MaxKey
	for _, m := range span[1:] {
		if pkey.Compare(m.MinKey, lo) < 0 {
			lo = m.MinKey
		}
		if pkey.Compare(m.MaxKey, hi) > 0 {
			hi = m.MaxKey
		}
	}
	return lo, hi
}

func widenBounds(lo, hi pkey.Key, m chunk.Meta) (pkey.Key, pkey.Key) {
	if pkey.Compare(m.MinKey, lo) < 0 {
		lo = m.MinKey
	}
	if pkey.Compare(m.MaxKey, hi) > 0 {
		hi = m.MaxKey
	}
	return lo, hi
}

func overlapsRange(m chunk.Meta, lo, hi pkey.Key) bool {
	return pkey.Compare(m.MinKey, hi) <= 0 && pkey.Compare(lo, m.MaxKey) <= 0
}

func containsMeta(span []chunk.Meta, id chunk.ID) bool {
	for _, m := range span {
		if m.ID == id {
			return true
		}
	}
	return false
}
