package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/srosenberg/datakernel-sub002/internal/chunk"
	"github.com/srosenberg/datakernel-sub002/internal/logging"
)

// MetadataStore is an in-memory chunk.MetadataStore. Revisions and chunk
// ids are both monotonic counters guarded by one mutex, mirroring the
// teacher's single-mutex MetaStore simplicity — transactional semantics are
// just "hold the lock for the duration of Publish".
type MetadataStore struct {
	mu      sync.Mutex
	nextID  chunk.ID
	nextRev chunk.Revision
	byAgg   map[string][]chunk.Meta
	logger  *slog.Logger

	// published is the last revision Publish committed; publishing it a
	// second time is a revision conflict.
	published chunk.Revision
}

// NewMetadataStore constructs an in-memory chunk.MetadataStore.
func NewMetadataStore(cfg Config) *MetadataStore {
	return &MetadataStore{
		byAgg:  make(map[string][]chunk.Meta),
		logger: logging.Default(cfg.Logger).With("component", "metadata-store", "type", "memory"),
	}
}

// AllocateChunkIDs implements chunk.MetadataStore.
func (s *MetadataStore) AllocateChunkIDs(ctx context.Context, n int) ([]chunk.ID, error) {
	if n <= 0 {
		return nil, fmt.Errorf("metadata: allocate chunk ids: n must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]chunk.ID, n)
	for i := 0; i < n; i++ {
		s.nextID++
		ids[i] = s.nextID
	}
	return ids, nil
}

// BeginRevision implements chunk.MetadataStore.
func (s *MetadataStore) BeginRevision(ctx context.Context) (chunk.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRev++
	return s.nextRev, nil
}

// Publish implements chunk.MetadataStore. It is not truly transactional
// (no rollback path beyond the caller never calling Publish), matching the
// reference-harness scope of this package: the real store's transaction
// semantics are spec'd at the interface only (spec §6).
func (s *MetadataStore) Publish(ctx context.Context, rev chunk.Revision, created []chunk.Meta, retired []chunk.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rev != s.nextRev {
		return fmt.Errorf("%w: publish at revision %d, current is %d", chunk.ErrRevisionConflict, rev, s.nextRev)
	}
	if rev == s.published {
		return fmt.Errorf("%w: revision %d already published", chunk.ErrRevisionConflict, rev)
	}

	retiredSet := make(map[chunk.ID]bool, len(retired))
	for _, id := range retired {
		retiredSet[id] = true
	}

	for aggID, metas := range s.byAgg {
		for i, m := range metas {
			if retiredSet[m.ID] && m.RevisionRetired == 0 {
				metas[i].RevisionRetired = rev
			}
		}
		s.byAgg[aggID] = metas
	}

	for _, m := range created {
		m.RevisionCreated = rev
		s.byAgg[m.AggregationID] = append(s.byAgg[m.AggregationID], m)
	}

	s.published = rev
	s.logger.Debug("revision published", "revision", uint64(rev), "created", len(created), "retired", len(retired))
	return nil
}

// LoadLive implements chunk.MetadataStore.
func (s *MetadataStore) LoadLive(ctx context.Context, aggregationID string, rev chunk.Revision) ([]chunk.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rev == 0 {
		rev = s.nextRev
	}
	var live []chunk.Meta
	for _, m := range s.byAgg[aggregationID] {
		if m.Live(rev) {
			live = append(live, m)
		}
	}
	return live, nil
}
