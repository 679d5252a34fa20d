// Package blockstore implements the durable, append-only block archive: a
// primary index keyed by (number, hash) plus per-filter-key inverted
// bitmap secondary indexes, both organized into fixed-size segments. Every
// write rewrites its segment's files in full, staged to *.tmp and renamed;
// completed segments are not compacted or rewritten into another form. The
// roaring-bitmap index is a newly added dependency (see DESIGN.md).
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cache"
	"github.com/apibara/dna/internal/cursor"
)

// ErrNotFound is returned by Get when the requested cursor was never seen.
var ErrNotFound = errors.New("blockstore: block not found")

// ErrOutOfRange is returned by Scan when the requested range's lower bound
// falls below the retention horizon.
var ErrOutOfRange = errors.New("blockstore: range below retention horizon")

// DefaultSegmentSize is the number of blocks grouped per segment for
// storage and indexing.
const DefaultSegmentSize = 1000

// CanonicalLookup answers "what cursor is canonical at height n", used by
// Scan to filter index candidates down to the canonical chain and by Retain
// to decide which orphaned entries below the retention floor to discard.
// internal/chainview.View satisfies this directly.
type CanonicalLookup func(number uint64) (cursor.Cursor, bool)

// Options configures a Store.
type Options struct {
	// Dir is the root directory segments are persisted under. Empty means
	// memory-only (no persistence, used by tests).
	Dir string
	// SegmentSize is the number of block heights per segment.
	SegmentSize uint64
	// CacheSize bounds the hot in-memory block cache (internal/cache.LRU).
	CacheSize int
	CacheTTL  time.Duration
	Log       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SegmentSize == 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.CacheSize == 0 {
		o.CacheSize = 4096
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

// Store is the concrete BlockStore. It is safe for
// concurrent use: writes are serialized by the Ingestor, reads may run from any number of
// goroutines.
type Store struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	segments map[uint64]*segment

	// retainedFloor is the highest floor ever passed to Retain: heights
	// below it are no longer guaranteed to have orphans present and are
	// rejected by Scan, regardless of which segments happen to be loaded.
	retainedFloor uint64

	cache *cache.LRU[string, block.Block]
}

// Open creates (or reopens) a Store rooted at opts.Dir. Any segment
// directories already on disk are indexed lazily on first access rather
// than eagerly loaded, so Open itself never touches segment content.
func Open(opts Options) (*Store, error) {
	opts.setDefaults()
	s := &Store{
		opts:     opts,
		log:      opts.Log.With("component", "blockstore"),
		segments: map[uint64]*segment{},
		cache:    cache.NewLRU[string, block.Block](opts.CacheSize, opts.CacheTTL),
	}
	if opts.Dir != "" {
		if err := ensureDir(opts.Dir); err != nil {
			return nil, fmt.Errorf("blockstore: create root dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) segmentIndex(number uint64) uint64 { return number / s.opts.SegmentSize }

// segmentFor returns the segment covering number, loading it from disk (or
// creating a fresh one) on first access. Callers must not retain the
// returned pointer across a Rebuild call without re-fetching.
func (s *Store) segmentFor(idx uint64) (*segment, error) {
	s.mu.RLock()
	seg, ok := s.segments[idx]
	s.mu.RUnlock()
	if ok {
		return seg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seg, ok := s.segments[idx]; ok {
		return seg, nil
	}
	seg, err := openSegment(s.opts.Dir, idx, s.opts.SegmentSize)
	if err != nil {
		return nil, err
	}
	s.segments[idx] = seg
	return seg, nil
}

// Put writes a block, updating the live segment's primary and secondary
// indexes. Idempotent on (number, hash): re-putting an already-seen cursor
// is a no-op.
func (s *Store) Put(ctx context.Context, blk block.Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seg, err := s.segmentFor(s.segmentIndex(blk.Cursor.Number))
	if err != nil {
		return fmt.Errorf("blockstore: put: %w", err)
	}
	added, err := seg.put(blk)
	if err != nil {
		return fmt.Errorf("blockstore: put %s: %w", blk.Cursor, err)
	}
	if added {
		s.cache.Put(blk.Cursor.String(), blk)
	}
	return nil
}

// Get retrieves the exact block identified by cur. A wildcard cursor
// (cur.IsWildcard()) returns the most recently written block at that
// height, canonical or not.
func (s *Store) Get(ctx context.Context, cur cursor.Cursor) (block.Block, error) {
	if err := ctx.Err(); err != nil {
		return block.Block{}, err
	}
	// Wildcard lookups must see the latest write at their height, and a
	// height below the retention floor may name an orphan Retain has since
	// dropped, so neither is served from or stored in the cache.
	cacheable := !cur.IsWildcard() && cur.Number >= s.retentionFloor()
	if cacheable {
		if blk, ok := s.cache.Get(cur.String()); ok {
			return blk, nil
		}
	}
	seg, err := s.segmentFor(s.segmentIndex(cur.Number))
	if err != nil {
		return block.Block{}, fmt.Errorf("blockstore: get: %w", err)
	}
	blk, ok := seg.get(cur)
	if !ok {
		return block.Block{}, ErrNotFound
	}
	if cacheable {
		s.cache.Put(cur.String(), blk)
	}
	return blk, nil
}

// Matcher is one AND-clause of a Filter: a block's component matches when
// it carries every key in Keys.
type Matcher struct {
	Kind block.Kind
	Keys []block.Key
}

// Filter is a set of Matchers combined with OR, mirroring the tagged-variant
// design rather than an inheritance hierarchy: BlockStore's
// index layer only consults RequiredKeys; per-component match refinement
// happens in Apply.
type Filter struct {
	Matchers []Matcher
}

// RequiredKeys returns the union of the keys named by every matcher. Scan
// intersects them to narrow candidates only when the filter has a single
// matcher; with several (ORed) matchers it does not restrict by index.
func (f Filter) RequiredKeys() []block.Key {
	var keys []block.Key
	for _, m := range f.Matchers {
		keys = append(keys, m.Keys...)
	}
	return keys
}

// Apply reports whether blk matches the filter and, if so, a projected copy
// containing only the components that matched. An empty filter matches every
// block in full.
func (f Filter) Apply(blk block.Block) (bool, block.Block) {
	if len(f.Matchers) == 0 {
		return true, blk
	}
	var matched []block.Component
	for _, comp := range blk.Components {
		for _, m := range f.Matchers {
			if m.Kind != "" && comp.Kind != m.Kind {
				continue
			}
			if matcherSatisfiedBy(m, comp) {
				matched = append(matched, comp)
				break
			}
		}
	}
	if len(matched) == 0 {
		return false, block.Block{}
	}
	projected := blk
	projected.Components = matched
	return true, projected
}

func matcherSatisfiedBy(m Matcher, comp block.Component) bool {
	if len(m.Keys) == 0 {
		return true
	}
	for _, need := range m.Keys {
		found := false
		for _, have := range comp.Keys {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Scan returns, in ascending height order, every canonical block in
// [from, to] whose components match filter. canonical resolves membership
// after the bitmap intersection narrows candidates.
func (s *Store) Scan(ctx context.Context, filter Filter, from, to uint64, canonical CanonicalLookup) ([]block.Block, error) {
	if from > to {
		return nil, nil
	}
	if from < s.retentionFloor() {
		return nil, ErrOutOfRange
	}

	var out []block.Block
	required := filter.RequiredKeys()
	if len(filter.Matchers) > 1 {
		// Matchers are ORed: intersecting all their keys would drop blocks
		// that satisfy only one of them.
		required = nil
	}
	for idx := s.segmentIndex(from); idx <= s.segmentIndex(to); idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seg, err := s.segmentFor(idx)
		if err != nil {
			return nil, fmt.Errorf("blockstore: scan segment %d: %w", idx, err)
		}
		candidates := seg.candidateNumbers(required, from, to)
		for _, n := range candidates {
			canon, ok := canonical(n)
			if !ok {
				continue
			}
			blk, ok := seg.get(canon)
			if !ok {
				continue
			}
			if matched, projected := filter.Apply(blk); matched {
				out = append(out, projected)
			}
		}
	}
	return out, nil
}

// Retain discards orphaned (non-canonical) blocks strictly below floor;
// canonical entries are always kept regardless of height. floor becomes
// the new retention horizon for Scan regardless of which segments happen
// to be resident in memory, including ones not yet lazily loaded: a Scan
// below floor is rejected with ErrOutOfRange even for a segment Retain
// never touched because it was never loaded in the first place.
func (s *Store) Retain(ctx context.Context, floor uint64, canonical CanonicalLookup) error {
	s.mu.RLock()
	segs := make([]*segment, 0, len(s.segments))
	for idx, seg := range s.segments {
		if idx*s.opts.SegmentSize < floor {
			segs = append(segs, seg)
		}
	}
	s.mu.RUnlock()

	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := seg.retain(floor, canonical); err != nil {
			return fmt.Errorf("blockstore: retain segment %d: %w", seg.index, err)
		}
	}

	s.mu.Lock()
	if floor > s.retainedFloor {
		s.retainedFloor = floor
	}
	s.mu.Unlock()
	return nil
}

// retentionFloor is the horizon below which Scan refuses to serve a range:
// the highest floor ever passed to Retain, not a property of whichever
// segments happen to be loaded.
func (s *Store) retentionFloor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retainedFloor
}

// Rebuild reloads a segment from its on-disk primary file, discarding any
// in-memory index state and recomputing indexes and meta from the stored
// blocks; it recovers a segment whose index or meta file is corrupted.
func (s *Store) Rebuild(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, err := rebuildSegment(s.opts.Dir, idx, s.opts.SegmentSize)
	if err != nil {
		return err
	}
	s.segments[idx] = seg
	return nil
}
