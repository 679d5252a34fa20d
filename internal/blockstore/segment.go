package blockstore

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cursor"
)

const (
	blocksFileName = "blocks.bin"
	indexFileName  = "index.keys.bin"
	metaFileName   = "meta.json"
)

// segmentMeta is the JSON sidecar recording a segment's persisted state:
// segment min/max block and finality watermark.
type segmentMeta struct {
	Index        uint64 `json:"index"`
	Min          uint64 `json:"min"`
	Max          uint64 `json:"max"`
	FinalizedMax uint64 `json:"finalized_max"`
}

// segment is one fixed-height range of the block archive: a primary
// (number -> []block.Block) map (multiple entries per number when orphans
// are retained) and per-key roaring bitmaps of block-number offsets within
// the segment.
type segment struct {
	mu sync.RWMutex

	dir   string // "" for memory-only stores
	index uint64
	size  uint64

	blocksByNumber map[uint64][]block.Block
	indexes        map[string]*roaring.Bitmap

	meta     segmentMeta
	metaInit bool
}

func segmentDir(root string, idx uint64) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, fmt.Sprintf("seg-%012d", idx))
}

// openSegment loads a segment from disk if present, else returns a fresh
// empty one. It never fails on a missing directory (that is the normal
// case for a not-yet-written segment).
func openSegment(root string, idx, size uint64) (*segment, error) {
	seg := &segment{
		dir:            segmentDir(root, idx),
		index:          idx,
		size:           size,
		blocksByNumber: map[uint64][]block.Block{},
		indexes:        map[string]*roaring.Bitmap{},
		meta:           segmentMeta{Index: idx},
	}
	if seg.dir == "" {
		return seg, nil
	}
	if _, err := os.Stat(filepath.Join(seg.dir, metaFileName)); os.IsNotExist(err) {
		return seg, nil
	}
	if err := seg.load(); err != nil {
		return nil, fmt.Errorf("open segment %d: %w", idx, err)
	}
	return seg, nil
}

// rebuildSegment reloads a segment purely from blocks.bin, recomputing
// indexes and meta from scratch. Used to recover from a corrupted
// index.keys.bin or meta.json without losing primary data.
func rebuildSegment(root string, idx, size uint64) (*segment, error) {
	seg := &segment{
		dir:            segmentDir(root, idx),
		index:          idx,
		size:           size,
		blocksByNumber: map[uint64][]block.Block{},
		indexes:        map[string]*roaring.Bitmap{},
		meta:           segmentMeta{Index: idx},
	}
	if seg.dir == "" {
		return seg, nil
	}
	blocks, err := readGobFile[map[uint64][]block.Block](filepath.Join(seg.dir, blocksFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return seg, nil
		}
		return nil, fmt.Errorf("rebuild segment %d: read primary: %w", idx, err)
	}
	seg.blocksByNumber = blocks
	for n, blks := range blocks {
		for _, blk := range blks {
			seg.indexBlock(n, blk)
			if !seg.metaInit {
				seg.meta.Min, seg.meta.Max = n, n
				seg.metaInit = true
			} else {
				if n < seg.meta.Min {
					seg.meta.Min = n
				}
				if n > seg.meta.Max {
					seg.meta.Max = n
				}
			}
			if blk.Finality == cursor.Finalized && n > seg.meta.FinalizedMax {
				seg.meta.FinalizedMax = n
			}
		}
	}
	if err := seg.persist(); err != nil {
		return nil, fmt.Errorf("rebuild segment %d: persist: %w", idx, err)
	}
	return seg, nil
}

func (s *segment) offset(number uint64) uint32 { return uint32(number - s.index*s.size) }

// put inserts blk if (number, hash) hasn't been seen before. Returns
// whether it was newly added.
func (s *segment) put(blk block.Block) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	num := blk.Cursor.Number
	for _, existing := range s.blocksByNumber[num] {
		if existing.Cursor.Equal(blk.Cursor) {
			return false, nil
		}
	}
	s.blocksByNumber[num] = append(s.blocksByNumber[num], blk)
	s.indexBlock(num, blk)

	if !s.metaInit {
		s.meta.Min, s.meta.Max = num, num
		s.metaInit = true
	} else {
		if num < s.meta.Min {
			s.meta.Min = num
		}
		if num > s.meta.Max {
			s.meta.Max = num
		}
	}
	if blk.Finality == cursor.Finalized && num > s.meta.FinalizedMax {
		s.meta.FinalizedMax = num
	}

	if s.dir != "" {
		if err := s.persistLocked(); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *segment) indexBlock(number uint64, blk block.Block) {
	off := s.offset(number)
	for _, key := range blk.AllKeys() {
		k := key.String()
		bm, ok := s.indexes[k]
		if !ok {
			bm = roaring.New()
			s.indexes[k] = bm
		}
		bm.Add(off)
	}
}

func (s *segment) get(cur cursor.Cursor) (block.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blks, ok := s.blocksByNumber[cur.Number]
	if !ok || len(blks) == 0 {
		return block.Block{}, false
	}
	if cur.IsWildcard() {
		return blks[len(blks)-1], true
	}
	for _, blk := range blks {
		if blk.Cursor.Equal(cur) {
			return blk, true
		}
	}
	return block.Block{}, false
}

// candidateNumbers intersects the bitmaps of every required key (AND
// semantics per key set) and returns block numbers within [from, to] that
// carry all of them. An empty required-key set matches every stored
// number in range (no index restriction possible).
func (s *segment) candidateNumbers(required []block.Key, from, to uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(required) == 0 {
		var out []uint64
		for n := range s.blocksByNumber {
			if n >= from && n <= to {
				out = append(out, n)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}

	var acc *roaring.Bitmap
	for _, key := range required {
		bm, ok := s.indexes[key.String()]
		if !ok {
			return nil
		}
		if acc == nil {
			acc = bm.Clone()
		} else {
			acc.And(bm)
		}
	}
	if acc == nil {
		return nil
	}

	var out []uint64
	it := acc.Iterator()
	for it.HasNext() {
		n := s.index*s.size + uint64(it.Next())
		if n >= from && n <= to {
			out = append(out, n)
		}
	}
	return out
}

// retain drops every non-canonical entry at heights strictly below floor
// and rebuilds this segment's indexes to match.
func (s *segment) retain(floor uint64, canonical CanonicalLookup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for n, blks := range s.blocksByNumber {
		if n >= floor {
			continue
		}
		canon, ok := canonical(n)
		var kept []block.Block
		for _, blk := range blks {
			if ok && blk.Cursor.Equal(canon) {
				kept = append(kept, blk)
			}
		}
		if len(kept) != len(blks) {
			changed = true
			if len(kept) == 0 {
				delete(s.blocksByNumber, n)
			} else {
				s.blocksByNumber[n] = kept
			}
		}
	}
	if !changed {
		return nil
	}

	s.indexes = map[string]*roaring.Bitmap{}
	for n, blks := range s.blocksByNumber {
		for _, blk := range blks {
			s.indexBlock(n, blk)
		}
	}
	if s.dir == "" {
		return nil
	}
	return s.persistLocked()
}

func (s *segment) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// persistLocked writes blocks.bin, index.keys.bin and meta.json, each
// staged to a *.tmp file and renamed atomically. Caller must hold s.mu.
func (s *segment) persistLocked() error {
	if s.dir == "" {
		return nil
	}
	if err := ensureDir(s.dir); err != nil {
		return err
	}

	if err := writeGobFile(filepath.Join(s.dir, blocksFileName), s.blocksByNumber); err != nil {
		return fmt.Errorf("write primary: %w", err)
	}

	rawIndex := make(map[string][]byte, len(s.indexes))
	for k, bm := range s.indexes {
		b, err := bm.ToBytes()
		if err != nil {
			return fmt.Errorf("serialize index %q: %w", k, err)
		}
		rawIndex[k] = b
	}
	if err := writeGobFile(filepath.Join(s.dir, indexFileName), rawIndex); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	metaBytes, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, metaFileName), metaBytes); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *segment) load() error {
	blocks, err := readGobFile[map[uint64][]block.Block](filepath.Join(s.dir, blocksFileName))
	if err != nil {
		return fmt.Errorf("read primary: %w", err)
	}
	s.blocksByNumber = blocks

	rawIndex, err := readGobFile[map[string][]byte](filepath.Join(s.dir, indexFileName))
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	s.indexes = make(map[string]*roaring.Bitmap, len(rawIndex))
	for k, b := range rawIndex {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("unmarshal index %q: %w", k, err)
		}
		s.indexes[k] = bm
	}

	metaBytes, err := os.ReadFile(filepath.Join(s.dir, metaFileName))
	if err != nil {
		return fmt.Errorf("read meta: %w", err)
	}
	if err := json.Unmarshal(metaBytes, &s.meta); err != nil {
		return err
	}
	s.metaInit = true
	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// writeAtomic stages data to path+".tmp" and renames it over path, so a
// crash never leaves a partially written file visible under the real name.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeGobFile(path string, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

func readGobFile[T any](path string) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, fmt.Errorf("gob decode %s: %w", path, err)
	}
	return v, nil
}
