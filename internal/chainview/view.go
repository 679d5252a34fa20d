// Package chainview implements the in-memory projection of the canonical
// chain segment [finalized..head] plus reorg history ("View"/"ChainView").
// It is a pure value type: all
// operations are total and non-blocking, and the only mutable state lives
// behind the Ingestor's single-writer discipline (see internal/ingestor).
package chainview

import (
	"fmt"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cursor"
)

// ConnectResult is the outcome of View.Connect.
type ConnectResult struct {
	// Continue is true if the queried cursor is still canonical.
	Continue bool
	// Target is set when Continue is false: the cursor a reconnecting
	// client should resume from (the fork point).
	Target cursor.Cursor
}

// View is the ingestor's in-memory summary of the canonical chain segment
// it currently tracks, plus recorded reorg redirections. Zero value is not
// valid; construct with New.
type View struct {
	finalized uint64
	head      uint64

	// canonical[n] is the cursor canonical at height n, defined exactly on
	// [finalized..head].
	canonical map[uint64]cursor.Cursor

	// reorgs[n][oldHash] redirects an orphaned hash once canonical at
	// height n to the cursor of the fork point that replaced it.
	reorgs map[uint64]map[string]cursor.Cursor
}

// New creates a view seeded at genesis: finalized == head == genesis
// height, with no reorg history.
func New(genesis cursor.Cursor) *View {
	v := &View{
		finalized: genesis.Number,
		head:      genesis.Number,
		canonical: map[uint64]cursor.Cursor{genesis.Number: genesis},
		reorgs:    map[uint64]map[string]cursor.Cursor{genesis.Number: {}},
	}
	return v
}

// Finalized returns the height below which blocks are immutable.
func (v *View) Finalized() uint64 { return v.finalized }

// Head returns the height of the current canonical tip.
func (v *View) Head() uint64 { return v.head }

// Canonical returns the cursor canonical at height n, if any.
func (v *View) Canonical(n uint64) (cursor.Cursor, bool) {
	c, ok := v.canonical[n]
	return c, ok
}

// CanGrow reports whether blk can extend the current head by one block:
// blk.Number == head+1 and blk chains onto the canonical head by parent
// hash.
func (v *View) CanGrow(blk block.Block) bool {
	if blk.Cursor.Number != v.head+1 {
		return false
	}
	head, ok := v.canonical[v.head]
	if !ok {
		return false
	}
	return sliceEqual(head.Hash, blk.Parent)
}

// Grow extends the head by one block. Precondition: CanGrow(blk).
func (v *View) Grow(blk block.Block) {
	if !v.CanGrow(blk) {
		panic(fmt.Sprintf("chainview: Grow precondition violated for %s", blk.Cursor))
	}
	v.head = blk.Cursor.Number
	v.canonical[v.head] = blk.Cursor
	if _, ok := v.reorgs[v.head]; !ok {
		v.reorgs[v.head] = map[string]cursor.Cursor{}
	}
}

// CanShrink reports whether cur identifies a canonical ancestor strictly
// between finalized and head, i.e. a valid fork point to truncate to.
func (v *View) CanShrink(cur cursor.Cursor) bool {
	if !(v.finalized < cur.Number && cur.Number < v.head) {
		return false
	}
	canon, ok := v.canonical[cur.Number]
	if !ok {
		return false
	}
	return canon.Equal(cur)
}

// Shrink truncates the head to cur.Number. For every removed height, the
// orphaned canonical cursor is redirected to cur via reorgs. Precondition:
// CanShrink(cur).
func (v *View) Shrink(cur cursor.Cursor) []cursor.Cursor {
	if !v.CanShrink(cur) {
		panic(fmt.Sprintf("chainview: Shrink precondition violated for %s", cur))
	}
	var removed []cursor.Cursor
	for n := v.head; n > cur.Number; n-- {
		old, ok := v.canonical[n]
		if !ok {
			continue
		}
		removed = append(removed, old)
		if _, ok := v.reorgs[n]; !ok {
			v.reorgs[n] = map[string]cursor.Cursor{}
		}
		v.reorgs[n][string(old.Hash)] = cur
		delete(v.canonical, n)
	}
	v.head = cur.Number
	return removed
}

// CanFinalize reports whether height n is a valid finalization target.
func (v *View) CanFinalize(n uint64) bool {
	return v.finalized < n && n <= v.head
}

// Finalize discards canonical and reorg entries strictly below n. The
// caller is responsible for archiving any retained history in BlockStore
// before calling this (ChainView itself performs no I/O). Precondition:
// CanFinalize(n).
func (v *View) Finalize(n uint64) {
	if !v.CanFinalize(n) {
		panic(fmt.Sprintf("chainview: Finalize precondition violated for %d", n))
	}
	for h := v.finalized; h < n; h++ {
		delete(v.canonical, h)
		delete(v.reorgs, h)
	}
	v.finalized = n
}

// Connect answers "is this cursor still canonical, and if not, where
// should a reconnecting client resume from?" by following reorgs forward
// until a canonical cursor is found. Redirection chains recorded by
// earlier shrinks are collapsed transparently.
func (v *View) Connect(cur cursor.Cursor) ConnectResult {
	if canon, ok := v.canonical[cur.Number]; ok && canon.Equal(cur) {
		return ConnectResult{Continue: true}
	}

	// Below the finalized floor: any cursor that was ever canonical there
	// is still considered reachable via the finalized chain itself.
	if cur.Number <= v.finalized {
		if canon, ok := v.canonical[cur.Number]; ok {
			return ConnectResult{Continue: canon.Equal(cur)}
		}
	}

	seen := map[string]bool{}
	next := cur
	for {
		key := fmt.Sprintf("%d:%s", next.Number, string(next.Hash))
		if seen[key] {
			// Cycle in recorded history should be impossible (reorg
			// redirection always points toward a lower or equal height
			// eventually resolving to canonical); guard against it rather
			// than looping forever.
			return ConnectResult{Continue: false, Target: next}
		}
		seen[key] = true

		byHash, ok := v.reorgs[next.Number]
		if !ok {
			return ConnectResult{Continue: false, Target: next}
		}
		target, ok := byHash[string(next.Hash)]
		if !ok {
			return ConnectResult{Continue: false, Target: next}
		}
		if canon, ok := v.canonical[target.Number]; ok && canon.Equal(target) {
			return ConnectResult{Continue: false, Target: target}
		}
		next = target
	}
}

// Snapshot is an immutable copy of a view's current extent (finalized and
// head heights), returned by Snap.
type Snapshot struct {
	Finalized uint64
	Head      uint64
}

// Snap takes an immutable snapshot of the view's current extent.
func (v *View) Snap() Snapshot {
	return Snapshot{Finalized: v.finalized, Head: v.head}
}

func sliceEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
