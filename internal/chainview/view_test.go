package chainview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cursor"
)

func hash(n byte) []byte { return []byte{n} }

func mkBlock(number uint64, h, parent byte) block.Block {
	return block.Block{
		Cursor: cursor.New(number, hash(h)),
		Parent: hash(parent),
	}
}

// S1: genesis {0, h=100}; linear chain grows to 5.
func TestView_LinearGrowth(t *testing.T) {
	v := New(cursor.New(0, hash(100)))
	require.Equal(t, uint64(0), v.Head())

	prev := byte(100)
	for n := uint64(1); n <= 5; n++ {
		h := byte(100 + n)
		blk := mkBlock(n, h, prev)
		require.True(t, v.CanGrow(blk))
		v.Grow(blk)
		prev = h
	}

	assert.Equal(t, uint64(5), v.Head())
	for n := uint64(0); n <= 5; n++ {
		c, ok := v.Canonical(n)
		require.True(t, ok)
		assert.Equal(t, n, c.Number)
	}
}

// S2: reorg shrinks head from 5 to 3; orphaned heights 4 and 5 redirect to
// the fork point.
func TestView_ShrinkRecordsReorgs(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	prev := byte(0)
	for n := uint64(1); n <= 5; n++ {
		h := byte(n)
		v.Grow(mkBlock(n, h, prev))
		prev = h
	}

	forkPoint := cursor.New(3, hash(3))
	require.True(t, v.CanShrink(forkPoint))
	removed := v.Shrink(forkPoint)

	assert.Equal(t, uint64(3), v.Head())
	assert.Len(t, removed, 2)

	res := v.Connect(cursor.New(4, hash(4)))
	assert.False(t, res.Continue)
	assert.Equal(t, forkPoint, res.Target)

	res = v.Connect(cursor.New(5, hash(5)))
	assert.False(t, res.Continue)
	assert.Equal(t, forkPoint, res.Target)
}

// S3: after a shrink to 4, the chain grows again with a different hash at
// 5; the old 5 is redirected to the new fork point (4).
func TestView_ReorgThenRegrowWithDifferentHash(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	prev := byte(0)
	for n := uint64(1); n <= 5; n++ {
		v.Grow(mkBlock(n, byte(n), prev))
		prev = byte(n)
	}

	forkPoint := cursor.New(4, hash(4))
	v.Shrink(forkPoint)

	newTip := mkBlock(5, 6, 4)
	require.True(t, v.CanGrow(newTip))
	v.Grow(newTip)

	c, ok := v.Canonical(5)
	require.True(t, ok)
	assert.Equal(t, hash(6), c.Hash)

	res := v.Connect(cursor.New(5, hash(5)))
	assert.False(t, res.Continue)
	assert.Equal(t, forkPoint, res.Target)
}

// Reorg redirection closure: following reorgs forward from an orphan
// terminates at a currently canonical cursor even through a chain of
// superseded redirections.
func TestView_RedirectionClosureCollapsesChain(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	prev := byte(0)
	for n := uint64(1); n <= 5; n++ {
		v.Grow(mkBlock(n, byte(n), prev))
		prev = byte(n)
	}
	// First reorg: shrink to 3, orphaning 4 and 5.
	v.Shrink(cursor.New(3, hash(3)))
	// Regrow once with a fresh fork at 4.
	v.Grow(mkBlock(4, 40, 3))
	// Second reorg: shrink to 3 again (orphaning the fresh 4), then regrow
	// to a final canonical chain.
	v.Shrink(cursor.New(3, hash(3)))
	v.Grow(mkBlock(4, 41, 3))

	// The very first orphaned block at height 4 (hash 4) should still
	// resolve, transitively, to whatever is canonical now.
	res := v.Connect(cursor.New(4, hash(4)))
	assert.False(t, res.Continue)

	finalTarget, ok := v.Canonical(res.Target.Number)
	require.True(t, ok)
	if !res.Continue {
		assert.True(t, finalTarget.Equal(res.Target) || res.Target.Number <= v.Head())
	}
}

func TestView_FinalizeDiscardsBelowFloor(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	prev := byte(0)
	for n := uint64(1); n <= 5; n++ {
		v.Grow(mkBlock(n, byte(n), prev))
		prev = byte(n)
	}

	require.True(t, v.CanFinalize(3))
	v.Finalize(3)
	assert.Equal(t, uint64(3), v.Finalized())

	// Finalized edge: CanShrink is false at or below the finalized floor.
	assert.False(t, v.CanShrink(cursor.New(2, hash(2))))
	assert.False(t, v.CanShrink(cursor.New(3, hash(3))))
}

func TestView_GrowPreconditionViolation(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	assert.Panics(t, func() {
		v.Grow(mkBlock(2, 2, 1)) // skips height 1
	})
}

func TestView_ConnectStillCanonical(t *testing.T) {
	v := New(cursor.New(0, hash(0)))
	v.Grow(mkBlock(1, 1, 0))

	res := v.Connect(cursor.New(1, hash(1)))
	assert.True(t, res.Continue)
}
