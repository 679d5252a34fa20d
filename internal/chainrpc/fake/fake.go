// Package fake provides an in-memory chainrpc.ChainRpc double driven
// directly by test code, used to script end-to-end reorg scenarios
// against internal/ingestor without a real node.
package fake

import (
	"context"
	"sync"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/chainrpc"
	"github.com/apibara/dna/internal/cursor"
)

// ChainRpc is a mutable, test-controlled chain. Push appends a new
// canonical block; Reorg truncates the canonical chain back to a height
// and lets a subsequent Push build a new fork.
type ChainRpc struct {
	mu         sync.Mutex
	byNumber   map[uint64]block.Block
	byHash     map[string]block.Block
	head       uint64
	finalized  uint64
}

var _ chainrpc.ChainRpc = (*ChainRpc)(nil)

// New creates a fake chain seeded with a genesis block.
func New(genesis block.Block) *ChainRpc {
	c := &ChainRpc{
		byNumber: map[uint64]block.Block{genesis.Cursor.Number: genesis},
		byHash:   map[string]block.Block{string(genesis.Cursor.Hash): genesis},
		head:     genesis.Cursor.Number,
	}
	return c
}

// Push appends blk as the new canonical tip. The caller is responsible for
// ensuring blk.Parent matches the current tip's hash (or not, to simulate
// a node momentarily serving an inconsistent view).
func (c *ChainRpc) Push(blk block.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byNumber[blk.Cursor.Number] = blk
	c.byHash[string(blk.Cursor.Hash)] = blk
	if blk.Cursor.Number > c.head {
		c.head = blk.Cursor.Number
	}
}

// Reorg truncates the visible canonical chain to height n (inclusive);
// blocks above n are no longer returned by GetBlockByNumber until a new
// Push replaces them, simulating a node that has adopted a shorter or
// divergent fork.
func (c *ChainRpc) Reorg(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h := range c.byNumber {
		if h > n {
			delete(c.byNumber, h)
		}
	}
	c.head = n
}

// SetFinalized advances the fake node's finalized tip.
func (c *ChainRpc) SetFinalized(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = n
}

func (c *ChainRpc) GetBlockByNumber(ctx context.Context, number uint64) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.byNumber[number]
	if !ok {
		return block.Block{}, chainrpc.ErrBlockNotFound
	}
	return blk, nil
}

func (c *ChainRpc) GetBlockByHash(ctx context.Context, hash []byte) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.byHash[string(hash)]
	if !ok {
		return block.Block{}, chainrpc.ErrBlockNotFound
	}
	return blk, nil
}

func (c *ChainRpc) GetHead(ctx context.Context) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.byNumber[c.head]
	if !ok {
		return block.Block{}, chainrpc.ErrBlockNotFound
	}
	return blk, nil
}

func (c *ChainRpc) GetFinalized(ctx context.Context) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.byNumber[c.finalized]
	if !ok {
		return block.Block{Cursor: cursor.NewFinalized(c.finalized)}, nil
	}
	return blk, nil
}
