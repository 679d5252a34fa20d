// Package chainrpc defines the outbound ChainRpc capability
// that the Ingestor drives: fetching blocks by number or hash, and the
// chain's reported head/finalized tip. Implementations own their own wire
// encoding; the ingestion state machine only depends on this interface.
package chainrpc

import (
	"context"
	"errors"

	"github.com/apibara/dna/internal/block"
)

// ErrBlockNotFound is returned by GetBlockByNumber when the node does not
// (yet) know about the requested height — this is not an error condition
// for the Ingestor, it signals a ForceHeadRefresh transition.
var ErrBlockNotFound = errors.New("chainrpc: block not found")

// ChainRpc is the capability the Ingestor requires from an upstream node.
// Retries and timeouts are owned by the caller (internal/ingestor, via its
// RetryPolicy option), not by implementations.
type ChainRpc interface {
	// GetBlockByNumber fetches the block at a given height. Returns
	// ErrBlockNotFound (wrapped) if the node does not know about it.
	GetBlockByNumber(ctx context.Context, number uint64) (block.Block, error)
	// GetBlockByHash fetches a block by its exact hash. Used to walk
	// parent links during FetchParentAndRecover/Recover.
	GetBlockByHash(ctx context.Context, hash []byte) (block.Block, error)
	// GetHead returns the node's current view of the chain tip.
	GetHead(ctx context.Context) (block.Block, error)
	// GetFinalized returns the node's current finalized block.
	GetFinalized(ctx context.Context) (block.Block, error)
}
