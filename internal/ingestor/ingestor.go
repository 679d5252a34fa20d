// Package ingestor implements the reorg-detection ingestion state machine.
// It is a single-threaded driver with five explicit states (Init, Ingest,
// ForceHeadRefresh, FetchParentAndRecover, Recover), written as a flat
// ticker+switch reorg detector rather than a generic FSM framework.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/chainrpc"
	"github.com/apibara/dna/internal/chainview"
	"github.com/apibara/dna/internal/cursor"
)

// State is one of the five explicit ingestion states.
type State int

const (
	StateInit State = iota
	StateIngest
	StateForceHeadRefresh
	StateFetchParentAndRecover
	StateRecover
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIngest:
		return "ingest"
	case StateForceHeadRefresh:
		return "force_head_refresh"
	case StateFetchParentAndRecover:
		return "fetch_parent_and_recover"
	case StateRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// BlockWriter is the subset of BlockStore the Ingestor needs: durable
// persistence of every block it observes, canonical or orphaned.
type BlockWriter interface {
	Put(ctx context.Context, blk block.Block) error
}

// EventSink is the subset of IngestionBus the Ingestor needs: publish, in
// order, one event at a time.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Retainer is the subset of BlockStore the Ingestor needs to enforce the
// retention policy (finalized - RetentionBlocks): it is the same method
// blockstore.Store exposes, kept as its own interface so BlockWriter test
// doubles that don't care about retention aren't forced to implement it.
type Retainer interface {
	Retain(ctx context.Context, floor uint64, canonical blockstore.CanonicalLookup) error
}

// ErrReorgDepthExceeded is fatal: an incoming block chains via a parent
// older than the view's finalized floor, a case that requires operator
// intervention rather than automatic recovery.
var ErrReorgDepthExceeded = errors.New("ingestor: reorg walked back past the finalized floor")

// Options configures pacing and limits. HeadRefreshInterval governs the
// cadence of refresh_head relative to ingest_next_block: a fixed,
// configurable interval rather than an adaptive one.
type Options struct {
	HeadRefreshInterval      time.Duration
	FinalizedRefreshInterval time.Duration
	MaxRecoverDepth          int
	RetryPolicy              RetryPolicy
	// RetentionBlocks is the retention policy (finalized - RetentionBlocks):
	// orphaned blocks strictly below that floor are discarded after every
	// finalization advance. 0 disables retention (keep everything).
	RetentionBlocks uint64
}

// RetryPolicy is the minimal backoff contract the Ingestor needs from
// internal/retry, kept as an interface here to avoid a hard dependency
// from this package on the concrete policy type.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

func (o *Options) setDefaults() {
	if o.HeadRefreshInterval <= 0 {
		o.HeadRefreshInterval = 3 * time.Second
	}
	if o.FinalizedRefreshInterval <= 0 {
		o.FinalizedRefreshInterval = 12 * time.Second
	}
	if o.MaxRecoverDepth <= 0 {
		o.MaxRecoverDepth = 256
	}
}

// Ingestor drives a ChainView forward by polling a ChainRpc, persisting
// every observed block to a BlockStore, and publishing IngestionEvents to
// a bus. It owns the View exclusively; nothing else may mutate it.
type Ingestor struct {
	rpc   chainrpc.ChainRpc
	store BlockWriter
	bus   EventSink
	log   *slog.Logger
	opts  Options

	view *chainview.View

	state State
	// recover-state working set: the block being walked back while
	// searching for the fork point, and its depth so far. recoverTarget
	// holds only a hash to fetch when entering FetchParentAndRecover,
	// before the first full block is known.
	recoverTarget   cursor.Cursor
	recoverBlock    block.Block
	recoverDepth    int
	forceRefreshNow bool

	lastHeadRefresh      time.Time
	lastFinalizedRefresh time.Time

	ready chan struct{}
}

// New constructs an Ingestor in StateInit; it has no head cursor until
// Run's first iteration seeds the view from rpc.GetHead/GetFinalized.
func New(rpc chainrpc.ChainRpc, store BlockWriter, bus EventSink, opts Options, log *slog.Logger) *Ingestor {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		rpc:   rpc,
		store: store,
		bus:   bus,
		log:   log.With("component", "ingestor"),
		opts:  opts,
		state: StateInit,
		ready: make(chan struct{}),
	}
}

// View exposes a read-only snapshot accessor; internal/server's Status
// endpoint uses it. The full view is never shared by reference across
// goroutines (see DESIGN.md "Cyclic references"). It is nil until Ready
// is closed.
func (ing *Ingestor) View() *chainview.View { return ing.view }

// Ready closes once init has seeded the view from the node's reported
// head/finalized blocks, making View safe to call. Callers that construct
// a server around View before starting Run must wait on this first.
func (ing *Ingestor) Ready() <-chan struct{} { return ing.ready }

// Run executes the state machine until ctx is cancelled or a fatal error
// occurs. Transient RPC errors never change state; they are retried with
// backoff in place.
func (ing *Ingestor) Run(ctx context.Context) error {
	if err := ing.init(ctx); err != nil {
		return fmt.Errorf("ingestor init: %w", err)
	}
	ing.state = StateIngest
	close(ing.ready)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch ing.state {
		case StateIngest:
			err = ing.stepIngest(ctx)
		case StateForceHeadRefresh:
			err = ing.stepForceHeadRefresh(ctx)
		case StateFetchParentAndRecover:
			err = ing.stepFetchParentAndRecover(ctx)
		case StateRecover:
			err = ing.stepRecover(ctx)
		default:
			return fmt.Errorf("ingestor: unexpected state %s", ing.state)
		}

		if err == nil {
			attempt = 0
			continue
		}
		if errors.Is(err, ErrReorgDepthExceeded) {
			ing.log.Error("fatal: reorg depth exceeded, operator intervention required", "error", err)
			return err
		}

		// Transient failure: never transition, retry in place with backoff.
		attempt++
		delay := ing.backoffDelay(attempt)
		ing.log.Warn("transient ingestion error, retrying", "state", ing.state, "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (ing *Ingestor) backoffDelay(attempt int) time.Duration {
	if ing.opts.RetryPolicy != nil {
		return ing.opts.RetryPolicy.Delay(attempt)
	}
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// init seeds the view from the node's reported head/finalized blocks,
// corresponding to transition 1 (Init -> Ingest when head is
// known).
func (ing *Ingestor) init(ctx context.Context) error {
	finalized, err := ing.rpc.GetFinalized(ctx)
	if err != nil {
		return fmt.Errorf("get finalized: %w", err)
	}
	ing.view = chainview.New(finalized.Cursor)
	if err := ing.store.Put(ctx, finalized); err != nil {
		return fmt.Errorf("persist genesis: %w", err)
	}

	head, err := ing.rpc.GetHead(ctx)
	if err != nil {
		return fmt.Errorf("get head: %w", err)
	}
	for n := finalized.Cursor.Number + 1; n <= head.Cursor.Number; n++ {
		blk, err := ing.rpc.GetBlockByNumber(ctx, n)
		if err != nil {
			return fmt.Errorf("backfill block %d: %w", n, err)
		}
		if !ing.view.CanGrow(blk) {
			// Backfill itself reorged mid-flight; fall back to normal
			// Ingest-state recovery by stopping the backfill here.
			break
		}
		ing.view.Grow(blk)
		if err := ing.store.Put(ctx, blk); err != nil {
			return fmt.Errorf("persist block %d: %w", n, err)
		}
	}
	ing.lastHeadRefresh = time.Now()
	ing.lastFinalizedRefresh = time.Now()
	return nil
}

// stepIngest implements transition 2 (the Ingest state):
// alternating refresh_head, refresh_finalized, and ingest_next_block on a
// fixed cadence.
func (ing *Ingestor) stepIngest(ctx context.Context) error {
	now := time.Now()

	if ing.forceRefreshNow || now.Sub(ing.lastHeadRefresh) >= ing.opts.HeadRefreshInterval {
		ing.forceRefreshNow = false
		ing.lastHeadRefresh = now
		if err := ing.refreshHead(ctx); err != nil {
			return err
		}
		if ing.state != StateIngest {
			return nil
		}
	}

	if now.Sub(ing.lastFinalizedRefresh) >= ing.opts.FinalizedRefreshInterval {
		ing.lastFinalizedRefresh = now
		if err := ing.refreshFinalized(ctx); err != nil {
			return err
		}
	}

	return ing.ingestNextBlock(ctx)
}

// refreshHead queries the node's head and reacts to it without blocking on
// a matching block number.
func (ing *Ingestor) refreshHead(ctx context.Context) error {
	head, err := ing.rpc.GetHead(ctx)
	if err != nil {
		return err
	}

	viewHead, ok := ing.view.Canonical(ing.view.Head())
	if ok && head.Cursor.Number == ing.view.Head() && head.Cursor.Equal(viewHead) {
		return nil
	}
	if ok && head.Cursor.Number == ing.view.Head() && !head.Cursor.Equal(viewHead) {
		// Same height, different hash: tip reorg. Walk back from the new
		// head.
		ing.enterRecover(head)
		return nil
	}
	if head.Cursor.Number < ing.view.Head() {
		ing.enterRecover(head)
		return nil
	}
	if head.Cursor.Number == ing.view.Head()+1 {
		return ing.addNextBlock(ctx, head)
	}
	// Otherwise, head is further ahead: stay in Ingest, let
	// ingest_next_block catch up one block at a time.
	return nil
}

func (ing *Ingestor) refreshFinalized(ctx context.Context) error {
	finalized, err := ing.rpc.GetFinalized(ctx)
	if err != nil {
		return err
	}
	// Finality regressions are ignored.
	if finalized.Cursor.Number <= ing.view.Finalized() {
		return nil
	}
	n := finalized.Cursor.Number
	if n > ing.view.Head() {
		n = ing.view.Head()
	}
	if !ing.view.CanFinalize(n) {
		return nil
	}
	for h := ing.view.Finalized() + 1; h <= n; h++ {
		c, ok := ing.view.Canonical(h)
		if !ok {
			continue
		}
		if err := ing.bus.Publish(ctx, Event{Kind: EventFinalized, Cursor: c}); err != nil {
			return fmt.Errorf("publish finalized: %w", err)
		}
	}
	ing.view.Finalize(n)

	if ing.opts.RetentionBlocks > 0 {
		if r, ok := ing.store.(Retainer); ok {
			var floor uint64
			if n > ing.opts.RetentionBlocks {
				floor = n - ing.opts.RetentionBlocks
			}
			if err := r.Retain(ctx, floor, ing.view.Canonical); err != nil {
				return fmt.Errorf("retain below %d: %w", floor, err)
			}
		}
	}
	return nil
}

// ingestNextBlock implements the ingest_next_block: fetch
// view.head+1 by number; ErrBlockNotFound transitions to
// ForceHeadRefresh.
func (ing *Ingestor) ingestNextBlock(ctx context.Context) error {
	next := ing.view.Head() + 1
	blk, err := ing.rpc.GetBlockByNumber(ctx, next)
	if errors.Is(err, chainrpc.ErrBlockNotFound) {
		ing.state = StateForceHeadRefresh
		return nil
	}
	if err != nil {
		return err
	}
	return ing.addNextBlock(ctx, blk)
}

// addNextBlock implements the addNextBlock: grow the view if
// the candidate chains onto the current head, else start recovery.
func (ing *Ingestor) addNextBlock(ctx context.Context, blk block.Block) error {
	if ing.view.CanGrow(blk) {
		parent, _ := ing.view.Canonical(ing.view.Head())
		ing.view.Grow(blk)
		if err := ing.store.Put(ctx, blk); err != nil {
			return fmt.Errorf("persist block: %w", err)
		}
		return ing.bus.Publish(ctx, Event{Kind: EventIngested, Block: blk, ParentCursor: parent})
	}
	ing.enterFetchParentAndRecover(blk.Cursor, blk.Parent)
	return nil
}

func (ing *Ingestor) stepForceHeadRefresh(ctx context.Context) error {
	head, err := ing.rpc.GetHead(ctx)
	if err != nil {
		return err
	}
	ing.state = StateIngest
	if head.Cursor.Number == ing.view.Head()+1 {
		return ing.addNextBlock(ctx, head)
	}
	if head.Cursor.Number < ing.view.Head() {
		ing.enterRecover(head)
	}
	return nil
}

// enterFetchParentAndRecover starts recovery from a candidate block that
// did not chain onto the current head: its parent (by hash) is the first
// ancestor to inspect.
func (ing *Ingestor) enterFetchParentAndRecover(childCursor cursor.Cursor, parentHash []byte) {
	ing.state = StateFetchParentAndRecover
	ing.recoverTarget = cursor.New(childCursor.Number-1, parentHash)
	ing.recoverDepth = 0
}

// enterRecover starts recovery directly from an already-fetched ancestor
// (e.g. the node's new reported head at a height at or below our own).
func (ing *Ingestor) enterRecover(incomingAncestor block.Block) {
	ing.state = StateRecover
	ing.recoverBlock = incomingAncestor
	ing.recoverDepth = 0
}

// stepFetchParentAndRecover implements transition 4: fetch
// the parent of the candidate block by hash, then move to Recover.
func (ing *Ingestor) stepFetchParentAndRecover(ctx context.Context) error {
	parent, err := ing.rpc.GetBlockByHash(ctx, ing.recoverTarget.Hash)
	if err != nil {
		return err
	}
	ing.recoverBlock = parent
	ing.state = StateRecover
	return nil
}

// stepRecover implements transition 5: compare the incoming
// ancestor to the stored ancestor at the same height; on match, shrink the
// view to the fork point and emit Invalidated; otherwise fetch the parent
// of the incoming ancestor and recurse.
func (ing *Ingestor) stepRecover(ctx context.Context) error {
	ing.recoverDepth++
	if ing.recoverDepth > ing.opts.MaxRecoverDepth || ing.recoverBlock.Cursor.Number <= ing.view.Finalized() {
		return ErrReorgDepthExceeded
	}

	incoming := ing.recoverBlock.Cursor
	existing, ok := ing.view.Canonical(incoming.Number)
	if ok && existing.Equal(incoming) {
		removed := ing.view.Shrink(existing)
		ing.state = StateIngest
		if len(removed) == 0 {
			return nil
		}
		return ing.bus.Publish(ctx, Event{Kind: EventInvalidated, NewHead: existing, Removed: removed})
	}

	parent, err := ing.rpc.GetBlockByHash(ctx, ing.recoverBlock.Parent)
	if err != nil {
		return err
	}
	ing.recoverBlock = parent
	return nil
}
