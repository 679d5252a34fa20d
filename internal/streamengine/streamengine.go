// Package streamengine implements the per-client StreamEngine state
// machine: handshake, historical catch-up, live follow, backpressure,
// cancellation and rate limiting. Each Stream runs on the goroutine that
// calls Run; RunGroup runs several streams under one errgroup with
// fail-fast propagation.
package streamengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/bus"
	"github.com/apibara/dna/internal/chainview"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/ingestor"
	"github.com/apibara/dna/internal/streampb"
)

// View is the subset of chainview.View a Stream reads. It never mutates
// the view: the Ingestor remains the sole writer.
type View interface {
	Connect(cur cursor.Cursor) chainview.ConnectResult
	Head() uint64
	Finalized() uint64
	Canonical(n uint64) (cursor.Cursor, bool)
}

// Store is the subset of blockstore.Store a Stream reads.
type Store interface {
	Get(ctx context.Context, cur cursor.Cursor) (block.Block, error)
	Scan(ctx context.Context, filter blockstore.Filter, from, to uint64, canonical blockstore.CanonicalLookup) ([]block.Block, error)
}

// EventBus is the subset of bus.Bus a Stream reads.
type EventBus interface {
	Subscribe() *bus.Subscription
}

// QuotaChecker is the external Quota capability "Quota":
// consulted before each Data message, keyed by team/client/network.
type QuotaChecker interface {
	Check(ctx context.Context, team, client, network string, estimatedUnits uint64) (allowed bool, err error)
}

// ErrQuotaExceeded terminates a stream with ResourceExhausted when the
// Quota sidecar reports the client has exceeded its allotment.
var ErrQuotaExceeded = errors.New("streamengine: quota exceeded")

// ErrLagExceeded terminates a stream that violates the configured
// backpressure limit, falling more than MaxLagBlocks/MaxLagBytes behind.
var ErrLagExceeded = errors.New("streamengine: client fell behind max lag")

// errReset is a sentinel: it never escapes Run, it only tells the loop in
// Run to re-handshake with the request installed by the most recent
// Reset call instead of tearing the stream down.
var errReset = errors.New("streamengine: stream reset")

// Sender is the send-half of the wire transport, satisfied by
// *streampb.streamServiceStreamDataServer (via the exported
// StreamService_StreamDataServer interface) in production and a fake in
// tests.
type Sender interface {
	Send(*streampb.StreamDataResponse) error
}

// Config bounds pacing and resource usage of one Stream: per-request and
// per-deployment knobs governing catch-up batching, heartbeat/idle
// timers, and rate limiting.
type Config struct {
	// PendingTailDepth is how many blocks short of head historical
	// catch-up stops, handing the remaining tail to live follow.
	PendingTailDepth uint64

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	BatchSize uint32

	BlocksPerSecond float64
	BytesPerSecond  float64

	MaxLagBlocks int
	MaxLagBytes  int64

	Team    string
	Client  string
	Network string

	Log *slog.Logger
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.MaxLagBlocks <= 0 {
		c.MaxLagBlocks = 1024
	}
	if c.MaxLagBytes <= 0 {
		c.MaxLagBytes = 64 << 20
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Stream drives one client's StreamData RPC from handshake through
// cancellation.
type Stream struct {
	id       uint64
	req      streampb.StreamDataRequest
	filter   blockstore.Filter
	finality cursor.Finality

	view  View
	store Store
	bus   EventBus
	quota QuotaChecker
	send  Sender

	cfg Config
	log *slog.Logger

	blockLimiter *rate.Limiter
	byteLimiter  *rate.Limiter

	current uint64 // last height emitted or about to be emitted

	// pendingBytes is the estimated size of the block currently queued for
	// send but not yet flushed, checked against MaxLagBytes alongside the
	// head-current block gap against MaxLagBlocks (see checkLag).
	pendingBytes int64

	// resetMu/resetReq/resetNotify implement the client-resets-the-stream
	// framing of StreamData (spec §4.4/§6): a second request arriving on
	// the same open gRPC call installs a pending reset here, and
	// resetNotify wakes up catchUp/liveFollow so Run can pick it up
	// without tearing down the underlying stream.
	resetMu     sync.Mutex
	resetReq    *resetRequest
	resetNotify chan struct{}
}

type resetRequest struct {
	req    streampb.StreamDataRequest
	filter blockstore.Filter
}

// New builds a Stream for one StreamDataRequest. filter is the already
// decoded blockstore.Filter equivalent of req.Filter (the wire-to-domain
// translation lives in internal/server, which owns chain-specific key
// decoding).
func New(id uint64, req streampb.StreamDataRequest, filter blockstore.Filter, view View, store Store, eventBus EventBus, quota QuotaChecker, send Sender, cfg Config) (*Stream, error) {
	cfg.setDefaults()
	finality, err := parseFinality(req.Finality)
	if err != nil {
		return nil, streampb.ErrInvalidArgument("streamengine: %v", err)
	}
	if cfg.BlocksPerSecond <= 0 {
		cfg.BlocksPerSecond = 1000
	}
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = 64 << 20
	}
	return &Stream{
		id:           id,
		req:          req,
		filter:       filter,
		finality:     finality,
		view:         view,
		store:        store,
		bus:          eventBus,
		quota:        quota,
		send:         send,
		cfg:          cfg,
		log:          cfg.Log.With("component", "streamengine", "stream_id", id),
		blockLimiter: rate.NewLimiter(rate.Limit(cfg.BlocksPerSecond), int(cfg.BlocksPerSecond)+1),
		byteLimiter:  rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), int(cfg.BytesPerSecond)+1),
		resetNotify:  make(chan struct{}, 1),
	}, nil
}

// Reset installs a new request to take effect the next time Run's
// catch-up or live-follow loop checks for one, without cancelling the
// stream's context. It implements the client-resets-the-stream framing
// of StreamData: the caller (internal/server, reading further messages
// off the same gRPC call) decodes the wire filter and calls Reset instead
// of starting a new Stream. A Reset that arrives while another is still
// pending replaces it; only the latest survives.
func (s *Stream) Reset(req streampb.StreamDataRequest, filter blockstore.Filter) {
	s.resetMu.Lock()
	s.resetReq = &resetRequest{req: req, filter: filter}
	s.resetMu.Unlock()
	select {
	case s.resetNotify <- struct{}{}:
	default:
	}
}

func (s *Stream) takeReset() *resetRequest {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	r := s.resetReq
	s.resetReq = nil
	return r
}

// applyReset installs sig as the stream's active request, the same way
// New would for a brand new Stream, then lets Run's handshake call pick
// up the new StartingCursor/Finality.
func (s *Stream) applyReset(sig resetRequest) error {
	finality, err := parseFinality(sig.req.Finality)
	if err != nil {
		return streampb.ErrInvalidArgument("streamengine: %v", err)
	}
	s.req = sig.req
	s.filter = sig.filter
	s.finality = finality
	s.pendingBytes = 0
	return nil
}

func parseFinality(s string) (cursor.Finality, error) {
	switch s {
	case "", "accepted":
		return cursor.Accepted, nil
	case "pending":
		return cursor.Pending, nil
	case "finalized":
		return cursor.Finalized, nil
	default:
		return 0, fmt.Errorf("unknown finality %q", s)
	}
}

// Run executes the full state machine: handshake, historical catch-up,
// then live follow, until ctx is cancelled, the client is superseded, or a
// terminal condition (quota, lag, idle timeout) fires.
func (s *Stream) Run(ctx context.Context) error {
	for {
		if err := s.handshake(ctx); err != nil {
			return err
		}
		err := s.catchUp(ctx)
		if err == nil {
			err = s.liveFollow(ctx)
		}
		if err == errReset {
			continue
		}
		return err
	}
}

// handshake validates the request and resolves a reconnecting client's
// starting_cursor through View.Connect before anything else is emitted.
func (s *Stream) handshake(ctx context.Context) error {
	if len(s.req.Filter) == 0 {
		s.log.Debug("handshake: empty filter matches every block")
	}
	if len(s.req.Filter) > 1 && s.req.BatchSize != 1 {
		return streampb.ErrInvalidArgument("streamengine: multi-filter mode requires batch_size == 1, got %d", s.req.BatchSize)
	}
	if s.req.StartingCursor == nil {
		s.current = 0
		return nil
	}
	start := *s.req.StartingCursor
	res := s.view.Connect(start)
	if !res.Continue {
		if err := s.send.Send(&streampb.StreamDataResponse{
			StreamID:   s.id,
			Invalidate: &streampb.InvalidateMessage{Cursor: res.Target, Removed: []cursor.Cursor{start}},
		}); err != nil {
			return fmt.Errorf("streamengine: send initial invalidate: %w", err)
		}
		s.current = res.Target.Number
		return nil
	}
	s.current = start.Number
	return nil
}

// catchUp scans BlockStore in batches until within PendingTailDepth of the
// current head, then hands off to live follow.
func (s *Stream) catchUp(ctx context.Context) error {
	for {
		select {
		case <-s.resetNotify:
			if sig := s.takeReset(); sig != nil {
				if err := s.applyReset(*sig); err != nil {
					return err
				}
				return errReset
			}
		default:
		}
		head := s.view.Head()
		if err := s.checkLag(head); err != nil {
			return err
		}
		if head < s.cfg.PendingTailDepth || s.current > head-s.cfg.PendingTailDepth {
			return nil
		}
		to := s.current + uint64(s.cfg.BatchSize)
		tail := head - s.cfg.PendingTailDepth
		if to > tail {
			to = tail
		}
		if to <= s.current {
			return nil
		}
		blocks, err := s.store.Scan(ctx, s.filter, s.current+1, to, s.view.Canonical)
		if err != nil {
			return fmt.Errorf("streamengine: historical scan: %w", err)
		}
		for _, blk := range blocks {
			if err := s.emitTracked(ctx, head, blk); err != nil {
				return err
			}
		}
		s.current = to
	}
}

// checkLag enforces the per-stream resource ceiling (spec §4.4 item 4):
// once the client falls more than MaxLagBlocks behind the canonical head,
// or the block queued for send carries more than MaxLagBytes still
// pending, the stream is cancelled with ResourceExhausted rather than
// allowed to grow its backlog without bound.
func (s *Stream) checkLag(head uint64) error {
	if head > s.current && head-s.current > uint64(s.cfg.MaxLagBlocks) {
		return streampb.ErrResourceExhausted("%v", ErrLagExceeded)
	}
	if s.pendingBytes > s.cfg.MaxLagBytes {
		return streampb.ErrResourceExhausted("%v", ErrLagExceeded)
	}
	return nil
}

// emitTracked wraps emitData with pendingBytes bookkeeping and a lag check
// against head, so both catch-up and live-follow paths enforce the same
// ceiling before a block is actually sent.
func (s *Stream) emitTracked(ctx context.Context, head uint64, blk block.Block) error {
	size := int64(estimateSize(blk))
	s.pendingBytes += size
	if err := s.checkLag(head); err != nil {
		return err
	}
	if err := s.emitData(ctx, blk); err != nil {
		return err
	}
	s.pendingBytes -= size
	return nil
}

// liveFollow subscribes to the bus and translates each ingestor.Event into
// the corresponding wire message, honoring backpressure, cancellation, and
// the heartbeat timer.
func (s *Stream) liveFollow(ctx context.Context) error {
	sub := s.bus.Subscribe()
	defer sub.Close()

	heartbeat := time.NewTimer(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	resetTimers := func() {
		if !heartbeat.Stop() {
			<-heartbeat.C
		}
		heartbeat.Reset(s.cfg.HeartbeatInterval)
		if !idle.Stop() {
			<-idle.C
		}
		idle.Reset(s.cfg.IdleTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resetNotify:
			sig := s.takeReset()
			if sig == nil {
				continue
			}
			if err := s.applyReset(*sig); err != nil {
				return err
			}
			return errReset
		case <-idle.C:
			return fmt.Errorf("streamengine: idle timeout after %s", s.cfg.IdleTimeout)
		case <-sub.Lagged:
			// Re-enter historical catch-up seeded from the last cursor
			// successfully sent.
			if err := s.catchUp(ctx); err != nil {
				return err
			}
			sub = s.bus.Subscribe()
		case <-heartbeat.C:
			if err := s.send.Send(&streampb.StreamDataResponse{StreamID: s.id, Heartbeat: &streampb.HeartbeatMessage{}}); err != nil {
				return fmt.Errorf("streamengine: send heartbeat: %w", err)
			}
			heartbeat.Reset(s.cfg.HeartbeatInterval)
		case evt, ok := <-sub.Events:
			if !ok {
				return fmt.Errorf("streamengine: bus subscription closed")
			}
			if err := s.handleEvent(ctx, evt); err != nil {
				return err
			}
			resetTimers()
		}
	}
}

func (s *Stream) handleEvent(ctx context.Context, evt ingestor.Event) error {
	switch evt.Kind {
	case ingestor.EventIngested:
		blk, err := s.store.Get(ctx, evt.Block.Cursor)
		if err != nil {
			return fmt.Errorf("streamengine: fetch ingested block: %w", err)
		}
		if !blk.Finality.Satisfies(s.finality) {
			return nil
		}
		matched, projected := s.filter.Apply(blk)
		if !matched {
			return nil
		}
		return s.emitTracked(ctx, s.view.Head(), projected)
	case ingestor.EventInvalidated:
		s.current = evt.NewHead.Number
		return s.send.Send(&streampb.StreamDataResponse{
			StreamID:   s.id,
			Invalidate: &streampb.InvalidateMessage{Cursor: evt.NewHead, Removed: evt.Removed},
		})
	case ingestor.EventFinalized:
		if s.finality == cursor.Finalized {
			// Clients in Finalized mode only receive data from here on;
			// no data has been withheld to flush, so nothing to emit but
			// the advance itself.
		}
		return s.send.Send(&streampb.StreamDataResponse{
			StreamID: s.id,
			Finalize: &streampb.FinalizeMessage{Cursor: evt.Cursor},
		})
	default:
		return nil
	}
}

// emitData paces the send per the configured rate limits, checks Quota,
// and emits a Data message.
func (s *Stream) emitData(ctx context.Context, blk block.Block) error {
	if err := s.blockLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("streamengine: block rate limit: %w", err)
	}
	size := estimateSize(blk)
	if err := s.byteLimiter.WaitN(ctx, size); err != nil {
		return fmt.Errorf("streamengine: byte rate limit: %w", err)
	}

	if s.quota != nil {
		allowed, err := s.quota.Check(ctx, s.cfg.Team, s.cfg.Client, s.cfg.Network, uint64(size))
		if err != nil {
			return fmt.Errorf("streamengine: quota check: %w", err)
		}
		if !allowed {
			return streampb.ErrResourceExhausted("%v", ErrQuotaExceeded)
		}
	}

	data := make([]streampb.ComponentData, 0, len(blk.Components))
	for _, comp := range blk.Components {
		keys := make([]streampb.FilterKey, 0, len(comp.Keys))
		for _, k := range comp.Keys {
			keys = append(keys, streampb.FilterKey{Kind: k.Kind, Value: k.Value})
		}
		data = append(data, streampb.ComponentData{Kind: string(comp.Kind), Data: comp.Data, Keys: keys})
	}

	err := s.send.Send(&streampb.StreamDataResponse{
		StreamID: s.id,
		Data: &streampb.DataMessage{
			Cursor:    blk.Cursor,
			EndCursor: blk.Cursor,
			Finality:  blk.Finality.String(),
			Data:      data,
		},
	})
	if err != nil {
		return fmt.Errorf("streamengine: send data: %w", err)
	}
	s.current = blk.Cursor.Number
	return nil
}

func estimateSize(blk block.Block) int {
	n := 0
	for _, c := range blk.Components {
		n += len(c.Data)
	}
	return n
}

// RunGroup runs a batch of streams concurrently under one errgroup,
// failing fast: one stream's terminal error cancels the group's context.
// It is a convenience for tests and for internal/server's shutdown path,
// not a requirement of the per-client ownership model (each Stream still
// runs in its own goroutine in production).
func RunGroup(ctx context.Context, streams ...*Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range streams {
		st := st
		g.Go(func() error { return st.Run(gctx) })
	}
	return g.Wait()
}
