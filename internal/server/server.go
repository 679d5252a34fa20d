// Package server implements the StreamService gRPC server,
// wiring one internal/streamengine.Stream per client request onto
// ChainView, BlockStore, IngestionBus and the Quota capability. It uses
// the same functional-options construction as internal/admin.Server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/streamengine"
	"github.com/apibara/dna/internal/streampb"
)

// Server implements streampb.StreamServiceServer.
type Server struct {
	view  streamengine.View
	store streamengine.Store
	bus   streamengine.EventBus
	quota streamengine.QuotaChecker
	cfg   streamengine.Config
	log   *slog.Logger

	nextStreamID atomic.Uint64

	mu     sync.Mutex
	active map[string]activeStream // keyed by logical channel
}

type activeStream struct {
	generation uint64
	cancel     context.CancelFunc
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithQuota attaches the external Quota capability client.
func WithQuota(q streamengine.QuotaChecker) Option {
	return func(s *Server) { s.quota = q }
}

// WithStreamConfig overrides the default per-stream Config.
func WithStreamConfig(cfg streamengine.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// New builds a Server. view, store and bus back every stream it serves.
func New(view streamengine.View, store streamengine.Store, eventBus streamengine.EventBus, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		view:   view,
		store:  store,
		bus:    eventBus,
		log:    log.With("component", "server"),
		active: map[string]activeStream{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ streampb.StreamServiceServer = (*Server)(nil)

// StreamData validates the request, decodes its wire filter into a
// blockstore.Filter, and drives a streamengine.Stream to completion.
// Per spec §4.4/§6 the RPC is bidirectional: the client may send a
// further StreamDataRequest on this same open stream to reset it (a new
// filter/cursor/finality) without opening a new call. A request that
// arrives on a different, still-active StreamID's channel instead
// supersedes (cancels) whatever stream is running there.
func (s *Server) StreamData(req *streampb.StreamDataRequest, stream streampb.StreamService_StreamDataServer) error {
	filter, err := decodeFilter(req.Filter)
	if err != nil {
		return streampb.ErrInvalidArgument("server: %v", err)
	}
	if req.StreamID == 0 {
		req.StreamID = s.nextStreamID.Add(1)
	}

	channel := fmt.Sprintf("%d", req.StreamID)
	ctx, cancel := context.WithCancel(stream.Context())
	generation := s.supersede(channel, cancel)
	defer s.clear(channel, generation)

	st, err := streamengine.New(req.StreamID, *req, filter, s.view, s.store, s.bus, s.quota, stream, s.cfg)
	if err != nil {
		return err
	}

	go s.recvResets(ctx, req.StreamID, stream, st)

	s.log.Info("stream started", "stream_id", req.StreamID)
	err = st.Run(ctx)
	s.log.Info("stream ended", "stream_id", req.StreamID, "error", err)
	return err
}

// recvResets reads any further StreamDataRequest messages the client
// sends on the same open stream and feeds them to st.Reset, until the
// stream ends or ctx is cancelled. A malformed filter on a reset is
// logged and dropped rather than tearing down the whole stream, since
// the client can simply retry the reset.
func (s *Server) recvResets(ctx context.Context, streamID uint64, stream streampb.StreamService_StreamDataServer, st *streamengine.Stream) {
	for {
		req, err := stream.Recv()
		if err != nil {
			return
		}
		filter, err := decodeFilter(req.Filter)
		if err != nil {
			s.log.Warn("stream reset: invalid filter", "stream_id", streamID, "error", err)
			continue
		}
		req.StreamID = streamID
		st.Reset(*req, filter)
	}
}

// Status reports the current chain extent and active stream count.
func (s *Server) Status(ctx context.Context, req *streampb.StatusRequest) (*streampb.StatusResponse, error) {
	head, _ := s.view.Canonical(s.view.Head())
	finalized, _ := s.view.Canonical(s.view.Finalized())
	s.mu.Lock()
	activeStreams := len(s.active)
	s.mu.Unlock()
	return &streampb.StatusResponse{
		Head:          head,
		Finalized:     finalized,
		ActiveStreams: activeStreams,
	}, nil
}

// supersede cancels any prior stream on channel, registers the new one's
// cancel func in its place, and returns a generation number identifying
// this registration so a later clear only removes its own entry.
func (s *Server) supersede(channel string, cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.active[channel]
	if ok {
		prior.cancel()
	}
	generation := prior.generation + 1
	s.active[channel] = activeStream{generation: generation, cancel: cancel}
	return generation
}

func (s *Server) clear(channel string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.active[channel]; ok && current.generation == generation {
		delete(s.active, channel)
	}
}

func decodeFilter(wire []streampb.ComponentFilter) (blockstore.Filter, error) {
	matchers := make([]blockstore.Matcher, 0, len(wire))
	for _, m := range wire {
		keys := make([]block.Key, 0, len(m.Keys))
		for _, k := range m.Keys {
			keys = append(keys, block.Key{Kind: k.Kind, Value: k.Value})
		}
		matchers = append(matchers, blockstore.Matcher{Kind: block.Kind(m.Kind), Keys: keys})
	}
	return blockstore.Filter{Matchers: matchers}, nil
}
