package server

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/bus"
	"github.com/apibara/dna/internal/chainview"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/ingestor"
	"github.com/apibara/dna/internal/streamengine"
	"github.com/apibara/dna/internal/streampb"
)

type fakeView struct {
	head, finalized uint64
	canon           map[uint64]cursor.Cursor
}

func (v *fakeView) Connect(cur cursor.Cursor) chainview.ConnectResult {
	if c, ok := v.canon[cur.Number]; ok && c.Equal(cur) {
		return chainview.ConnectResult{Continue: true}
	}
	return chainview.ConnectResult{Continue: false, Target: v.canon[v.head]}
}
func (v *fakeView) Head() uint64      { return v.head }
func (v *fakeView) Finalized() uint64 { return v.finalized }
func (v *fakeView) Canonical(n uint64) (cursor.Cursor, bool) {
	c, ok := v.canon[n]
	return c, ok
}

type fakeStore struct {
	blocks map[uint64]block.Block
}

func (s *fakeStore) Get(ctx context.Context, cur cursor.Cursor) (block.Block, error) {
	blk, ok := s.blocks[cur.Number]
	if !ok {
		return block.Block{}, blockstore.ErrNotFound
	}
	return blk, nil
}

func (s *fakeStore) Scan(ctx context.Context, filter blockstore.Filter, from, to uint64, canonical blockstore.CanonicalLookup) ([]block.Block, error) {
	var out []block.Block
	for n := from; n <= to; n++ {
		if blk, ok := s.blocks[n]; ok {
			out = append(out, blk)
		}
	}
	return out, nil
}

func startServer(t *testing.T, srv streampb.StreamServiceServer) streampb.StreamServiceClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gs := grpc.NewServer()
	streampb.RegisterStreamServiceServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return streampb.NewStreamServiceClient(conn)
}

func TestServer_StatusReportsChainExtent(t *testing.T) {
	genesis := cursor.New(0, []byte{0})
	view := &fakeView{head: 5, finalized: 2, canon: map[uint64]cursor.Cursor{
		0: genesis, 2: cursor.New(2, []byte{2}), 5: cursor.New(5, []byte{5}),
	}}
	store := &fakeStore{blocks: map[uint64]block.Block{}}
	b := bus.New(bus.Options{})

	srv := New(view, store, b, slog.Default())
	client := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Status(ctx, &streampb.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), resp.Head.Number)
	assert.Equal(t, uint64(2), resp.Finalized.Number)
}

func TestServer_StreamDataDeliversHistoricalBlocks(t *testing.T) {
	blocks := map[uint64]block.Block{}
	canon := map[uint64]cursor.Cursor{}
	for n := uint64(0); n <= 3; n++ {
		c := cursor.New(n, []byte{byte(n)})
		blocks[n] = block.Block{Cursor: c, Finality: cursor.Accepted, Components: []block.Component{{Kind: block.KindHeader, Data: []byte("h")}}}
		canon[n] = c
	}
	view := &fakeView{head: 3, finalized: 0, canon: canon}
	store := &fakeStore{blocks: blocks}
	b := bus.New(bus.Options{})

	srv := New(view, store, b, slog.Default(), WithStreamConfig(streamengine.Config{PendingTailDepth: 0, BatchSize: 10, IdleTimeout: time.Second}))
	client := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := client.StreamData(ctx, &streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 10})
	require.NoError(t, err)

	var received []uint64
	for i := 0; i < 3; i++ {
		msg, err := stream.Recv()
		require.NoError(t, err)
		require.NotNil(t, msg.Data)
		received = append(received, msg.Data.Cursor.Number)
	}
	assert.Equal(t, []uint64{1, 2, 3}, received)
}

// TestServer_StreamDataResetOnSameStreamChangesFinality exercises the
// bidirectional framing of StreamData: a second StreamDataRequest sent on
// the same already-open gRPC call resets the running stream in place
// (here, switching finality from "accepted" to "finalized") rather than
// requiring the client to dial a new StreamData call.
func TestServer_StreamDataResetOnSameStreamChangesFinality(t *testing.T) {
	blocks := map[uint64]block.Block{}
	canon := map[uint64]cursor.Cursor{}
	for n := uint64(0); n <= 3; n++ {
		c := cursor.New(n, []byte{byte(n)})
		blocks[n] = block.Block{Cursor: c, Finality: cursor.Accepted, Components: []block.Component{{Kind: block.KindHeader, Data: []byte("h")}}}
		canon[n] = c
	}
	view := &fakeView{head: 3, finalized: 0, canon: canon}
	store := &fakeStore{blocks: blocks}
	b := bus.New(bus.Options{Buffer: 8})

	// PendingTailDepth == head: catch-up has nothing left to scan, so the
	// stream moves straight to live-follow with no historical messages to
	// drain first.
	cfg := streamengine.Config{PendingTailDepth: 3, BatchSize: 10, IdleTimeout: 2 * time.Second}
	srv := New(view, store, b, slog.Default(), WithStreamConfig(cfg))
	client := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	stream, err := client.StreamData(ctx, &streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 10})
	require.NoError(t, err)

	// Reset the same open stream to finalized-only, on the same call.
	require.NoError(t, stream.SendMsg(&streampb.StreamDataRequest{StreamID: 1, Finality: "finalized", BatchSize: 10}))
	time.Sleep(150 * time.Millisecond)

	accepted := block.Block{Cursor: cursor.New(4, []byte{4}), Finality: cursor.Accepted, Components: []block.Component{{Kind: block.KindHeader, Data: []byte("h")}}}
	store.blocks[4] = accepted
	finalized := block.Block{Cursor: cursor.New(5, []byte{5}), Finality: cursor.Finalized, Components: []block.Component{{Kind: block.KindHeader, Data: []byte("h")}}}
	store.blocks[5] = finalized

	require.NoError(t, b.Publish(context.Background(), ingestor.Event{Kind: ingestor.EventIngested, Block: accepted}))
	require.NoError(t, b.Publish(context.Background(), ingestor.Event{Kind: ingestor.EventIngested, Block: finalized}))

	msg, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Data)
	// The accepted-finality block published first is dropped by the
	// reset stream's new finalized-only threshold; only the finalized
	// block comes through.
	assert.Equal(t, uint64(5), msg.Data.Cursor.Number)
}
