package streamengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/blockstore"
	"github.com/apibara/dna/internal/bus"
	"github.com/apibara/dna/internal/chainview"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/ingestor"
	"github.com/apibara/dna/internal/streampb"
)

type fakeView struct {
	head      uint64
	finalized uint64
	canon     map[uint64]cursor.Cursor
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
	if !ok || !blk.Cursor.Equal(cur) {
		return block.Block{}, blockstore.ErrNotFound
	}
	return blk, nil
}

func (s *fakeStore) Scan(ctx context.Context, filter blockstore.Filter, from, to uint64, canonical blockstore.CanonicalLookup) ([]block.Block, error) {
	var out []block.Block
	for n := from; n <= to; n++ {
		blk, ok := s.blocks[n]
		if !ok {
			continue
		}
		canon, ok := canonical(n)
		if !ok || !canon.Equal(blk.Cursor) {
			continue
		}
		if matched, projected := filter.Apply(blk); matched {
			out = append(out, projected)
		}
	}
	return out, nil
}

type fakeSender struct {
	sent []*streampb.StreamDataResponse
}

func (s *fakeSender) Send(m *streampb.StreamDataResponse) error {
	s.sent = append(s.sent, m)
	return nil
}

func hash(n uint64) []byte { return []byte{byte(n)} }

func mkBlock(n uint64) block.Block {
	return block.Block{
		Cursor:   cursor.New(n, hash(n)),
		Parent:   hash(n - 1),
		Finality: cursor.Accepted,
		Components: []block.Component{
			{Kind: block.KindHeader, Data: []byte("header")},
		},
	}
}

func setup(head uint64) (*fakeView, *fakeStore) {
	blocks := map[uint64]block.Block{}
	canon := map[uint64]cursor.Cursor{}
	for n := uint64(0); n <= head; n++ {
		blk := mkBlock(n)
		blocks[n] = blk
		canon[n] = blk.Cursor
	}
	return &fakeView{head: head, canon: canon}, &fakeStore{blocks: blocks}
}

func TestStream_CatchUpEmitsUpToPendingTailDepth(t *testing.T) {
	view, store := setup(10)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 3}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 5})
	require.NoError(t, err)

	require.NoError(t, st.handshake(context.Background()))
	require.NoError(t, st.catchUp(context.Background()))

	// head=10, tail depth=5 -> catch up through height 5.
	assert.Equal(t, uint64(5), st.current)
	assert.Len(t, sender.sent, 5)
	assert.Equal(t, uint64(1), sender.sent[0].Data.Cursor.Number)
	assert.Equal(t, uint64(5), sender.sent[4].Data.Cursor.Number)
}

func TestStream_HandshakeEmitsInvalidateOnOfflineReorg(t *testing.T) {
	view, store := setup(3)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	stale := cursor.New(2, hash(99))
	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", StartingCursor: &stale}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{})
	require.NoError(t, err)

	require.NoError(t, st.handshake(context.Background()))
	require.Len(t, sender.sent, 1)
	assert.NotNil(t, sender.sent[0].Invalidate)
	assert.Equal(t, view.canon[view.head].Number, sender.sent[0].Invalidate.Cursor.Number)
}

func TestStream_LiveFollowEmitsDataOnIngestedEvent(t *testing.T) {
	view, store := setup(0)
	sender := &fakeSender{}
	b := bus.New(bus.Options{Buffer: 8})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted"}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 0, IdleTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	newBlock := mkBlock(1)
	store.blocks[1] = newBlock
	view.canon[1] = newBlock.Cursor
	view.head = 1

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), ingestor.Event{Kind: ingestor.EventIngested, Block: newBlock})
	}()

	_ = st.liveFollow(ctx)
	require.Len(t, sender.sent, 1)
	require.NotNil(t, sender.sent[0].Data)
	assert.Equal(t, uint64(1), sender.sent[0].Data.Cursor.Number)
}

func TestStream_LiveFollowEmitsInvalidateOnReorgEvent(t *testing.T) {
	view, store := setup(3)
	sender := &fakeSender{}
	b := bus.New(bus.Options{Buffer: 8})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted"}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{IdleTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	newHead := cursor.New(2, hash(2))
	removed := []cursor.Cursor{cursor.New(3, hash(3))}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), ingestor.Event{Kind: ingestor.EventInvalidated, NewHead: newHead, Removed: removed})
	}()

	_ = st.liveFollow(ctx)
	require.Len(t, sender.sent, 1)
	require.NotNil(t, sender.sent[0].Invalidate)
	assert.Equal(t, newHead, sender.sent[0].Invalidate.Cursor)
	assert.Equal(t, uint64(2), st.current)
}

func TestStream_FilterExcludesNonMatchingBlocks(t *testing.T) {
	view, store := setup(10)
	blk := store.blocks[3]
	blk.Components = append(blk.Components, block.Component{
		Kind: block.KindLog,
		Keys: []block.Key{{Kind: "contract", Value: "0xabc"}},
	})
	store.blocks[3] = blk
	view.canon[3] = blk.Cursor

	sender := &fakeSender{}
	b := bus.New(bus.Options{})
	filter := blockstore.Filter{Matchers: []blockstore.Matcher{{Kind: block.KindLog, Keys: []block.Key{{Kind: "contract", Value: "0xabc"}}}}}

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, filter, view, store, b, nil, sender, Config{PendingTailDepth: 0})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))
	require.NoError(t, st.catchUp(context.Background()))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, uint64(3), sender.sent[0].Data.Cursor.Number)
}

type denyingQuota struct{}

func (denyingQuota) Check(ctx context.Context, team, client, network string, estimatedUnits uint64) (bool, error) {
	return false, nil
}

func TestStream_QuotaExceededTerminatesEmit(t *testing.T) {
	view, store := setup(2)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, denyingQuota{}, sender, Config{PendingTailDepth: 0})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	err = st.catchUp(context.Background())
	require.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestStream_LagExceededCancelsCatchUp(t *testing.T) {
	view, store := setup(10)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 0, MaxLagBlocks: 2})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	err = st.catchUp(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, ErrLagExceeded.Error())
}

func TestStream_WithinLagLimitCatchesUpNormally(t *testing.T) {
	view, store := setup(3)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 0, MaxLagBlocks: 1024})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	require.NoError(t, st.catchUp(context.Background()))
	assert.Len(t, sender.sent, 3)
}

func TestStream_MaxLagBytesExceededCancelsEmit(t *testing.T) {
	view, store := setup(5)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 0, MaxLagBytes: 1})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	err = st.catchUp(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, ErrLagExceeded.Error())
}

func TestStream_HandshakeRejectsMultiFilterWithoutUnitBatchSize(t *testing.T) {
	view, store := setup(1)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{
		StreamID: 1,
		Finality: "accepted",
		Filter: []streampb.ComponentFilter{
			{Kind: "header"}, {Kind: "transaction"},
		},
		BatchSize: 10,
	}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{})
	require.NoError(t, err)

	err = st.handshake(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestStream_HandshakeAllowsMultiFilterWithUnitBatchSize(t *testing.T) {
	view, store := setup(1)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{
		StreamID: 1,
		Finality: "accepted",
		Filter: []streampb.ComponentFilter{
			{Kind: "header"}, {Kind: "transaction"},
		},
		BatchSize: 1,
	}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{})
	require.NoError(t, err)
	assert.NoError(t, st.handshake(context.Background()))
}

// TestStream_ResetAppliesNewRequestOnNextCheck exercises applyReset/takeReset
// directly: a pending Reset must be picked up and installed before the next
// catch-up iteration runs, without tearing the Stream down.
func TestStream_ResetAppliesNewRequestOnNextCheck(t *testing.T) {
	view, store := setup(10)
	sender := &fakeSender{}
	b := bus.New(bus.Options{})

	req := streampb.StreamDataRequest{StreamID: 1, Finality: "accepted", BatchSize: 20}
	st, err := New(1, req, blockstore.Filter{}, view, store, b, nil, sender, Config{PendingTailDepth: 0})
	require.NoError(t, err)
	require.NoError(t, st.handshake(context.Background()))

	filter := blockstore.Filter{Matchers: []blockstore.Matcher{{Kind: block.KindLog}}}
	newReq := streampb.StreamDataRequest{StreamID: 1, Finality: "finalized", BatchSize: 5}
	st.Reset(newReq, filter)

	err = st.catchUp(context.Background())
	assert.ErrorIs(t, err, errReset)
	assert.Equal(t, uint32(5), st.req.BatchSize)
	assert.Equal(t, cursor.Finalized, st.finality)
	assert.Equal(t, filter, st.filter)
}
