// Package redisbus is an alternate IngestionBus transport backed by Redis
// Streams, for deployments running more than one StreamEngine host against
// a single Ingestor. Connection setup and ping-on-construct follow the
// same idiom as the rest of this codebase's Redis-backed components,
// generalized to strictly-ordered ingestion event fan-out.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cursor"
	"github.com/apibara/dna/internal/ingestor"
)

// wireEvent is the JSON representation of ingestor.Event published to the
// stream; ingestor.Event itself is kept transport-agnostic.
type wireEvent struct {
	Kind         ingestor.EventKind `json:"kind"`
	BlockNumber  uint64             `json:"block_number,omitempty"`
	BlockHash    []byte             `json:"block_hash,omitempty"`
	ParentNumber uint64             `json:"parent_number,omitempty"`
	ParentHash   []byte             `json:"parent_hash,omitempty"`
	NewHead      cursor.Cursor      `json:"new_head,omitempty"`
	Removed      []cursor.Cursor    `json:"removed,omitempty"`
	Cursor       cursor.Cursor      `json:"cursor,omitempty"`
}

func toWire(evt ingestor.Event) wireEvent {
	return wireEvent{
		Kind:         evt.Kind,
		BlockNumber:  evt.Block.Cursor.Number,
		BlockHash:    evt.Block.Cursor.Hash,
		ParentNumber: evt.ParentCursor.Number,
		ParentHash:   evt.ParentCursor.Hash,
		NewHead:      evt.NewHead,
		Removed:      evt.Removed,
		Cursor:       evt.Cursor,
	}
}

// fromWire reconstructs an ingestor.Event from its wire form. Only the
// block's cursor survives the round-trip: StreamEngine re-fetches full
// block content from BlockStore rather than trusting bus payloads for data.
func fromWire(w wireEvent) ingestor.Event {
	return ingestor.Event{
		Kind:         w.Kind,
		Block:        block.Block{Cursor: cursor.New(w.BlockNumber, w.BlockHash)},
		ParentCursor: cursor.New(w.ParentNumber, w.ParentHash),
		NewHead:      w.NewHead,
		Removed:      w.Removed,
		Cursor:       w.Cursor,
	}
}

// Bus publishes to and consumes from a single Redis stream key, using
// XADD/XREAD with a monotonically increasing last-delivered ID per reader.
type Bus struct {
	client    *redis.Client
	streamKey string
	maxLen    int64
	log       *slog.Logger
}

var _ ingestor.EventSink = (*Bus)(nil)

// Config configures a redisbus.Bus.
type Config struct {
	URL       string
	StreamKey string
	// MaxLen approximately caps the stream length via XADD's MAXLEN ~
	// trimming, bounding memory for slow or absent consumers.
	MaxLen int64
	Log    *slog.Logger
}

// New connects to Redis and verifies reachability with a Ping, matching the
// teacher's internal/store/redis.NewStream construction discipline.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redisbus: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	if cfg.StreamKey == "" {
		cfg.StreamKey = "dna:ingestion-events"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 100_000
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Bus{client: client, streamKey: cfg.StreamKey, maxLen: cfg.MaxLen, log: log.With("component", "redisbus")}, nil
}

func (b *Bus) Close() error { return b.client.Close() }

// Publish XADDs the event, approximately trimming the stream to MaxLen.
func (b *Bus) Publish(ctx context.Context, evt ingestor.Event) error {
	payload, err := json.Marshal(toWire(evt))
	if err != nil {
		return fmt.Errorf("redisbus: marshal event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisbus: xadd: %w", err)
	}
	return nil
}

// Reader tails the stream from a given ID ("0" for the beginning, "$" for
// only-new). Each StreamEngine holds its own Reader so a lagging consumer
// only affects itself, never the others.
type Reader struct {
	bus    *Bus
	lastID string
}

// NewReader starts tailing b's stream from fromID.
func (b *Bus) NewReader(fromID string) *Reader {
	if fromID == "" {
		fromID = "0"
	}
	return &Reader{bus: b, lastID: fromID}
}

// Next blocks until the next event is available or ctx is cancelled.
func (r *Reader) Next(ctx context.Context) (ingestor.Event, error) {
	res, err := r.bus.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.bus.streamKey, r.lastID},
		Count:   1,
		Block:   0,
	}).Result()
	if err != nil {
		return ingestor.Event{}, fmt.Errorf("redisbus: xread: %w", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return ingestor.Event{}, fmt.Errorf("redisbus: xread returned no messages")
	}
	msg := res[0].Messages[0]
	r.lastID = msg.ID

	raw, ok := msg.Values["event"].(string)
	if !ok {
		return ingestor.Event{}, fmt.Errorf("redisbus: message %s missing event field", msg.ID)
	}
	var w wireEvent
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return ingestor.Event{}, fmt.Errorf("redisbus: unmarshal event %s: %w", msg.ID, err)
	}
	return fromWire(w), nil
}
