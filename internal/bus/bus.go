// Package bus implements the IngestionBus: a single-writer,
// many-reader broadcast of ingestor.Event in strict ingestion order. The
// in-process Bus here is the default transport; internal/bus/redisbus
// offers an alternate cross-process transport for multi-replica
// deployments.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/apibara/dna/internal/ingestor"
)

// Subscription is a many-reader handle onto the bus. Events arrive in
// ingestion order; Lagged fires once if this subscriber fell behind and was
// detached.
type Subscription struct {
	Events <-chan ingestor.Event
	Lagged <-chan struct{}

	bus *Bus
	id  uint64
}

// Close unsubscribes; safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the in-process IngestionBus. Publish is called exclusively by the
// Ingestor; Subscribe may be called from any
// number of StreamEngine goroutines concurrently.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	buffer int
	log    *slog.Logger
}

type subscriber struct {
	ch     chan ingestor.Event
	lagged chan struct{}
}

// Options configures the bus. Buffer is the per-subscriber channel depth
// before a slow reader is considered lagged and detached.
type Options struct {
	Buffer int
	Log    *slog.Logger
}

// New constructs an empty Bus. A Buffer of 0 defaults to 256.
func New(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Bus{
		subs:   map[uint64]*subscriber{},
		buffer: opts.Buffer,
		log:    opts.Log.With("component", "bus"),
	}
}

var _ ingestor.EventSink = (*Bus)(nil)

// Publish delivers evt to every current subscriber without blocking on any
// single one: a subscriber whose buffer is full is detached and signalled
// via Lagged rather than stalling the ingestion pipeline.
func (b *Bus) Publish(ctx context.Context, evt ingestor.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.log.Warn("subscriber lagged, detaching", "subscriber_id", id)
			close(sub.lagged)
			close(sub.ch)
			delete(b.subs, id)
		}
	}
	return nil
}

// Subscribe registers a new reader. The caller must Close the returned
// Subscription when done, or it leaks a channel and a map entry.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:     make(chan ingestor.Event, b.buffer),
		lagged: make(chan struct{}),
	}
	b.subs[id] = sub
	return &Subscription{Events: sub.ch, Lagged: sub.lagged, bus: b, id: id}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// SubscriberCount reports the number of currently attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
