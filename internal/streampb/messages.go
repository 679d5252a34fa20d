// Package streampb defines the wire messages of the StreamService gRPC
// service as plain Go structs plus a JSON grpc codec
// (codec.go), rather than protoc-generated types: no protoc toolchain or
// pre-generated.pb.go package was available to ground this on (see
// DESIGN.md). The service is still served over a real
// google.golang.org/grpc transport/server.
package streampb

import "github.com/apibara/dna/internal/cursor"

// FilterKey mirrors block.Key on the wire.
type FilterKey struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// ComponentFilter is one component-kind + required-keys clause of a
// StreamDataRequest's Filter list.
type ComponentFilter struct {
	Kind string      `json:"kind"`
	Keys []FilterKey `json:"keys"`
}

// StreamDataRequest is the single request StreamEngine accepts, matching
// the literal shape.
type StreamDataRequest struct {
	StreamID       uint64            `json:"stream_id"`
	StartingCursor *cursor.Cursor    `json:"starting_cursor,omitempty"`
	Finality       string            `json:"finality"` // "pending" | "accepted" | "finalized"
	Filter         []ComponentFilter `json:"filter"`
	BatchSize      uint32            `json:"batch_size"`
}

// ComponentData is one matched component in a Data response, carrying the
// chain-specific opaque payload and the keys that matched.
type ComponentData struct {
	Kind string      `json:"kind"`
	Data []byte      `json:"data"`
	Keys []FilterKey `json:"keys"`
}

// StreamDataResponse is the tagged-union response StreamEngine emits,
// mirroring the four variants. Exactly one of the pointer
// fields is populated per message.
type StreamDataResponse struct {
	StreamID uint64 `json:"stream_id"`

	Data       *DataMessage       `json:"data,omitempty"`
	Invalidate *InvalidateMessage `json:"invalidate,omitempty"`
	Finalize   *FinalizeMessage   `json:"finalize,omitempty"`
	Heartbeat  *HeartbeatMessage  `json:"heartbeat,omitempty"`
}

type DataMessage struct {
	Cursor    cursor.Cursor   `json:"cursor"`
	EndCursor cursor.Cursor   `json:"end_cursor"`
	Finality  string          `json:"finality"`
	Data      []ComponentData `json:"data"`
}

type InvalidateMessage struct {
	Cursor  cursor.Cursor   `json:"cursor"`
	Removed []cursor.Cursor `json:"removed"`
}

type FinalizeMessage struct {
	Cursor cursor.Cursor `json:"cursor"`
}

type HeartbeatMessage struct{}

// StatusRequest/StatusResponse back the Status RPC.
type StatusRequest struct{}

type StatusResponse struct {
	Head           cursor.Cursor `json:"head"`
	Finalized      cursor.Cursor `json:"finalized"`
	ActiveStreams  int           `json:"active_streams"`
	LastIngestedAt int64         `json:"last_ingested_at_unix"`
}
