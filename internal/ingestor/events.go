package ingestor

import (
	"github.com/apibara/dna/internal/block"
	"github.com/apibara/dna/internal/cursor"
)

// EventKind distinguishes the three IngestionEvent variants.
type EventKind int

const (
	EventIngested EventKind = iota
	EventInvalidated
	EventFinalized
)

func (k EventKind) String() string {
	switch k {
	case EventIngested:
		return "ingested"
	case EventInvalidated:
		return "invalidated"
	case EventFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Event is one entry of the append-only, totally ordered IngestionEvent
// log the bus carries. Exactly one of the payload groups below is
// populated, selected by Kind.
type Event struct {
	Kind EventKind

	// EventIngested
	Block        block.Block
	ParentCursor cursor.Cursor

	// EventInvalidated
	NewHead cursor.Cursor
	Removed []cursor.Cursor

	// EventFinalized
	Cursor cursor.Cursor
}
