// Package block defines the canonical, chain-agnostic block representation
// that flows from ChainRpc through the Ingestor into BlockStore and out to
// StreamEngine clients.
//
// A Block's payload is not a single opaque blob: it is decomposed into
// individually addressable Components (one per chain-specific "component
// filter" in spec terms — header, transactions, logs, receipts,
// withdrawals, events, messages, state diffs, ...). Each Component carries
// the set of derived filter Keys a Chain adapter extracted from it, which
// is all BlockStore's index layer needs; full predicate evaluation
// ("matches") is left to the per-stream filter evaluator.
package block

import (
	"github.com/apibara/dna/internal/cursor"
)

// Kind identifies the kind of a block component. Chain adapters decide
// which kinds they populate; EVM-like chains emit Header, Transaction,
// Log, Receipt, Withdrawal; Starknet-like chains emit Header, Transaction,
// Receipt, Event, Message, StateDiff.
type Kind string

const (
	KindHeader      Kind = "header"
	KindTransaction Kind = "transaction"
	KindLog         Kind = "log"
	KindReceipt     Kind = "receipt"
	KindWithdrawal  Kind = "withdrawal"
	KindEvent       Kind = "event"
	KindMessage     Kind = "message"
	KindStateDiff   Kind = "state_diff"
)

// Key is a single derived filter key, e.g. {Kind: "from_address", Value:
// "0xabc..."}. BlockStore indexes blocks by (segment, Kind:Value).
type Key struct {
	Kind  string
	Value string
}

// String returns the flat index key used as the secondary-index map key.
func (k Key) String() string {
	return k.Kind + ":" + k.Value
}

// Component is one individually addressable piece of a block: a single
// transaction, a single log, the header, etc. Data carries the
// chain-specific encoding (opaque to everything but the Chain adapter that
// produced it and the client that requested it).
type Component struct {
	Kind Kind
	Data []byte
	Keys []Key
}

// Block is the canonical, chain-parameterized unit ingested, stored, and
// streamed by the engine.
type Block struct {
	Cursor    cursor.Cursor
	Parent    []byte
	Finality  cursor.Finality
	Timestamp int64 // unix seconds, chain-reported block time

	Components []Component
}

// KeysOfKind returns all derived keys across components of a given kind.
func (b Block) KeysOfKind(kind Kind) []Key {
	var keys []Key
	for _, c := range b.Components {
		if c.Kind == kind {
			keys = append(keys, c.Keys...)
		}
	}
	return keys
}

// AllKeys returns the full set of derived filter keys across all
// components, used by BlockStore to update per-segment bitmap indexes.
func (b Block) AllKeys() []Key {
	var keys []Key
	for _, c := range b.Components {
		keys = append(keys, c.Keys...)
	}
	return keys
}

// ComponentsOfKind returns all components of a given kind, e.g. all logs.
func (b Block) ComponentsOfKind(kind Kind) []Component {
	var out []Component
	for _, c := range b.Components {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
