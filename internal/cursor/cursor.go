// Package cursor defines the space-time identifiers used across the
// ingestion and streaming engine: block cursors and the monotone
// finality classification attached to them.
package cursor

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Cursor uniquely identifies a block in space-time. An empty Hash matches
// any hash at that height, used to resume "from here, regardless of fork".
type Cursor struct {
	Number uint64
	Hash   []byte
}

// New returns a cursor with an explicit hash.
func New(number uint64, hash []byte) Cursor {
	return Cursor{Number: number, Hash: append([]byte(nil), hash...)}
}

// NewFinalized returns a cursor with no hash constraint, matching any hash
// canonical at that height.
func NewFinalized(number uint64) Cursor {
	return Cursor{Number: number}
}

// IsWildcard reports whether the cursor matches any hash at its height.
func (c Cursor) IsWildcard() bool {
	return len(c.Hash) == 0
}

// Equal reports whether two cursors refer to the same block. A wildcard
// cursor is equal to any cursor at the same height.
func (c Cursor) Equal(other Cursor) bool {
	if c.Number != other.Number {
		return false
	}
	if c.IsWildcard() || other.IsWildcard() {
		return true
	}
	return bytes.Equal(c.Hash, other.Hash)
}

func (c Cursor) String() string {
	if c.IsWildcard() {
		return fmt.Sprintf("#%d", c.Number)
	}
	return fmt.Sprintf("#%d/0x%s", c.Number, hex.EncodeToString(c.Hash))
}

// Finality is a monotone classification of a block's confirmation depth.
type Finality int

const (
	Pending Finality = iota
	Accepted
	Finalized
)

func (f Finality) String() string {
	switch f {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Satisfies reports whether an observed finality level meets a client's
// requested minimum finality (Pending < Accepted < Finalized).
func (f Finality) Satisfies(requested Finality) bool {
	return f >= requested
}

// ParseFinality parses the wire string representation of a finality level.
func ParseFinality(s string) (Finality, error) {
	switch s {
	case "pending", "":
		return Pending, nil
	case "accepted":
		return Accepted, nil
	case "finalized":
		return Finalized, nil
	default:
		return Pending, fmt.Errorf("unknown finality %q", s)
	}
}
