package orderbook

import (
	"fmt"
	"time"
)

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", s)
	}
}

// UpdateType distinguishes full snapshots from incremental deltas.
type UpdateType uint8

const (
	Snapshot UpdateType = iota + 1
	Delta
)

func (t UpdateType) String() string {
	switch t {
	case Snapshot:
		return "snapshot"
	case Delta:
		return "delta"
	default:
		return fmt.Sprintf("update(%d)", t)
	}
}

// Quote is a single price level. Size 0 marks an empty level.
type Quote struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Entry is one normalized book row as delivered by a venue.
// Count > 0 adds or updates the level; Count == 0 deletes it.
// The sign of Amount selects the side: negative for asks, positive for bids.
type Entry struct {
	Price  float64
	Count  int
	Amount float64
}

// Side returns the side encoded by the sign of Amount.
func (e Entry) Side() Side {
	if e.Amount > 0 {
		return Bid
	}
	return Ask
}

// Size returns the level size the entry writes.
func (e Entry) Size() float64 {
	if e.Count == 0 {
		return 0
	}
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// Event is a batch of entries for one symbol.
type Event struct {
	Symbol    string
	Type      UpdateType
	Timestamp time.Time
	Seq       uint64
	Entries   []Entry
}

// Applier is implemented by anything that can fold events into book state.
// The bool result reports whether the book changed.
type Applier interface {
	Apply(ev *Event) (bool, error)
}
