package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fastbook/internal/grid"
)

var (
	// ErrInvalidArgument is raised for tick size inputs outside the grid domain.
	ErrInvalidArgument = grid.ErrInvalidArgument
	// ErrEmptySide is raised by a snapshot missing all asks or all bids.
	ErrEmptySide = errors.New("snapshot side is empty")
	// ErrUninitializedBook is raised by a delta that arrives before any snapshot.
	ErrUninitializedBook = errors.New("book has no snapshot")
	// ErrNoRemainingLevels is raised when deleting the best level leaves its side empty.
	ErrNoRemainingLevels = errors.New("no remaining levels on side")
	// ErrAmbiguousUpdate flags an improving price that arrives as a deletion.
	// It is reported as a warning; the update itself is resolved by a rescan.
	ErrAmbiguousUpdate = errors.New("improving price delivered as deletion")
	// ErrPriceOutOfRange is raised by a delta outside the allocated ladder.
	ErrPriceOutOfRange = errors.New("price outside ladder range")
	// ErrTickSizeChanged is raised when per-delta tick recomputation leaves the snapshot epoch grid.
	ErrTickSizeChanged = errors.New("tick size changed within snapshot epoch")
	// ErrInvalidEntry is raised for rows that cannot be classified.
	ErrInvalidEntry = errors.New("invalid entry")
	// ErrLadderTooLarge is raised by a snapshot whose range would exceed the ladder limit.
	ErrLadderTooLarge = errors.New("ladder too large")
)

// UpdateError carries the context needed to diagnose a failed event.
type UpdateError struct {
	Symbol    string
	Type      UpdateType
	Timestamp time.Time
	Seq       uint64
	Side      Side
	Price     float64
	HasEntry  bool
	Err       error
}

func (e *UpdateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s seq=%d ts=%s", e.Symbol, e.Type, e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano))
	if e.HasEntry {
		fmt.Fprintf(&b, " %s@%v", e.Side, e.Price)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

func newUpdateError(ev *Event, err error) *UpdateError {
	return &UpdateError{
		Symbol:    ev.Symbol,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
		Seq:       ev.Seq,
		Err:       err,
	}
}

func newEntryError(ev *Event, e Entry, err error) *UpdateError {
	ue := newUpdateError(ev, err)
	ue.Side = e.Side()
	ue.Price = e.Price
	ue.HasEntry = true
	return ue
}
