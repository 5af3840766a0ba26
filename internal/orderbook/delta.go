package orderbook

import (
	"fmt"
	"math"

	"fastbook/internal/grid"
)

// ApplyDelta mutates the ladders in place, entry by entry in arrival order.
// A batch is applied all-or-nothing: when any entry fails, the writes already
// made by earlier entries are rolled back before the error is returned.
func (ob *OrderBook) ApplyDelta(ev *Event) (bool, error) {
	if !ob.initialized {
		return false, newUpdateError(ev, ErrUninitializedBook)
	}
	if len(ev.Entries) == 0 {
		return false, nil
	}

	ob.journal.begin(ob.bestBid, ob.bestAsk, ob.valid)
	for _, e := range ev.Entries {
		if err := ob.applyEntry(ev, e); err != nil {
			ob.journal.rollback(ob)
			return false, err
		}
	}
	ob.journal.writes = ob.journal.writes[:0]
	return true, nil
}

func (ob *OrderBook) applyEntry(ev *Event, e Entry) error {
	if !(e.Price > 0) || e.Count < 0 || e.Amount == 0 || math.IsNaN(e.Amount) {
		return newEntryError(ev, e, ErrInvalidEntry)
	}
	if ob.opts.RecomputeTickOnDelta {
		tick, err := grid.TickSize(e.Price, ob.opts.Precision)
		if err != nil {
			return newEntryError(ev, e, err)
		}
		if tick != ob.tickSize {
			return newEntryError(ev, e, fmt.Errorf("%w: %v != %v", ErrTickSizeChanged, tick, ob.tickSize))
		}
	}

	side := e.Side()
	l := ob.ladder(side)
	idx := grid.Index(e.Price, ob.base, ob.tickSize)
	if !l.contains(idx) {
		return newEntryError(ev, e, fmt.Errorf("%w: index %d of %d", ErrPriceOutOfRange, idx, len(l.levels)))
	}

	prev := l.set(idx, Quote{Price: e.Price, Size: e.Size()})
	ob.journal.record(side, idx, prev)

	var err error
	if side == Ask {
		err = ob.maintainBestAsk(ev, e, idx)
	} else {
		err = ob.maintainBestBid(ev, e, idx)
	}
	return err
}

// maintainBestAsk keeps bestAsk on the lowest live ask index.
func (ob *OrderBook) maintainBestAsk(ev *Event, e Entry, idx int) error {
	switch {
	case idx < ob.bestAsk:
		if e.Count > 0 {
			ob.bestAsk = idx
			return nil
		}
		best, ok := ob.asks.firstLive(0)
		if !ok {
			return newEntryError(ev, e, ErrNoRemainingLevels)
		}
		ob.bestAsk = best
		ob.warnAmbiguous(ev, e, best)
	case idx == ob.bestAsk:
		if e.Count > 0 {
			return nil
		}
		best, ok := ob.asks.firstLive(idx + 1)
		if !ok {
			return newEntryError(ev, e, ErrNoRemainingLevels)
		}
		ob.bestAsk = best
	}
	return nil
}

// maintainBestBid keeps bestBid on the highest live bid index. Bids improve
// toward higher indices, so the next best after a deletion lies below idx.
func (ob *OrderBook) maintainBestBid(ev *Event, e Entry, idx int) error {
	switch {
	case idx > ob.bestBid:
		if e.Count > 0 {
			ob.bestBid = idx
			return nil
		}
		best, ok := ob.bids.lastLive(len(ob.bids.levels) - 1)
		if !ok {
			return newEntryError(ev, e, ErrNoRemainingLevels)
		}
		ob.bestBid = best
		ob.warnAmbiguous(ev, e, best)
	case idx == ob.bestBid:
		if e.Count > 0 {
			return nil
		}
		best, ok := ob.bids.lastLive(idx - 1)
		if !ok {
			return newEntryError(ev, e, ErrNoRemainingLevels)
		}
		ob.bestBid = best
	}
	return nil
}
