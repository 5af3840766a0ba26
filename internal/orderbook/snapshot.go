package orderbook

import (
	"fmt"
	"math"

	"fastbook/internal/grid"
	"fastbook/internal/metrics"
)

// ApplySnapshot replaces both ladders with the levels described by ev.
// Rows with Count == 0 are ignored; a snapshot carries no deletions.
func (ob *OrderBook) ApplySnapshot(ev *Event) (bool, error) {
	var (
		asks, bids     []Quote
		minAsk, maxAsk = math.Inf(1), math.Inf(-1)
		minBid, maxBid = math.Inf(1), math.Inf(-1)
	)
	for _, e := range ev.Entries {
		if e.Count <= 0 {
			continue
		}
		if !(e.Price > 0) || e.Amount == 0 || math.IsNaN(e.Amount) {
			return false, newEntryError(ev, e, ErrInvalidEntry)
		}
		q := Quote{Price: e.Price, Size: e.Size()}
		if e.Side() == Ask {
			asks = append(asks, q)
			minAsk, maxAsk = math.Min(minAsk, q.Price), math.Max(maxAsk, q.Price)
		} else {
			bids = append(bids, q)
			minBid, maxBid = math.Min(minBid, q.Price), math.Max(maxBid, q.Price)
		}
	}
	if len(asks) == 0 {
		return false, newUpdateError(ev, fmt.Errorf("%w: no asks", ErrEmptySide))
	}
	if len(bids) == 0 {
		return false, newUpdateError(ev, fmt.Errorf("%w: no bids", ErrEmptySide))
	}

	tick, err := grid.TickSize(minAsk, ob.opts.Precision)
	if err != nil {
		return false, newUpdateError(ev, err)
	}

	lo := math.Min(minAsk, minBid)
	hi := math.Max(maxAsk, maxBid)
	headroom := float64(ob.opts.HeadroomTicks) * tick
	base := grid.Align(lo-headroom, tick)
	if base <= 0 {
		base = grid.Align(lo, tick)
		if base <= 0 {
			base = lo
		}
	}
	// Bound the span in float first; a huge range would overflow the int index.
	span := math.Round((hi + headroom - base) / tick)
	if !(span < float64(ob.opts.MaxLevels)) {
		return false, newUpdateError(ev, fmt.Errorf("%w: %.0f levels at tick %v exceeds %d", ErrLadderTooLarge, span+1, tick, ob.opts.MaxLevels))
	}
	n := int(span) + 1
	if n <= 0 {
		return false, newUpdateError(ev, fmt.Errorf("%w: %d levels at tick %v", ErrLadderTooLarge, n, tick))
	}

	askLadder := newLadder(base, tick, n)
	bidLadder := newLadder(base, tick, n)
	for _, q := range asks {
		askLadder.set(grid.Index(q.Price, base, tick), q)
	}
	for _, q := range bids {
		bidLadder.set(grid.Index(q.Price, base, tick), q)
	}

	ob.asks = askLadder
	ob.bids = bidLadder
	ob.base = base
	ob.tickSize = tick
	ob.bestAsk = grid.Index(minAsk, base, tick)
	ob.bestBid = grid.Index(maxBid, base, tick)
	ob.initialized = true
	ob.valid = true
	if ob.desynced {
		ob.logger.Info().Msg("book resynchronized by snapshot")
	}
	ob.desynced = false

	metrics.LadderLevels.WithLabelValues(ob.symbol).Set(float64(n))
	ob.logger.Debug().
		Float64("tick", tick).
		Float64("base", base).
		Int("levels", n).
		Int("asks", len(asks)).
		Int("bids", len(bids)).
		Msg("snapshot applied")
	return true, nil
}
