package orderbook

import (
	"time"

	"fastbook/internal/grid"
	"fastbook/internal/types"
)

// View is an immutable copy of a book taken after an apply.
// It is safe to share between goroutines; nothing mutates it once published.
type View struct {
	Symbol      string
	Initialized bool
	Valid       bool
	Desynced    bool
	TickSize    float64
	Base        float64
	Bids        []Quote
	Asks        []Quote
	BestBidIdx  int
	BestAskIdx  int
	UpdateTime  time.Time
	FeedDelay   time.Duration
	Seq         uint64
	Type        UpdateType
	Stats       types.Stats
}

// BestBid returns the highest live bid.
func (v *View) BestBid() (Quote, bool) {
	if v == nil || v.BestBidIdx < 0 || v.BestBidIdx >= len(v.Bids) {
		return Quote{}, false
	}
	return v.Bids[v.BestBidIdx], true
}

// BestAsk returns the lowest live ask.
func (v *View) BestAsk() (Quote, bool) {
	if v == nil || v.BestAskIdx < 0 || v.BestAskIdx >= len(v.Asks) {
		return Quote{}, false
	}
	return v.Asks[v.BestAskIdx], true
}

// Index returns the ladder index of price, or false when it falls outside the ladder.
func (v *View) Index(price float64) (int, bool) {
	if v == nil || !v.Initialized || v.TickSize == 0 {
		return 0, false
	}
	idx := grid.Index(price, v.Base, v.TickSize)
	if idx < 0 || idx >= len(v.Bids) {
		return 0, false
	}
	return idx, true
}

// SizeAt returns the size resting at price on side; 0 for empty or unknown levels.
func (v *View) SizeAt(side Side, price float64) float64 {
	idx, ok := v.Index(price)
	if !ok {
		return 0
	}
	if side == Bid {
		return v.Bids[idx].Size
	}
	return v.Asks[idx].Size
}

// Levels returns up to depth live levels of side ordered best first.
// A depth <= 0 returns every live level.
func (v *View) Levels(side Side, depth int) []Quote {
	if v == nil || !v.Initialized {
		return nil
	}
	var out []Quote
	full := func() bool { return depth > 0 && len(out) >= depth }
	if side == Bid {
		for i := v.BestBidIdx; i >= 0 && !full(); i-- {
			if v.Bids[i].Size > 0 {
				out = append(out, v.Bids[i])
			}
		}
		return out
	}
	for i := v.BestAskIdx; i >= 0 && i < len(v.Asks) && !full(); i++ {
		if v.Asks[i].Size > 0 {
			out = append(out, v.Asks[i])
		}
	}
	return out
}

// Spread returns best ask minus best bid.
func (v *View) Spread() (float64, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

