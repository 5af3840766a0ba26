package binance

import (
	"fmt"

	"fastbook/internal/orderbook"

	"github.com/shopspring/decimal"
)

// levelsToEntries converts [price, quantity] string pairs into book entries.
// A zero quantity becomes a deletion on the given side.
func levelsToEntries(levels [][]string, side orderbook.Side, out []orderbook.Entry) ([]orderbook.Entry, error) {
	sign := 1.0
	if side == orderbook.Ask {
		sign = -1.0
	}
	for _, lvl := range levels {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(lvl))
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", lvl[0], err)
		}
		qty, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("invalid quantity %q: %w", lvl[1], err)
		}

		e := orderbook.Entry{Price: price.InexactFloat64(), Count: 1, Amount: sign * qty.InexactFloat64()}
		if qty.IsZero() {
			e.Count = 0
			e.Amount = sign
		}
		out = append(out, e)
	}
	return out, nil
}

func snapshotEntries(s *SnapshotResponse) ([]orderbook.Entry, error) {
	entries := make([]orderbook.Entry, 0, len(s.Bids)+len(s.Asks))
	entries, err := levelsToEntries(s.Bids, orderbook.Bid, entries)
	if err != nil {
		return nil, err
	}
	return levelsToEntries(s.Asks, orderbook.Ask, entries)
}

func updateEntries(u *DepthUpdate) ([]orderbook.Entry, error) {
	entries := make([]orderbook.Entry, 0, len(u.Bids)+len(u.Asks))
	entries, err := levelsToEntries(u.Bids, orderbook.Bid, entries)
	if err != nil {
		return nil, err
	}
	return levelsToEntries(u.Asks, orderbook.Ask, entries)
}
