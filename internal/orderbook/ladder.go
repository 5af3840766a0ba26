package orderbook

import "fastbook/internal/grid"

// ladder is a dense price-ascending array of levels on a fixed tick grid.
type ladder struct {
	levels []Quote
	live   int
}

func newLadder(base, tick float64, n int) ladder {
	levels := make([]Quote, n)
	for i := range levels {
		levels[i].Price = grid.Price(base, tick, i)
	}
	return ladder{levels: levels}
}

func (l *ladder) set(idx int, q Quote) Quote {
	prev := l.levels[idx]
	switch {
	case prev.Size == 0 && q.Size > 0:
		l.live++
	case prev.Size > 0 && q.Size == 0:
		l.live--
	}
	l.levels[idx] = q
	return prev
}

func (l *ladder) contains(idx int) bool {
	return idx >= 0 && idx < len(l.levels)
}

// firstLive scans upward from idx for a level with size.
func (l *ladder) firstLive(idx int) (int, bool) {
	if idx < 0 {
		idx = 0
	}
	for i := idx; i < len(l.levels); i++ {
		if l.levels[i].Size > 0 {
			return i, true
		}
	}
	return -1, false
}

// lastLive scans downward from idx for a level with size.
func (l *ladder) lastLive(idx int) (int, bool) {
	if idx >= len(l.levels) {
		idx = len(l.levels) - 1
	}
	for i := idx; i >= 0; i-- {
		if l.levels[i].Size > 0 {
			return i, true
		}
	}
	return -1, false
}

func (l *ladder) clone() []Quote {
	out := make([]Quote, len(l.levels))
	copy(out, l.levels)
	return out
}
