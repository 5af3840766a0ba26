package orderbook

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fastbook/internal/grid"
	"fastbook/internal/metrics"
	"fastbook/internal/types"

	"github.com/rs/zerolog"
)

const (
	DefaultHeadroomTicks = 200
	DefaultMaxLevels     = 1 << 20
)

// Options configures how a book lays out its ladders.
type Options struct {
	// Precision is the number of significant digits used to derive the tick size.
	Precision int
	// HeadroomTicks is the extra range allocated beyond the snapshot's min and max prices.
	// Zero selects DefaultHeadroomTicks; a negative value allocates no headroom.
	HeadroomTicks int
	// MaxLevels bounds the ladder length a snapshot may allocate.
	MaxLevels int
	// RecomputeTickOnDelta recomputes the tick size from every delta entry and rejects
	// entries whose tick differs from the snapshot epoch.
	RecomputeTickOnDelta bool
	Clock                func() time.Time
	Logger               zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Precision < 1 {
		o.Precision = grid.DefaultPrecision
	}
	if o.HeadroomTicks < 0 {
		o.HeadroomTicks = 0
	} else if o.HeadroomTicks == 0 {
		o.HeadroomTicks = DefaultHeadroomTicks
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = DefaultMaxLevels
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// OrderBook reconstructs one symbol's book from snapshots and deltas.
// It has a single writer: every Apply call must come from the same goroutine
// (the symbol's sequencer worker). Readers use View.
type OrderBook struct {
	symbol string
	opts   Options
	logger zerolog.Logger

	bids     ladder
	asks     ladder
	base     float64
	tickSize float64
	bestBid  int
	bestAsk  int

	initialized bool
	valid       bool
	desynced    bool
	lastUpdate  time.Time
	feedDelay   time.Duration
	seq         uint64
	lastType    UpdateType
	stats       types.Stats

	journal journal
	view    atomic.Pointer[View]
}

// New creates an empty book for symbol.
func New(symbol string, opts Options) *OrderBook {
	opts = opts.withDefaults()
	ob := &OrderBook{
		symbol:  symbol,
		opts:    opts,
		logger:  opts.Logger.With().Str("symbol", symbol).Logger(),
		bestBid: -1,
		bestAsk: -1,
	}
	ob.publish()
	return ob
}

// Symbol returns the book's symbol.
func (ob *OrderBook) Symbol() string {
	return ob.symbol
}

// Apply routes ev to the snapshot or delta path and publishes a fresh View.
func (ob *OrderBook) Apply(ev *Event) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("nil event: %w", ErrInvalidEntry)
	}

	start := time.Now()
	var (
		changed bool
		err     error
	)
	switch ev.Type {
	case Snapshot:
		changed, err = ob.ApplySnapshot(ev)
	case Delta:
		changed, err = ob.ApplyDelta(ev)
	default:
		err = newUpdateError(ev, fmt.Errorf("unknown update type %d: %w", ev.Type, ErrInvalidEntry))
	}
	metrics.ApplyLatency.WithLabelValues(ev.Type.String()).Observe(float64(time.Since(start).Microseconds()))

	if err != nil {
		ob.recordFailure(ev, err)
		ob.publish()
		return false, err
	}
	if !changed {
		return false, nil
	}

	ob.touch(ev)
	ob.checkCrossed()
	ob.publish()
	metrics.EventsAppliedTotal.WithLabelValues(ob.symbol, ev.Type.String()).Inc()
	return true, nil
}

// View returns the most recently published immutable view of the book.
func (ob *OrderBook) View() *View {
	return ob.view.Load()
}

// MarkDesynced flags the book as no longer mirroring the venue until the next snapshot.
func (ob *OrderBook) MarkDesynced(reason error) {
	if ob.desynced || !ob.initialized {
		return
	}
	ob.desynced = true
	metrics.Desyncs.WithLabelValues(ob.symbol).Inc()
	ob.logger.Warn().Err(reason).Msg("book desynchronized, waiting for snapshot")
	ob.publish()
}

// Desynced reports whether a failed event left the book out of step with the venue.
func (ob *OrderBook) Desynced() bool {
	return ob.desynced
}

func (ob *OrderBook) ladder(side Side) *ladder {
	if side == Bid {
		return &ob.bids
	}
	return &ob.asks
}

func (ob *OrderBook) touch(ev *Event) {
	ob.lastUpdate = ev.Timestamp
	ob.feedDelay = 0
	if !ev.Timestamp.IsZero() {
		ob.feedDelay = ob.opts.Clock().Sub(ev.Timestamp)
	}
	ob.seq = ev.Seq
	ob.lastType = ev.Type

	ob.stats.EventsProcessed++
	if ev.Type == Snapshot {
		ob.stats.Snapshots++
	} else {
		ob.stats.Deltas++
	}
	ob.stats.LastEventTime = ob.lastUpdate
	ob.stats.FeedDelay = ob.feedDelay
	metrics.FeedDelayMs.WithLabelValues(ob.symbol).Set(float64(ob.feedDelay.Milliseconds()))
}

// recordFailure marks an initialized book desynchronized: whatever the venue meant
// by the rejected event is now missing from the ladders.
func (ob *OrderBook) recordFailure(ev *Event, err error) {
	ob.stats.Failures++
	ob.stats.LastError = err.Error()
	metrics.EventsFailedTotal.WithLabelValues(ob.symbol, ev.Type.String(), reason(err)).Inc()
	if ob.initialized && !ob.desynced {
		ob.desynced = true
		metrics.Desyncs.WithLabelValues(ob.symbol).Inc()
	}
}

func (ob *OrderBook) checkCrossed() {
	bid, ask := ob.bids.levels[ob.bestBid], ob.asks.levels[ob.bestAsk]
	if bid.Price < ask.Price {
		ob.valid = true
		return
	}
	if ob.valid {
		ob.logger.Warn().Float64("bid", bid.Price).Float64("ask", ask.Price).Msg("book crossed")
		metrics.CrossedBooks.WithLabelValues(ob.symbol).Inc()
	}
	ob.valid = false
}

func (ob *OrderBook) warnAmbiguous(ev *Event, e Entry, best int) {
	ob.stats.AmbiguousUpdates++
	metrics.AmbiguousUpdates.WithLabelValues(ob.symbol, e.Side().String()).Inc()
	ob.logger.Warn().
		Err(newEntryError(ev, e, ErrAmbiguousUpdate)).
		Int("best_index", best).
		Msg("ambiguous update resolved by rescan")
}

func (ob *OrderBook) publish() {
	v := &View{
		Symbol:      ob.symbol,
		Initialized: ob.initialized,
		Valid:       ob.valid,
		Desynced:    ob.desynced,
		TickSize:    ob.tickSize,
		Base:        ob.base,
		Bids:        ob.bids.clone(),
		Asks:        ob.asks.clone(),
		BestBidIdx:  ob.bestBid,
		BestAskIdx:  ob.bestAsk,
		UpdateTime:  ob.lastUpdate,
		FeedDelay:   ob.feedDelay,
		Seq:         ob.seq,
		Type:        ob.lastType,
		Stats:       ob.stats,
	}
	v.Stats.BidLevels = ob.bids.live
	v.Stats.AskLevels = ob.asks.live
	v.Stats.LadderSize = len(ob.bids.levels)
	v.Stats.TickSize = ob.tickSize
	ob.view.Store(v)
}

func reason(err error) string {
	for _, sentinel := range []error{
		ErrEmptySide, ErrUninitializedBook, ErrNoRemainingLevels, ErrPriceOutOfRange,
		ErrTickSizeChanged, ErrInvalidArgument, ErrLadderTooLarge, ErrInvalidEntry,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "other"
}
