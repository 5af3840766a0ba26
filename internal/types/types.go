package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickLevel groups ladder levels into buckets of N book ticks for display
type TickLevel int

const (
	Tick1   TickLevel = 1
	Tick5   TickLevel = 5
	Tick10  TickLevel = 10
	Tick50  TickLevel = 50
	Tick100 TickLevel = 100
)

// AvailableTickLevels defines the available grouping levels from finest to coarsest
var AvailableTickLevels = []TickLevel{
	Tick1,
	Tick5,
	Tick10,
	Tick50,
	Tick100,
}

// PriceLevel represents a single price level rendered with exact decimals
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Stats holds counters and freshness information about one symbol's book
type Stats struct {
	EventsProcessed  int64
	Snapshots        int64
	Deltas           int64
	Failures         int64
	AmbiguousUpdates int64
	LastEventTime    time.Time
	FeedDelay        time.Duration
	BidLevels        int
	AskLevels        int
	LadderSize       int
	TickSize         float64
	LastError        string
}

// IsValidTickLevel reports whether tick is one of the available grouping levels
func IsValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}

// GetNextTickLevel returns the next tick level in the sequence
func GetNextTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			// Return next tick level, or wrap around to first
			if i+1 < len(AvailableTickLevels) {
				return AvailableTickLevels[i+1]
			}
			return AvailableTickLevels[0]
		}
	}
	return AvailableTickLevels[0]
}

// GetPreviousTickLevel returns the previous tick level in the sequence
func GetPreviousTickLevel(current TickLevel) TickLevel {
	for i, tick := range AvailableTickLevels {
		if tick == current {
			// Return previous tick level, or wrap around to last
			if i-1 >= 0 {
				return AvailableTickLevels[i-1]
			}
			return AvailableTickLevels[len(AvailableTickLevels)-1]
		}
	}
	return AvailableTickLevels[0]
}
