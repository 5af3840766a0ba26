package aggregation

import (
	"sort"

	"fastbook/internal/orderbook"
	"fastbook/internal/types"

	"github.com/shopspring/decimal"
)

// Aggregator groups ladder levels into buckets of a whole number of book ticks
type Aggregator struct {
	currentTick types.TickLevel
}

var _ types.PriceAggregator = (*Aggregator)(nil)

// New creates a new Aggregator instance
func New(tick types.TickLevel) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// SetTickLevel updates the grouping level
func (a *Aggregator) SetTickLevel(tick types.TickLevel) {
	a.currentTick = tick
}

// GetTickLevel returns the current grouping level
func (a *Aggregator) GetTickLevel() types.TickLevel {
	return a.currentTick
}

// AggregateBids groups bid levels into buckets, flooring prices. Result is best (highest) first.
func (a *Aggregator) AggregateBids(levels []types.PriceLevel, tickSize float64) []types.PriceLevel {
	out := a.aggregate(levels, tickSize, decimal.Decimal.Floor)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

// AggregateAsks groups ask levels into buckets, ceiling prices. Result is best (lowest) first.
func (a *Aggregator) AggregateAsks(levels []types.PriceLevel, tickSize float64) []types.PriceLevel {
	out := a.aggregate(levels, tickSize, decimal.Decimal.Ceil)
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func (a *Aggregator) aggregate(levels []types.PriceLevel, tickSize float64, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	if len(levels) == 0 {
		return []types.PriceLevel{}
	}
	bucket := a.bucketSize(tickSize)

	tickMap := make(map[string]types.PriceLevel, len(levels))
	for _, level := range levels {
		price := level.Price
		if !bucket.IsZero() {
			price = round(price.Div(bucket)).Mul(bucket)
		}
		key := price.String()
		if existing, exists := tickMap[key]; exists {
			existing.Quantity = existing.Quantity.Add(level.Quantity)
			tickMap[key] = existing
			continue
		}
		tickMap[key] = types.PriceLevel{Price: price, Quantity: level.Quantity}
	}

	aggregated := make([]types.PriceLevel, 0, len(tickMap))
	for _, level := range tickMap {
		aggregated = append(aggregated, level)
	}
	return aggregated
}

// bucketSize is tickSize times the grouping level, exact in decimal
func (a *Aggregator) bucketSize(tickSize float64) decimal.Decimal {
	if tickSize <= 0 || a.currentTick <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(tickSize).Mul(decimal.NewFromInt(int64(a.currentTick)))
}

// FromQuotes converts ladder quotes to decimal price levels, rounding prices
// to the grid's decimal places so float noise does not split buckets.
func FromQuotes(quotes []orderbook.Quote, tickSize float64) []types.PriceLevel {
	out := make([]types.PriceLevel, len(quotes))
	for i, q := range quotes {
		out[i] = types.PriceLevel{
			Price:    GridPrice(q.Price, tickSize),
			Quantity: decimal.NewFromFloat(q.Size),
		}
	}
	return out
}

// GridPrice returns price as a decimal rounded to the decimal places of tickSize
func GridPrice(price, tickSize float64) decimal.Decimal {
	places := int32(0)
	if tickSize > 0 {
		if exp := decimal.NewFromFloat(tickSize).Exponent(); exp < 0 {
			places = -exp
		}
	}
	return decimal.NewFromFloat(price).Round(places)
}

// Group returns up to depth aggregated levels of side from v, best first
func (a *Aggregator) Group(v *orderbook.View, side orderbook.Side, depth int) []types.PriceLevel {
	if v == nil || !v.Initialized {
		return []types.PriceLevel{}
	}
	levels := FromQuotes(v.Levels(side, 0), v.TickSize)
	var out []types.PriceLevel
	if side == orderbook.Bid {
		out = a.AggregateBids(levels, v.TickSize)
	} else {
		out = a.AggregateAsks(levels, v.TickSize)
	}
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
