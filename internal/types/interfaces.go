package types

// PriceAggregator defines the interface for grouping ladder levels into coarser buckets
type PriceAggregator interface {
	// SetTickLevel updates the grouping level
	SetTickLevel(tick TickLevel)

	// GetTickLevel returns the current grouping level
	GetTickLevel() TickLevel

	// AggregateBids groups bid levels, flooring prices
	AggregateBids(levels []PriceLevel, tickSize float64) []PriceLevel

	// AggregateAsks groups ask levels, ceiling prices
	AggregateAsks(levels []PriceLevel, tickSize float64) []PriceLevel
}
