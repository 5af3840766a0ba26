package aggregation

import (
	"testing"
	"time"

	"fastbook/internal/orderbook"
	"fastbook/internal/types"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func level(price, qty string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func TestNew(t *testing.T) {
	agg := New(types.Tick5)
	if agg == nil {
		t.Fatal("New() returned nil")
	}
	if agg.GetTickLevel() != types.Tick5 {
		t.Errorf("Expected tick level %d, got %d", types.Tick5, agg.GetTickLevel())
	}

	agg.SetTickLevel(types.Tick10)
	if agg.GetTickLevel() != types.Tick10 {
		t.Errorf("Expected tick level %d, got %d", types.Tick10, agg.GetTickLevel())
	}
}

func TestAggregateBids(t *testing.T) {
	tests := []struct {
		name     string
		tick     types.TickLevel
		tickSize float64
		levels   []types.PriceLevel
		expected []types.PriceLevel
	}{
		{
			name:     "No aggregation at one tick",
			tick:     types.Tick1,
			tickSize: 0.1,
			levels:   []types.PriceLevel{level("50000.1", "1"), level("50000.2", "1.5")},
			expected: []types.PriceLevel{level("50000.2", "1.5"), level("50000.1", "1")},
		},
		{
			name:     "Ten ticks of 0.1 floor to whole units",
			tick:     types.Tick10,
			tickSize: 0.1,
			levels:   []types.PriceLevel{level("50000.1", "1"), level("50000.9", "1.5"), level("50001.2", "2")},
			expected: []types.PriceLevel{level("50001", "2"), level("50000", "2.5")},
		},
		{
			name:     "Fifty ticks of 1",
			tick:     types.Tick50,
			tickSize: 1,
			levels:   []types.PriceLevel{level("50001", "1"), level("50049", "1"), level("50050", "3")},
			expected: []types.PriceLevel{level("50050", "3"), level("50000", "2")},
		},
		{
			name:     "Empty levels",
			tick:     types.Tick1,
			tickSize: 1,
			levels:   []types.PriceLevel{},
			expected: []types.PriceLevel{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateBids(tt.levels, tt.tickSize)
			assertLevels(t, result, tt.expected)
		})
	}
}

func TestAggregateAsks(t *testing.T) {
	tests := []struct {
		name     string
		tick     types.TickLevel
		tickSize float64
		levels   []types.PriceLevel
		expected []types.PriceLevel
	}{
		{
			name:     "Ten ticks of 0.1 ceil to whole units",
			tick:     types.Tick10,
			tickSize: 0.1,
			levels:   []types.PriceLevel{level("50000.1", "1"), level("50000.9", "1.5"), level("50001", "2")},
			expected: []types.PriceLevel{level("50001", "4.5")},
		},
		{
			name:     "Five ticks of 0.01",
			tick:     types.Tick5,
			tickSize: 0.01,
			levels:   []types.PriceLevel{level("100.01", "1"), level("100.05", "1"), level("100.06", "2")},
			expected: []types.PriceLevel{level("100.05", "2"), level("100.1", "2")},
		},
		{
			name:     "Zero tick size keeps raw prices",
			tick:     types.Tick10,
			tickSize: 0,
			levels:   []types.PriceLevel{level("101", "1"), level("100", "2")},
			expected: []types.PriceLevel{level("100", "2"), level("101", "1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateAsks(tt.levels, tt.tickSize)
			assertLevels(t, result, tt.expected)
		})
	}
}

func TestFromQuotesRoundsFloatNoise(t *testing.T) {
	quotes := []orderbook.Quote{{Price: 0.1 + 0.2, Size: 1.5}, {Price: 100.00000000001, Size: 2}}
	got := FromQuotes(quotes, 0.1)
	if !got[0].Price.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Expected price 0.3, got %s", got[0].Price)
	}
	if !got[1].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected price 100, got %s", got[1].Price)
	}
	if !got[0].Quantity.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected quantity 1.5, got %s", got[0].Quantity)
	}
}

func TestGroup(t *testing.T) {
	ob := orderbook.New("tBTCUSD", orderbook.Options{Logger: zerolog.Nop()})
	_, err := ob.Apply(&orderbook.Event{
		Symbol:    "tBTCUSD",
		Type:      orderbook.Snapshot,
		Timestamp: time.Now(),
		Entries: []orderbook.Entry{
			{Price: 100.01, Count: 1, Amount: -1},
			{Price: 100.04, Count: 1, Amount: -2},
			{Price: 100.07, Count: 1, Amount: -3},
			{Price: 99.99, Count: 1, Amount: 1},
			{Price: 99.96, Count: 1, Amount: 2},
			{Price: 99.91, Count: 1, Amount: 3},
		},
	})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	v := ob.View()

	agg := New(types.Tick5)
	asks := agg.Group(v, orderbook.Ask, 0)
	assertLevels(t, asks, []types.PriceLevel{level("100.05", "3"), level("100.1", "3")})

	bids := agg.Group(v, orderbook.Bid, 1)
	assertLevels(t, bids, []types.PriceLevel{level("99.95", "3")})

	if got := agg.Group(nil, orderbook.Bid, 10); len(got) != 0 {
		t.Errorf("Expected no levels for a nil view, got %v", got)
	}
}

func assertLevels(t *testing.T, got, want []types.PriceLevel) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d levels, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Price.Equal(want[i].Price) || !got[i].Quantity.Equal(want[i].Quantity) {
			t.Errorf("level %d: expected %s@%s, got %s@%s",
				i, want[i].Quantity, want[i].Price, got[i].Quantity, got[i].Price)
		}
	}
}

func BenchmarkAggregateBids(b *testing.B) {
	agg := New(types.Tick10)
	levels := make([]types.PriceLevel, 1000)
	for i := range levels {
		levels[i] = types.PriceLevel{
			Price:    decimal.NewFromFloat(50000 - float64(i)*0.1),
			Quantity: decimal.NewFromFloat(1.0),
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.AggregateBids(levels, 0.1)
	}
}
