package grid

import (
	"errors"
	"math"
	"testing"
)

func TestTickSize(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		precision int
		expected  float64
	}{
		{name: "Hundred at five digits", price: 100, precision: 5, expected: 0.01},
		{name: "Small price at five digits", price: 0.0001234, precision: 5, expected: 1e-8},
		{name: "Exact power of ten", price: 1000, precision: 5, expected: 0.1},
		{name: "Just below power of ten", price: 999.99, precision: 5, expected: 0.01},
		{name: "BTC range", price: 64123.5, precision: 5, expected: 1},
		{name: "Single digit precision", price: 64123.5, precision: 1, expected: 10000},
		{name: "Sub-unit price", price: 0.5, precision: 3, expected: 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TickSize(tt.price, tt.precision)
			if err != nil {
				t.Fatalf("TickSize(%v, %d) returned error: %v", tt.price, tt.precision, err)
			}
			if got != tt.expected {
				t.Errorf("TickSize(%v, %d) = %v, expected %v", tt.price, tt.precision, got, tt.expected)
			}
		})
	}
}

func TestTickSizeMatchesFormula(t *testing.T) {
	for _, price := range []float64{0.0001234, 0.37, 1.5, 42, 2500.25, 64123.5} {
		want := math.Pow10(int(math.Floor(math.Log10(price))) - 5 + 1)
		got, err := TickSize(price, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("TickSize(%v, 5) = %v, expected %v", price, got, want)
		}
	}
}

func TestTickSizeInvalidArgument(t *testing.T) {
	tests := []struct {
		name      string
		price     float64
		precision int
	}{
		{name: "Zero price", price: 0, precision: 5},
		{name: "Negative price", price: -1, precision: 5},
		{name: "NaN price", price: math.NaN(), precision: 5},
		{name: "Zero precision", price: 100, precision: 0},
		{name: "Negative precision", price: 100, precision: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TickSize(tt.price, tt.precision)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestIndex(t *testing.T) {
	tests := []struct {
		name     string
		price    float64
		base     float64
		tick     float64
		expected int
	}{
		{name: "At base", price: 95, base: 95, tick: 0.01, expected: 0},
		{name: "Whole ticks", price: 100, base: 95, tick: 0.01, expected: 500},
		{name: "Rounds to nearest", price: 100.004, base: 95, tick: 0.01, expected: 500},
		{name: "Below base", price: 94.99, base: 95, tick: 0.01, expected: -1},
		{name: "Fractional tick", price: 0.00012345, base: 0.0001, tick: 1e-8, expected: 2345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Index(tt.price, tt.base, tt.tick); got != tt.expected {
				t.Errorf("Index(%v, %v, %v) = %d, expected %d", tt.price, tt.base, tt.tick, got, tt.expected)
			}
		})
	}
}

func TestIndexRoundTrip(t *testing.T) {
	base, tick := 63000.0, 1.0
	for i := 0; i < 2000; i++ {
		if got := Index(Price(base, tick, i), base, tick); got != i {
			t.Fatalf("round trip of index %d returned %d", i, got)
		}
	}
}

func TestAlign(t *testing.T) {
	if got := Align(100.37, 0.1); math.Abs(got-100.3) > 1e-9 {
		t.Errorf("Align(100.37, 0.1) = %v, expected 100.3", got)
	}
	if got := Align(100, 1); got != 100 {
		t.Errorf("Align(100, 1) = %v, expected 100", got)
	}
}

func TestParsePrecision(t *testing.T) {
	tests := []struct {
		in       string
		expected int
		wantErr  bool
	}{
		{in: "P0", expected: 5},
		{in: "p2", expected: 3},
		{in: "P4", expected: 1},
		{in: "", expected: DefaultPrecision},
		{in: "7", expected: 7},
		{in: "P5", wantErr: true},
		{in: "R0", wantErr: true},
		{in: "0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrecision(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("Expected ErrInvalidArgument for %q, got %v", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParsePrecision(%q) = %d, expected %d", tt.in, got, tt.expected)
			}
		})
	}
}

func BenchmarkTickSize(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = TickSize(64123.5, 5)
	}
}

func BenchmarkIndex(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Index(64123.5, 63000, 1)
	}
}
