package factory

import (
	"fmt"

	"fastbook/internal/exchange"
	"fastbook/internal/exchange/binance"
	"fastbook/internal/exchange/bitfinex"

	"github.com/rs/zerolog"
)

// FeedConfig holds configuration for creating a feed
type FeedConfig struct {
	Name      exchange.FeedName
	Symbols   []string
	Precision string
	Frequency string
	Depth     int
	URL       string
	RESTURL   string
	Logger    zerolog.Logger
}

// NewFeed creates a new feed instance based on the configuration
func NewFeed(config FeedConfig) (exchange.Feed, error) {
	if len(config.Symbols) == 0 {
		return nil, fmt.Errorf("feed %s has no symbols", config.Name)
	}

	switch config.Name {
	case exchange.Bitfinex:
		return bitfinex.NewFeed(bitfinex.Config{
			Symbols:   config.Symbols,
			Precision: config.Precision,
			Frequency: config.Frequency,
			Length:    config.Depth,
			URL:       config.URL,
			Logger:    config.Logger,
		}), nil

	case exchange.Binance:
		return binance.NewSpotFeed(binance.Config{
			Symbols: config.Symbols,
			Depth:   config.Depth,
			WSURL:   config.URL,
			RESTURL: config.RESTURL,
			Logger:  config.Logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown feed: %s", config.Name)
	}
}

// ValidateFeedName checks if the feed name is supported
func ValidateFeedName(name string) bool {
	switch exchange.FeedName(name) {
	case exchange.Bitfinex, exchange.Binance:
		return true
	default:
		return false
	}
}

// GetSupportedFeeds returns a list of all supported feeds
func GetSupportedFeeds() []exchange.FeedName {
	return []exchange.FeedName{exchange.Bitfinex, exchange.Binance}
}
