package binance

import "github.com/rs/zerolog"

const (
	DefaultWSURL   = "wss://stream.binance.com:9443"
	DefaultRESTURL = "https://api.binance.com"
)

// Config holds the Binance Spot feed configuration
type Config struct {
	Symbols    []string // e.g. "BTCUSDT"
	Depth      int      // REST snapshot limit
	WSURL      string
	RESTURL    string
	BufferSize int
	Logger     zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Depth <= 0 {
		c.Depth = 1000
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.RESTURL == "" {
		c.RESTURL = DefaultRESTURL
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// SnapshotResponse represents the REST API response for Binance order book snapshot
type SnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// WSMessage represents a combined stream message from Binance
type WSMessage struct {
	Stream string      `json:"stream"`
	Data   DepthUpdate `json:"data"`
}

// DepthUpdate represents a depth update event from Binance WebSocket
type DepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
