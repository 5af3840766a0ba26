package bitfinex

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

const (
	// DefaultURL is the public v2 websocket endpoint
	DefaultURL = "wss://api-pub.bitfinex.com/ws/2"
	// flagTimestamp asks the venue to append a millisecond timestamp to every frame
	flagTimestamp = 32768
)

// Config holds the Bitfinex feed configuration
type Config struct {
	Symbols    []string // e.g. "tBTCUSD"
	Precision  string   // "P0".."P4"
	Frequency  string   // "F0" realtime, "F1" every two seconds
	Length     int      // 1, 25, 100 or 250
	URL        string
	BufferSize int
	Logger     zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Precision == "" {
		c.Precision = "P0"
	}
	if c.Frequency == "" {
		c.Frequency = "F0"
	}
	if c.Length <= 0 {
		c.Length = 25
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// SubscribeRequest subscribes to one book channel
type SubscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Freq    string `json:"freq"`
	Len     string `json:"len"`
}

// UnsubscribeRequest drops a channel by id
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// ConfRequest sets connection-wide flags
type ConfRequest struct {
	Event string `json:"event"`
	Flags int    `json:"flags"`
}

// EventMessage is any JSON object frame: info, conf, subscribed, unsubscribed, error
type EventMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	ChanID  int64           `json:"chanId"`
	Symbol  string          `json:"symbol"`
	Pair    string          `json:"pair"`
	Prec    string          `json:"prec"`
	Len     json.RawMessage `json:"len"`
	Status  string          `json:"status"`
	Version int             `json:"version"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Flags   int             `json:"flags"`
}
