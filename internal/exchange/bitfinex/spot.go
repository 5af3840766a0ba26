package bitfinex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fastbook/internal/exchange"
	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Feed implements exchange.Feed for the Bitfinex v2 book channel
type Feed struct {
	cfg    Config
	logger zerolog.Logger
	health *exchange.HealthTracker

	wsConn  *websocket.Conn
	writeMu sync.Mutex
	events  chan *orderbook.Event
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	channels    map[int64]string // chanId -> symbol
	resubscribe map[string]bool
}

// NewFeed creates a new Bitfinex feed instance
func NewFeed(config Config) *Feed {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:         config,
		logger:      config.Logger.With().Str("feed", string(exchange.Bitfinex)).Logger(),
		health:      exchange.NewHealthTracker(exchange.Bitfinex),
		events:      make(chan *orderbook.Event, config.BufferSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		channels:    make(map[int64]string),
		resubscribe: make(map[string]bool),
	}
}

// GetName returns the feed name
func (f *Feed) GetName() exchange.FeedName {
	return exchange.Bitfinex
}

// Symbols returns the subscribed symbols
func (f *Feed) Symbols() []string {
	return append([]string(nil), f.cfg.Symbols...)
}

// Connect dials the websocket, enables timestamps and subscribes every symbol
func (f *Feed) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		f.health.Error()
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	f.wsConn = conn
	f.health.SetConnected(true)
	f.logger.Info().Str("url", f.cfg.URL).Msg("websocket connected")

	if err := f.write(ConfRequest{Event: "conf", Flags: flagTimestamp}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send conf: %w", err)
	}
	for _, symbol := range f.cfg.Symbols {
		if err := f.subscribe(symbol); err != nil {
			conn.Close()
			return err
		}
	}

	go f.readMessages()
	return nil
}

// Close closes the websocket connection
func (f *Feed) Close() error {
	f.cancel()
	if f.wsConn == nil {
		return nil
	}
	var err error
	f.once.Do(func() {
		close(f.done)
		f.writeMu.Lock()
		werr := f.wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.writeMu.Unlock()
		if werr != nil {
			f.logger.Debug().Err(werr).Msg("error sending close message")
		}
		f.health.SetConnected(false)
		err = f.wsConn.Close()
	})
	return err
}

// Events returns the channel of decoded book events
func (f *Feed) Events() <-chan *orderbook.Event {
	return f.events
}

// Resync unsubscribes symbol's channel; the matching "unsubscribed" reply
// resubscribes it, which makes the venue send a fresh snapshot.
func (f *Feed) Resync(ctx context.Context, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.ResyncRequests.WithLabelValues(string(exchange.Bitfinex), symbol).Inc()

	f.mu.Lock()
	chanID, ok := f.channelOf(symbol)
	if ok {
		f.resubscribe[symbol] = true
	}
	f.mu.Unlock()

	if !ok {
		return f.subscribe(symbol)
	}
	f.logger.Info().Str("symbol", symbol).Int64("chan_id", chanID).Msg("resubscribing for a fresh snapshot")
	return f.write(UnsubscribeRequest{Event: "unsubscribe", ChanID: chanID})
}

// IsConnected reports whether the websocket is up
func (f *Feed) IsConnected() bool {
	return f.health.Status().Connected
}

// Health returns connection health information
func (f *Feed) Health() exchange.HealthStatus {
	return f.health.Status()
}

func (f *Feed) subscribe(symbol string) error {
	req := SubscribeRequest{
		Event:   "subscribe",
		Channel: "book",
		Symbol:  symbol,
		Prec:    f.cfg.Precision,
		Freq:    f.cfg.Frequency,
		Len:     strconv.Itoa(f.cfg.Length),
	}
	if err := f.write(req); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
	}
	f.logger.Info().Str("symbol", symbol).Str("prec", f.cfg.Precision).Msg("subscribed to book channel")
	return nil
}

func (f *Feed) write(v interface{}) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.wsConn.WriteJSON(v); err != nil {
		f.health.Error()
		return err
	}
	return nil
}

// channelOf must be called with mu held.
func (f *Feed) channelOf(symbol string) (int64, bool) {
	for id, s := range f.channels {
		if s == symbol {
			return id, true
		}
	}
	return 0, false
}

// readMessages continuously reads websocket messages
func (f *Feed) readMessages() {
	defer close(f.events)
	defer f.health.SetConnected(false)

	for {
		_, message, err := f.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
			default:
				f.health.Error()
				f.logger.Error().Err(err).Msg("websocket read error")
			}
			return
		}
		f.health.Message()

		if len(message) > 0 && message[0] == '{' {
			f.handleEvent(message)
			continue
		}
		if !f.handleFrame(message) {
			return
		}
	}
}

func (f *Feed) handleEvent(message []byte) {
	var msg EventMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.health.Error()
		f.logger.Warn().Err(err).Msg("failed to decode event message")
		return
	}

	switch msg.Event {
	case "info":
		f.logger.Info().Int("version", msg.Version).Int("code", msg.Code).Str("msg", msg.Msg).Msg("venue info")
	case "conf":
		f.logger.Debug().Int("flags", msg.Flags).Str("status", msg.Status).Msg("connection flags acknowledged")
	case "subscribed":
		f.mu.Lock()
		f.channels[msg.ChanID] = msg.Symbol
		f.mu.Unlock()
		f.logger.Debug().Str("symbol", msg.Symbol).Int64("chan_id", msg.ChanID).Msg("channel subscribed")
	case "unsubscribed":
		f.mu.Lock()
		symbol, known := f.channels[msg.ChanID]
		delete(f.channels, msg.ChanID)
		again := known && f.resubscribe[symbol]
		delete(f.resubscribe, symbol)
		f.mu.Unlock()
		if again {
			if err := f.subscribe(symbol); err != nil {
				f.logger.Error().Err(err).Str("symbol", symbol).Msg("resubscribe failed")
			}
		}
	case "error":
		f.health.Error()
		f.logger.Error().Int("code", msg.Code).Str("msg", msg.Msg).Str("symbol", msg.Symbol).Msg("venue error")
	default:
		f.logger.Debug().Str("event", msg.Event).Msg("ignoring event")
	}
}

// handleFrame decodes a channel frame and forwards book data. It returns false
// once the feed is shutting down.
func (f *Feed) handleFrame(message []byte) bool {
	fr, err := parseFrame(message)
	if err != nil {
		f.health.Error()
		f.logger.Warn().Err(err).Msg("failed to decode frame")
		return true
	}
	if fr.Kind == frameHeartbeat || fr.Kind == frameChecksum {
		return true
	}

	f.mu.Lock()
	symbol, ok := f.channels[fr.ChanID]
	f.mu.Unlock()
	if !ok {
		f.logger.Debug().Int64("chan_id", fr.ChanID).Msg("frame for unknown channel")
		return true
	}

	ev := &orderbook.Event{
		Symbol:    symbol,
		Type:      orderbook.Delta,
		Timestamp: fr.Timestamp,
		Entries:   fr.Entries,
	}
	if fr.Kind == frameSnapshot {
		ev.Type = orderbook.Snapshot
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return exchange.Emit(f.ctx, f.done, f.events, ev)
}
