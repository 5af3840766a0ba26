package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fastbook/internal/exchange"
	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// maxBuffered bounds the diffs held while a snapshot is in flight
const maxBuffered = 10000

// bookSync tracks one symbol's position in the diff stream
type bookSync struct {
	mu           sync.Mutex
	synced       bool
	lastUpdateID int64
	buffer       []*DepthUpdate
}

// SpotFeed implements exchange.Feed for Binance Spot: a REST depth snapshot
// followed by the diff depth stream.
type SpotFeed struct {
	cfg        Config
	logger     zerolog.Logger
	health     *exchange.HealthTracker
	httpClient *http.Client

	wsConn *websocket.Conn
	events chan *orderbook.Event
	emitMu sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	books map[string]*bookSync
}

// NewSpotFeed creates a new Binance Spot feed instance
func NewSpotFeed(config Config) *SpotFeed {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	books := make(map[string]*bookSync, len(config.Symbols))
	symbols := make([]string, len(config.Symbols))
	for i, s := range config.Symbols {
		symbols[i] = strings.ToUpper(s)
		books[symbols[i]] = &bookSync{}
	}
	config.Symbols = symbols

	return &SpotFeed{
		cfg:        config,
		logger:     config.Logger.With().Str("feed", string(exchange.Binance)).Logger(),
		health:     exchange.NewHealthTracker(exchange.Binance),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan *orderbook.Event, config.BufferSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		books:      books,
	}
}

// GetName returns the feed name
func (f *SpotFeed) GetName() exchange.FeedName {
	return exchange.Binance
}

// Symbols returns the subscribed symbols
func (f *SpotFeed) Symbols() []string {
	return append([]string(nil), f.cfg.Symbols...)
}

func (f *SpotFeed) streamURL() string {
	streams := make([]string, len(f.cfg.Symbols))
	for i, s := range f.cfg.Symbols {
		streams[i] = strings.ToLower(s) + "@depth@100ms"
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.cfg.WSURL, strings.Join(streams, "/"))
}

// Connect opens the diff stream, then loads a snapshot per symbol.
// Diffs that arrive before their snapshot are buffered and replayed.
func (f *SpotFeed) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.streamURL(), nil)
	if err != nil {
		f.health.Error()
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	f.wsConn = conn
	f.health.SetConnected(true)
	f.logger.Info().Strs("symbols", f.cfg.Symbols).Msg("websocket connected")

	go f.readMessages()

	for _, symbol := range f.cfg.Symbols {
		if err := f.loadSnapshot(ctx, symbol); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the websocket connection
func (f *SpotFeed) Close() error {
	f.cancel()
	if f.wsConn == nil {
		return nil
	}
	var err error
	f.once.Do(func() {
		close(f.done)
		werr := f.wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if werr != nil {
			f.logger.Debug().Err(werr).Msg("error sending close message")
		}
		f.health.SetConnected(false)
		err = f.wsConn.Close()
	})
	return err
}

// Events returns the channel of decoded book events
func (f *SpotFeed) Events() <-chan *orderbook.Event {
	return f.events
}

// Resync drops symbol's stream position and reloads its snapshot
func (f *SpotFeed) Resync(ctx context.Context, symbol string) error {
	book, ok := f.books[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}
	metrics.ResyncRequests.WithLabelValues(string(exchange.Binance), symbol).Inc()

	book.mu.Lock()
	book.synced = false
	book.buffer = nil
	book.mu.Unlock()
	return f.loadSnapshot(ctx, symbol)
}

// IsConnected reports whether the websocket is up
func (f *SpotFeed) IsConnected() bool {
	return f.health.Status().Connected
}

// Health returns connection health information
func (f *SpotFeed) Health() exchange.HealthStatus {
	return f.health.Status()
}

// GetSnapshot fetches symbol's orderbook snapshot via REST API
func (f *SpotFeed) GetSnapshot(ctx context.Context, symbol string) (*SnapshotResponse, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", f.cfg.RESTURL, symbol, f.cfg.Depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.health.Error()
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.health.Error()
		return nil, fmt.Errorf("snapshot request for %s returned %s", symbol, resp.Status)
	}

	var snapshot SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		f.health.Error()
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// loadSnapshot emits a snapshot event for symbol and replays buffered diffs past it
func (f *SpotFeed) loadSnapshot(ctx context.Context, symbol string) error {
	f.logger.Info().Str("symbol", symbol).Msg("fetching orderbook snapshot")
	snap, err := f.GetSnapshot(ctx, symbol)
	if err != nil {
		return err
	}
	entries, err := snapshotEntries(snap)
	if err != nil {
		f.health.Error()
		return fmt.Errorf("failed to convert snapshot: %w", err)
	}

	book := f.books[symbol]
	book.mu.Lock()
	defer book.mu.Unlock()

	ev := &orderbook.Event{Symbol: symbol, Type: orderbook.Snapshot, Timestamp: time.Now(), Entries: entries}
	if !f.emit(ev) {
		return fmt.Errorf("feed stopped before %s snapshot: %w", symbol, context.Canceled)
	}
	book.lastUpdateID = snap.LastUpdateID
	book.synced = true

	pending := book.buffer
	book.buffer = nil
	for i, u := range pending {
		if !f.applyDiff(symbol, book, u) {
			book.buffer = append(book.buffer, pending[i+1:]...)
			break
		}
	}
	f.logger.Debug().Str("symbol", symbol).Int64("last_update_id", snap.LastUpdateID).Int("replayed", len(pending)).Msg("snapshot loaded")
	return nil
}

// applyDiff must be called with book.mu held. It returns false when the
// stream has a gap and the book needs a new snapshot.
func (f *SpotFeed) applyDiff(symbol string, book *bookSync, u *DepthUpdate) bool {
	if u.FinalUpdateID <= book.lastUpdateID {
		return true
	}
	if u.FirstUpdateID > book.lastUpdateID+1 {
		f.health.Error()
		f.logger.Warn().
			Str("symbol", symbol).
			Int64("expected", book.lastUpdateID+1).
			Int64("first_update_id", u.FirstUpdateID).
			Msg("gap in diff stream, reloading snapshot")
		book.synced = false
		book.buffer = []*DepthUpdate{u}
		go func() {
			if err := f.loadSnapshot(f.ctx, symbol); err != nil {
				f.logger.Error().Err(err).Str("symbol", symbol).Msg("snapshot reload failed")
			}
		}()
		return false
	}

	entries, err := updateEntries(u)
	if err != nil {
		f.health.Error()
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("failed to convert depth update")
		return true
	}
	book.lastUpdateID = u.FinalUpdateID
	if len(entries) == 0 {
		return true
	}
	ev := &orderbook.Event{
		Symbol:    symbol,
		Type:      orderbook.Delta,
		Timestamp: time.UnixMilli(u.EventTime),
		Entries:   entries,
	}
	return f.emit(ev)
}

// emit forwards ev unless the reader has already closed the events channel.
// Snapshot reloads run outside the reader goroutine.
func (f *SpotFeed) emit(ev *orderbook.Event) bool {
	f.emitMu.RLock()
	defer f.emitMu.RUnlock()
	if f.closed {
		return false
	}
	return exchange.Emit(f.ctx, f.done, f.events, ev)
}

// readMessages continuously reads websocket messages
func (f *SpotFeed) readMessages() {
	defer func() {
		f.health.SetConnected(false)
		f.cancel()
		f.emitMu.Lock()
		f.closed = true
		close(f.events)
		f.emitMu.Unlock()
	}()

	for {
		var msg WSMessage
		if err := f.wsConn.ReadJSON(&msg); err != nil {
			select {
			case <-f.done:
			default:
				f.health.Error()
				f.logger.Error().Err(err).Msg("websocket read error")
			}
			return
		}
		f.health.Message()

		symbol := strings.ToUpper(msg.Data.Symbol)
		book, ok := f.books[symbol]
		if !ok {
			continue
		}
		update := msg.Data

		book.mu.Lock()
		if !book.synced {
			if len(book.buffer) < maxBuffered {
				book.buffer = append(book.buffer, &update)
			}
			book.mu.Unlock()
			continue
		}
		f.applyDiff(symbol, book, &update)
		book.mu.Unlock()

		select {
		case <-f.done:
			return
		default:
		}
	}
}
