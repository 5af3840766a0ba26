// Package client wires feeds, the sequencer and per-symbol books together and
// fans applied updates out to subscribers.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"
	"fastbook/internal/sequencer"

	"github.com/rs/zerolog"
)

const (
	DefaultNotifyTimeout = 250 * time.Millisecond
	DefaultResyncTimeout = 15 * time.Second
)

// Subscriber is notified once per applied event that changed a book.
// Implementations must honour ctx; it carries the notify deadline.
type Subscriber interface {
	OnBookUpdated(ctx context.Context, symbol string, v *orderbook.View) error
}

// Named is implemented by subscribers that want a stable metrics label.
type Named interface {
	Name() string
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, symbol string, v *orderbook.View) error

// OnBookUpdated calls f.
func (f SubscriberFunc) OnBookUpdated(ctx context.Context, symbol string, v *orderbook.View) error {
	return f(ctx, symbol, v)
}

// Resyncer can request a fresh snapshot for a symbol. exchange.Feed satisfies it.
type Resyncer interface {
	Resync(ctx context.Context, symbol string) error
}

// Source is a feed the client can drain.
type Source interface {
	Resyncer
	Symbols() []string
	Events() <-chan *orderbook.Event
}

// Options configures a Client.
type Options struct {
	Book orderbook.Options
	// Precision overrides Book.Precision per symbol.
	Precision     map[string]int
	Queue         sequencer.Options
	NotifyTimeout time.Duration
	ResyncTimeout time.Duration
	Logger        zerolog.Logger
}

// Client owns every book in the process. Construct one and pass it to the
// components that need it.
type Client struct {
	opts   Options
	logger zerolog.Logger
	seq    *sequencer.Sequencer

	mu        sync.RWMutex
	books     map[string]*orderbook.OrderBook
	resyncers map[string]Resyncer
	resyncing map[string]bool

	subMu       sync.RWMutex
	subscribers []Subscriber

	wg sync.WaitGroup
}

// New creates a Client with no books.
func New(opts Options) *Client {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = DefaultNotifyTimeout
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = DefaultResyncTimeout
	}
	c := &Client{
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "client").Logger(),
		books:     make(map[string]*orderbook.OrderBook),
		resyncers: make(map[string]Resyncer),
		resyncing: make(map[string]bool),
	}
	q := opts.Queue
	q.ErrorHandler = c.handleError
	q.Logger = opts.Logger
	c.seq = sequencer.New(q)
	return c
}

// Subscribe registers s for book updates.
func (c *Client) Subscribe(s Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, s)
}

// Attach routes resync requests for symbols to r.
func (c *Client) Attach(r Resyncer, symbols ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		c.resyncers[s] = r
	}
}

// Run attaches src and enqueues its events until the channel closes or ctx ends.
func (c *Client) Run(ctx context.Context, src Source) error {
	c.Attach(src, src.Symbols()...)
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Enqueue(ev); err != nil {
				if errors.Is(err, sequencer.ErrClosed) {
					return err
				}
				c.logger.Warn().Err(err).Str("symbol", ev.Symbol).Msg("event rejected")
			}
		}
	}
}

// Enqueue schedules ev on its symbol's queue.
func (c *Client) Enqueue(ev *orderbook.Event) error {
	if ev == nil {
		return sequencer.ErrNilEvent
	}
	return c.seq.Enqueue(ev.Symbol, ev, c.apply)
}

// View returns the latest view of symbol's book.
func (c *Client) View(symbol string) (*orderbook.View, bool) {
	c.mu.RLock()
	ob, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ob.View(), true
}

// Views returns the latest view of every book keyed by symbol.
func (c *Client) Views() map[string]*orderbook.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*orderbook.View, len(c.books))
	for sym, ob := range c.books {
		out[sym] = ob.View()
	}
	return out
}

// Symbols returns the symbols with a book, sorted.
func (c *Client) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.books))
	for sym := range c.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// QueueLen returns the number of events waiting for symbol.
func (c *Client) QueueLen(symbol string) int {
	return c.seq.Len(symbol)
}

// Close drains the queues and waits for in-flight resync requests.
func (c *Client) Close(ctx context.Context) error {
	err := c.seq.Close(ctx)
	c.wg.Wait()
	return err
}

// book returns symbol's book, creating it on first use.
func (c *Client) book(symbol string) *orderbook.OrderBook {
	c.mu.RLock()
	ob, ok := c.books[symbol]
	c.mu.RUnlock()
	if ok {
		return ob
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ob, ok := c.books[symbol]; ok {
		return ob
	}
	opts := c.opts.Book
	if p, ok := c.opts.Precision[symbol]; ok {
		opts.Precision = p
	}
	opts.Logger = c.opts.Logger
	ob = orderbook.New(symbol, opts)
	c.books[symbol] = ob
	c.logger.Info().Str("symbol", symbol).Int("precision", opts.Precision).Msg("book created")
	return ob
}

// apply runs on the symbol's sequencer worker.
func (c *Client) apply(ev *orderbook.Event) error {
	ob := c.book(ev.Symbol)
	changed, err := ob.Apply(ev)
	if err != nil {
		return err
	}
	if ev.Type == orderbook.Snapshot {
		c.mu.Lock()
		delete(c.resyncing, ev.Symbol)
		c.mu.Unlock()
	}
	if changed {
		c.notify(ev.Symbol, ob.View())
	}
	return nil
}

func (c *Client) notify(symbol string, v *orderbook.View) {
	c.subMu.RLock()
	subs := c.subscribers
	c.subMu.RUnlock()

	for _, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.NotifyTimeout)
		err := s.OnBookUpdated(ctx, symbol, v)
		cancel()
		if err != nil {
			name := subscriberName(s)
			metrics.NotifyFailures.WithLabelValues(name).Inc()
			c.logger.Warn().Err(err).Str("symbol", symbol).Str("subscriber", name).Msg("notify failed")
		}
	}
}

// handleError runs on the symbol's sequencer worker after a failed apply.
func (c *Client) handleError(symbol string, ev *orderbook.Event, err error) {
	c.logger.Error().
		Err(err).
		Str("symbol", symbol).
		Str("type", ev.Type.String()).
		Uint64("seq", ev.Seq).
		Time("event_time", ev.Timestamp).
		Msg("event failed, book out of sync")

	c.mu.RLock()
	ob, ok := c.books[symbol]
	c.mu.RUnlock()
	if ok {
		ob.MarkDesynced(err)
	}
	if ev.Type == orderbook.Snapshot {
		// The requested snapshot arrived and was rejected; ask again.
		c.mu.Lock()
		delete(c.resyncing, symbol)
		c.mu.Unlock()
	}
	c.requestResync(symbol)
}

// requestResync asks the symbol's feed for a snapshot once per desync.
func (c *Client) requestResync(symbol string) {
	c.mu.Lock()
	r, ok := c.resyncers[symbol]
	if !ok || c.resyncing[symbol] {
		c.mu.Unlock()
		return
	}
	c.resyncing[symbol] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ResyncTimeout)
		defer cancel()
		if err := r.Resync(ctx, symbol); err != nil {
			c.logger.Error().Err(err).Str("symbol", symbol).Msg("resync request failed")
			c.mu.Lock()
			delete(c.resyncing, symbol)
			c.mu.Unlock()
			return
		}
		c.logger.Info().Str("symbol", symbol).Msg("resync requested")
	}()
}

func subscriberName(s Subscriber) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}
