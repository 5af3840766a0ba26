// Package sequencer serializes book events per symbol while letting
// different symbols apply concurrently.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"

	"github.com/rs/zerolog"
)

var (
	// ErrNilEvent is returned for nil events and events without a symbol.
	ErrNilEvent = errors.New("nil or malformed event")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("sequencer closed")
	// ErrQueueFull is returned under DropNewest when a symbol's queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrPanic wraps a panic recovered from an apply function.
	ErrPanic = errors.New("apply panicked")
)

// ApplyFunc folds one event into its symbol's state.
type ApplyFunc func(ev *orderbook.Event) error

// ErrorHandler receives every failed apply. It runs on the symbol's worker.
type ErrorHandler func(symbol string, ev *orderbook.Event, err error)

// Overflow selects what a bounded queue does when full.
type Overflow int

const (
	// Block makes Enqueue wait for room.
	Block Overflow = iota
	// DropNewest rejects the incoming event with ErrQueueFull.
	DropNewest
)

func (o Overflow) String() string {
	switch o {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	default:
		return fmt.Sprintf("overflow(%d)", int(o))
	}
}

// ParseOverflow maps a config value onto an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return Block, nil
	case "drop", "drop_newest", "dropnewest":
		return DropNewest, nil
	default:
		return Block, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Options configures a Sequencer.
type Options struct {
	// Capacity bounds each symbol's queue. Zero means unbounded.
	Capacity int
	Overflow Overflow
	// ErrorHandler is called for failed or panicking applies. Nil only logs.
	ErrorHandler ErrorHandler
	Logger       zerolog.Logger
}

type item struct {
	ev    *orderbook.Event
	apply ApplyFunc
}

type queue struct {
	symbol string
	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	seq    uint64
	// stopping ends the worker once items drain; discard drops what is left.
	stopping bool
	discard  bool
}

// Sequencer owns one FIFO queue and one worker goroutine per symbol.
type Sequencer struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// New returns an empty Sequencer. Queues are created on first use.
func New(opts Options) *Sequencer {
	return &Sequencer{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "sequencer").Logger(),
		queues: make(map[string]*queue),
	}
}

// Enqueue appends ev to symbol's queue. An event with a zero Seq is queued
// as a copy stamped with its arrival number on that queue; the caller's
// event is never written.
func (s *Sequencer) Enqueue(symbol string, ev *orderbook.Event, apply ApplyFunc) error {
	if ev == nil || symbol == "" || apply == nil {
		return ErrNilEvent
	}
	q, err := s.queue(symbol)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if s.opts.Capacity > 0 {
		for len(q.items) >= s.opts.Capacity && !q.stopping {
			if s.opts.Overflow == DropNewest {
				metrics.QueueDropped.WithLabelValues(symbol).Inc()
				return fmt.Errorf("%s: %w", symbol, ErrQueueFull)
			}
			q.cond.Wait()
		}
	}
	if q.stopping {
		return ErrClosed
	}
	q.seq++
	if ev.Seq == 0 {
		stamped := *ev
		stamped.Seq = q.seq
		ev = &stamped
	}
	q.items = append(q.items, item{ev: ev, apply: apply})
	metrics.QueueDepth.WithLabelValues(symbol).Set(float64(len(q.items)))
	q.cond.Broadcast()
	return nil
}

// queue returns symbol's queue, creating it and its worker exactly once.
func (s *Sequencer) queue(symbol string) (*queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if q, ok := s.queues[symbol]; ok {
		return q, nil
	}
	q := &queue{symbol: symbol}
	q.cond = sync.NewCond(&q.mu)
	s.queues[symbol] = q
	s.wg.Add(1)
	go s.run(q)
	s.logger.Debug().Str("symbol", symbol).Msg("queue started")
	return q, nil
}

func (s *Sequencer) run(q *queue) {
	defer s.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.discard || (q.stopping && len(q.items) == 0) {
			dropped := len(q.items)
			q.items = nil
			q.cond.Broadcast()
			q.mu.Unlock()
			if dropped > 0 {
				s.logger.Warn().Str("symbol", q.symbol).Int("dropped", dropped).Msg("discarded pending events on shutdown")
			}
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		metrics.QueueDepth.WithLabelValues(q.symbol).Set(float64(len(q.items)))
		q.cond.Broadcast()
		q.mu.Unlock()

		if err := s.invoke(it); err != nil {
			s.report(q.symbol, it.ev, err)
		}
	}
}

func (s *Sequencer) invoke(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return it.apply(it.ev)
}

func (s *Sequencer) report(symbol string, ev *orderbook.Event, err error) {
	if s.opts.ErrorHandler == nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Uint64("seq", ev.Seq).Msg("apply failed")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("symbol", symbol).Msg("error handler panicked")
		}
	}()
	s.opts.ErrorHandler(symbol, ev, err)
}

// Len returns the number of events waiting for symbol.
func (s *Sequencer) Len(symbol string) int {
	s.mu.Lock()
	q, ok := s.queues[symbol]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Symbols returns the symbols with a queue, sorted.
func (s *Sequencer) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for sym := range s.queues {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Close stops intake and waits for every queue to drain. If ctx ends first
// the remaining events are discarded and ctx.Err is returned once the
// in-flight applies finish.
func (s *Sequencer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queues := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.stopping = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, q := range queues {
			q.mu.Lock()
			q.discard = true
			q.cond.Broadcast()
			q.mu.Unlock()
		}
		<-done
		return ctx.Err()
	}
}
