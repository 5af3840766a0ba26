// Package publish forwards applied book updates to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fastbook/internal/aggregation"
	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	DefaultDepth  = 10
	DefaultBuffer = 4096

	maxBatch     = 256
	writeTimeout = 10 * time.Second
)

var ErrClosed = errors.New("publisher closed")

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Level is one [price, size] pair rendered as decimal strings.
type Level [2]string

// BookUpdate is the record published for every applied event.
type BookUpdate struct {
	RunID     string  `json:"run_id"`
	Symbol    string  `json:"symbol"`
	Seq       uint64  `json:"seq"`
	Type      string  `json:"type"`
	Valid     bool    `json:"valid"`
	Desynced  bool    `json:"desynced"`
	TickSize  string  `json:"tick_size"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	EventTime int64   `json:"event_time"`
	FeedDelay int64   `json:"feed_delay_ms"`
}

// Publisher writes one Kafka message per book update, keyed by symbol.
// Updates are handed to a background writer so a slow broker never
// stalls the symbol's worker.
type Publisher struct {
	writer MessageWriter
	runID  string
	depth  int
	logger zerolog.Logger

	queue     chan pending
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type pending struct {
	msg kafka.Message
	seq uint64
}

// NewWriter returns a synchronous writer that waits for every in-sync replica.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewPublisher wraps w and starts its writer loop. A depth <= 0 selects DefaultDepth.
func NewPublisher(w MessageWriter, depth int, logger zerolog.Logger) *Publisher {
	return newPublisher(w, depth, DefaultBuffer, logger)
}

func newPublisher(w MessageWriter, depth, buffer int, logger zerolog.Logger) *Publisher {
	if depth <= 0 {
		depth = DefaultDepth
	}
	p := &Publisher{
		writer:  w,
		runID:   uuid.NewString(),
		depth:   depth,
		queue:   make(chan pending, buffer),
		closing: make(chan struct{}),
	}
	p.logger = logger.With().Str("component", "kafka").Str("run_id", p.runID).Logger()
	p.wg.Add(1)
	go p.run()
	return p
}

// Name labels the publisher in notify metrics.
func (p *Publisher) Name() string { return "kafka" }

// RunID identifies this process's records.
func (p *Publisher) RunID() string { return p.runID }

// OnBookUpdated queues v for the writer loop. It blocks only while the
// buffer is full, bounded by ctx. Broker errors are logged and counted by
// the loop rather than returned here.
func (p *Publisher) OnBookUpdated(ctx context.Context, symbol string, v *orderbook.View) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.closing:
		return ErrClosed
	default:
	}
	value, err := json.Marshal(p.record(v))
	if err != nil {
		return fmt.Errorf("marshal %s update: %w", symbol, err)
	}
	item := pending{
		msg: kafka.Message{Key: []byte(symbol), Value: value, Time: v.UpdateTime},
		seq: v.Seq,
	}
	select {
	case p.queue <- item:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("queue %s seq %d: %w", symbol, v.Seq, ctx.Err())
	}
}

// Close stops accepting updates, flushes what is queued and closes the writer.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.closing) })
	p.wg.Wait()
	p.logger.Info().Msg("closing kafka writer")
	return p.writer.Close()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case item := <-p.queue:
			p.write(p.collect(item))
		case <-p.closing:
			for {
				select {
				case item := <-p.queue:
					p.write(p.collect(item))
				default:
					return
				}
			}
		}
	}
}

// collect batches first with whatever else is already queued.
func (p *Publisher) collect(first pending) []pending {
	batch := append(make([]pending, 0, 16), first)
	for len(batch) < maxBatch {
		select {
		case item := <-p.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) write(batch []pending) {
	msgs := make([]kafka.Message, len(batch))
	for i, item := range batch {
		msgs[i] = item.msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		for _, item := range batch {
			symbol := string(item.msg.Key)
			metrics.PublishFailures.WithLabelValues(symbol).Inc()
			p.logger.Error().
				Err(err).
				Str("symbol", symbol).
				Uint64("seq", item.seq).
				Msg("kafka write failed")
		}
	}
}

func (p *Publisher) record(v *orderbook.View) BookUpdate {
	return BookUpdate{
		RunID:     p.runID,
		Symbol:    v.Symbol,
		Seq:       v.Seq,
		Type:      v.Type.String(),
		Valid:     v.Valid,
		Desynced:  v.Desynced,
		TickSize:  decimal.NewFromFloat(v.TickSize).String(),
		Bids:      levels(v.Levels(orderbook.Bid, p.depth), v.TickSize),
		Asks:      levels(v.Levels(orderbook.Ask, p.depth), v.TickSize),
		EventTime: v.UpdateTime.UnixMilli(),
		FeedDelay: v.FeedDelay.Milliseconds(),
	}
}

func levels(quotes []orderbook.Quote, tickSize float64) []Level {
	pl := aggregation.FromQuotes(quotes, tickSize)
	out := make([]Level, len(pl))
	for i, l := range pl {
		out[i] = Level{l.Price.String(), l.Quantity.String()}
	}
	return out
}
