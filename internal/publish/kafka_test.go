package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fastbook/internal/orderbook"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
	block  chan struct{}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testView(t *testing.T) *orderbook.View {
	t.Helper()
	ob := orderbook.New("tBTCUSD", orderbook.Options{Logger: zerolog.Nop()})
	_, err := ob.Apply(&orderbook.Event{
		Symbol:    "tBTCUSD",
		Type:      orderbook.Snapshot,
		Timestamp: time.UnixMilli(1700000000000),
		Seq:       42,
		Entries: []orderbook.Entry{
			{Price: 100, Count: 1, Amount: -1.5},
			{Price: 100.5, Count: 1, Amount: -2},
			{Price: 101, Count: 1, Amount: -3},
			{Price: 99.5, Count: 1, Amount: 4},
			{Price: 99, Count: 1, Amount: 5},
		},
	})
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return ob.View()
}

func TestPublisherWritesKeyedRecord(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, 2, zerolog.Nop())

	if err := p.OnBookUpdated(context.Background(), "tBTCUSD", testView(t)); err != nil {
		t.Fatalf("OnBookUpdated returned %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, expected 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "tBTCUSD" {
		t.Errorf("key = %q, expected tBTCUSD", msg.Key)
	}
	if !msg.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("message time = %v", msg.Time)
	}

	var rec BookUpdate
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.RunID != p.RunID() || rec.Seq != 42 || rec.Type != "snapshot" || !rec.Valid {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(rec.Bids) != 2 || rec.Bids[0] != (Level{"99.5", "4"}) || rec.Bids[1] != (Level{"99", "5"}) {
		t.Errorf("unexpected bids %v", rec.Bids)
	}
	if len(rec.Asks) != 2 || rec.Asks[0] != (Level{"100", "1.5"}) {
		t.Errorf("unexpected asks %v", rec.Asks)
	}
	if rec.TickSize != "0.01" {
		t.Errorf("tick size = %s, expected 0.01", rec.TickSize)
	}
}

func TestPublisherLogsWriteErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("broker unavailable")
	p := NewPublisher(&fakeWriter{err: boom}, 0, zerolog.New(&buf))

	if err := p.OnBookUpdated(context.Background(), "tBTCUSD", testView(t)); err != nil {
		t.Fatalf("a broker error should not reach the caller, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "broker unavailable") || !strings.Contains(out, `"seq":42`) {
		t.Errorf("expected the write failure logged with its sequence, got %s", out)
	}
}

func TestPublisherDoesNotWaitForBroker(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := newPublisher(w, 0, 1, zerolog.Nop())
	v := testView(t)

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		start := time.Now()
		err = p.OnBookUpdated(ctx, "tBTCUSD", v)
		cancel()
		if time.Since(start) > time.Second {
			t.Fatal("OnBookUpdated waited on the broker past its context")
		}
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected a full buffer to hit the deadline, got %v", err)
	}

	close(w.block)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if len(w.msgs) == 0 {
		t.Error("queued updates were not flushed on close")
	}
	if err := p.OnBookUpdated(context.Background(), "tBTCUSD", v); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestPublisherHonoursContext(t *testing.T) {
	p := NewPublisher(&fakeWriter{}, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.OnBookUpdated(ctx, "tBTCUSD", testView(t)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPublisherClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, 0, zerolog.Nop())
	if p.Name() != "kafka" {
		t.Errorf("name = %s", p.Name())
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestNewWriter(t *testing.T) {
	w := NewWriter([]string{"localhost:9092"}, "book.updates")
	defer w.Close()
	if w.Topic != "book.updates" || w.RequiredAcks != kafka.RequireAll {
		t.Errorf("unexpected writer %+v", w)
	}
}
