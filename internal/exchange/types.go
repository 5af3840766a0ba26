package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"
)

// FeedName identifies a supported venue feed
type FeedName string

const (
	Bitfinex FeedName = "bitfinex"
	Binance  FeedName = "binance"
)

// Feed is a venue connection that decodes raw book messages into normalized events
type Feed interface {
	// GetName returns the feed name (e.g., "bitfinex")
	GetName() FeedName

	// Symbols returns the symbols the feed subscribes to, in venue notation
	Symbols() []string

	// Connect establishes the connection and starts delivering events
	Connect(ctx context.Context) error

	// Close closes the connection gracefully
	Close() error

	// Events returns the channel of decoded snapshots and deltas.
	// It is closed when the connection ends.
	Events() <-chan *orderbook.Event

	// Resync asks the venue for a fresh snapshot of symbol
	Resync(ctx context.Context, symbol string) error

	// IsConnected returns connection status
	IsConnected() bool

	// Health returns connection health information
	Health() HealthStatus
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool
	LastPing      time.Time
	MessageCount  int64
	ErrorCount    int64
	ReconnectTime *time.Time
}

// HealthTracker keeps a feed's HealthStatus and mirrors it into prometheus.
type HealthTracker struct {
	feed   FeedName
	mu     sync.Mutex   // serializes read-modify-write updates
	status atomic.Value // stores HealthStatus
}

// NewHealthTracker returns a tracker for a disconnected feed.
func NewHealthTracker(feed FeedName) *HealthTracker {
	h := &HealthTracker{feed: feed}
	h.status.Store(HealthStatus{})
	return h
}

// Status returns the current health snapshot.
func (h *HealthTracker) Status() HealthStatus {
	if status, ok := h.status.Load().(HealthStatus); ok {
		return status
	}
	return HealthStatus{}
}

// SetConnected records a connection state change
func (h *HealthTracker) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.Status()
	status.Connected = connected
	if !connected {
		now := time.Now()
		status.ReconnectTime = &now
	}
	h.status.Store(status)
}

// Message records one received message
func (h *HealthTracker) Message() {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.Status()
	status.MessageCount++
	status.LastPing = time.Now()
	h.status.Store(status)
	metrics.FeedMessagesTotal.WithLabelValues(string(h.feed)).Inc()
}

// Error records one read, decode or connection error
func (h *HealthTracker) Error() {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.Status()
	status.ErrorCount++
	h.status.Store(status)
	metrics.FeedErrorsTotal.WithLabelValues(string(h.feed)).Inc()
}

// Emit delivers ev on ch, blocking until ctx or done ends. It never drops.
func Emit(ctx context.Context, done <-chan struct{}, ch chan<- *orderbook.Event, ev *orderbook.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-done:
		return false
	}
}
