// Package metrics holds the prometheus collectors exported by the book service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_events_applied_total", Help: "Events applied by symbol and update type"}, []string{"symbol", "type"})
	EventsFailedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_events_failed_total", Help: "Events rejected by symbol, update type and reason"}, []string{"symbol", "type", "reason"})
	AmbiguousUpdates   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_ambiguous_updates_total", Help: "Improving prices delivered as deletions"}, []string{"symbol", "side"})
	CrossedBooks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_crossed_total", Help: "Applies that left best bid at or above best ask"}, []string{"symbol"})
	Desyncs            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_desyncs_total", Help: "Books marked desynchronized after a failed event"}, []string{"symbol"})
	ResyncRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_resync_requests_total", Help: "Snapshot requests sent to the feed"}, []string{"feed", "symbol"})
	LadderLevels       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_ladder_levels", Help: "Allocated ladder length per symbol"}, []string{"symbol"})
	FeedDelayMs        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_feed_delay_ms", Help: "Receipt time minus event timestamp"}, []string{"symbol"})
	ApplyLatency       = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "book_apply_latency_us", Help: "Apply latency in microseconds", Buckets: prometheus.ExponentialBuckets(1, 2, 16)}, []string{"type"})
	QueueDepth         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sequencer_queue_depth", Help: "Pending events per symbol queue"}, []string{"symbol"})
	QueueDropped       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sequencer_dropped_total", Help: "Events dropped by a full queue"}, []string{"symbol"})
	NotifyFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_failures_total", Help: "Subscriber notifications that failed or timed out"}, []string{"subscriber"})
	PublishFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_failures_total", Help: "Book updates the broker rejected"}, []string{"symbol"})
	FeedMessagesTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_messages_total", Help: "Raw messages read per feed"}, []string{"feed"})
	FeedErrorsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_errors_total", Help: "Feed read, decode and connection errors"}, []string{"feed"})
	WSClients          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ws_clients", Help: "Connected websocket clients"})
)

// Init registers every collector on a fresh registry.
func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		EventsAppliedTotal, EventsFailedTotal, AmbiguousUpdates, CrossedBooks,
		Desyncs, ResyncRequests, LadderLevels, FeedDelayMs, ApplyLatency,
		QueueDepth, QueueDropped, NotifyFailures, PublishFailures, FeedMessagesTotal, FeedErrorsTotal, WSClients,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("metric registration failed")
		}
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

// Handler serves the registry in the prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
