package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TradesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trades_ingested_total", Help: "Trades accepted into the buffer"},
	)
	DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "decode_errors_total", Help: "Upstream frames dropped by the decoder"},
		[]string{"reason"},
	)
	Flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "buffer_flushes_total", Help: "Non-empty flush attempts by outcome"},
		[]string{"outcome"},
	)
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buffer_flush_duration_seconds",
			Help:    "Time spent persisting one batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
	BufferLength = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "buffer_length", Help: "Trades currently waiting for a flush"},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "broadcast_subscribers", Help: "Registered broadcast subscribers"},
	)
	BroadcastDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broadcast_drops_total", Help: "Payloads a subscriber could not accept"},
		[]string{"subscriber"},
	)
	RelayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_publish_failures_total", Help: "Batches a relay failed to forward"},
		[]string{"relay"},
	)
	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "feed_reconnects_total", Help: "Upstream reconnect attempts"},
	)
)

func init() {
	prometheus.MustRegister(
		TradesIngested, DecodeErrors, Flushes, FlushDuration,
		BufferLength, Subscribers, BroadcastDrops, RelayFailures, FeedReconnects,
	)
}

// Handler exposes the default registry for mounting on an existing mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
