// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. Constructed
// once at process start and passed to the components that record them.
type Metrics struct {
	// Ingestion metrics
	TradesIngested    *prometheus.CounterVec
	LogDecodeFailures *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	NetworkHealthy    *prometheus.GaugeVec

	// Aggregation metrics
	CandlesCompleted  *prometheus.CounterVec
	SyntheticCandles  *prometheus.CounterVec
	PersistFailures   prometheus.Counter
	OpenCandles       prometheus.Gauge
	SweepForcedCloses prometheus.Counter

	// Broadcast metrics
	ConnectedClients prometheus.Gauge
	FramesSent       prometheus.Counter
	SendFailures     prometheus.Counter
	PushLatency      prometheus.Histogram
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "dex_kline_feed"
	}
	factory := promauto.With(reg)

	return &Metrics{
		TradesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_total",
			Help:      "Total number of trade events normalized and delivered",
		}, []string{"network"}),
		LogDecodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "log_decode_failures_total",
			Help:      "Total number of raw logs dropped as malformed",
		}, []string{"network"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reconnects_total",
			Help:      "Total number of node reconnection attempts",
		}, []string{"network"}),
		NetworkHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "network_healthy",
			Help:      "1 when the network's event subscription is live",
		}, []string{"network"}),

		CandlesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "candles_completed_total",
			Help:      "Total number of candles completed and persisted",
		}, []string{"interval"}),
		SyntheticCandles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "synthetic_candles_total",
			Help:      "Total number of gap-fill candles generated",
		}, []string{"interval"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "candle_persist_failures_total",
			Help:      "Total number of completed candles dropped on store failure",
		}),
		OpenCandles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "open_candles",
			Help:      "Number of candles currently open in memory",
		}),
		SweepForcedCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "sweep_forced_closes_total",
			Help:      "Total number of candles force-completed by the stale sweep",
		}),

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "connected_clients",
			Help:      "Number of WebSocket clients currently connected",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to clients",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "send_failures_total",
			Help:      "Total number of failed client writes",
		}),
		PushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "push_latency_seconds",
			Help:      "Time spent delivering one update to all matching clients",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
