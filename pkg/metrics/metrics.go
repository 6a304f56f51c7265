package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taplog_datalog_packets_fetched_total",
		Help: "Datalog packets dequeued from devices",
	})

	BundlesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taplog_datalog_bundles_decoded_total",
		Help: "Datalog packets decoded into bundles",
	})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taplog_datalog_decode_errors_total",
		Help: "Datalog packets rejected by the decoder, by reason",
	}, []string{"reason"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taplog_datalog_fetch_errors_total",
		Help: "Aborted datalog fetches, by failing operation",
	}, []string{"op"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taplog_datalog_fetch_duration_seconds",
		Help:    "Duration of a complete datalog fetch",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	TimeOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taplog_datalog_time_offset_milliseconds",
		Help: "Host minus device clock offset derived from the last fetch",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taplog_session_transitions_total",
		Help: "Session transition events emitted",
	}, []string{"event"})

	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taplog_hub_dropped_events_total",
		Help: "Events not delivered to a slow subscriber",
	})

	FeedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taplog_feed_errors_total",
		Help: "Errors reported by the datalog feed listener",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
