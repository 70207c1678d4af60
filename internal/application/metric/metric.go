package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active relay websocket connections",
		},
	)

	signalsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_published_total",
			Help: "Signaling messages published, by type",
		},
		[]string{"type"},
	)

	signalsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_received_total",
			Help: "Signaling messages received, by type",
		},
		[]string{"type"},
	)

	publishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signaling_publish_retries_total",
			Help: "Publish attempts that had to be retried",
		},
	)

	glareOffersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "negotiation_glare_offers_dropped_total",
			Help: "Inbound offers dropped by the impolite side during glare",
		},
	)

	staleMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signaling_stale_messages_dropped_total",
			Help: "Messages discarded as stale",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "call_sessions_active",
			Help: "Call sessions currently registered",
		},
	)
)

// RecordHTTPMetrics records one handled HTTP request.
func RecordHTTPMetrics(method, endpoint string, status int, duration time.Duration) {
	strStatus := strconv.Itoa(status)

	httpRequestsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, strStatus).Observe(duration.Seconds())
}

func IncrementWSActiveConnections() { wsActiveConnections.Inc() }
func DecrementWSActiveConnections() { wsActiveConnections.Dec() }

func SignalPublished(msgType string) { signalsPublished.WithLabelValues(msgType).Inc() }
func SignalReceived(msgType string)  { signalsReceived.WithLabelValues(msgType).Inc() }
func PublishRetried()                { publishRetries.Inc() }
func GlareOfferDropped()             { glareOffersDropped.Inc() }
func StaleMessageDropped()           { staleMessagesDropped.Inc() }

func IncrementActiveSessions() { activeSessions.Inc() }
func DecrementActiveSessions() { activeSessions.Dec() }
