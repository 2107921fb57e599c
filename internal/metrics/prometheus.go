package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the vhost-user transport.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Reactor
	fdSlotsInUse   prometheus.Gauge
	fdSlotsCap     prometheus.Gauge
	reactorWakeups prometheus.Counter

	// Connection lifecycle
	connectionsAccepted *prometheus.CounterVec
	connectionsTornDown *prometheus.CounterVec
	reconnectAttempts   *prometheus.CounterVec
	reconnectSuccesses  *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec

	// Memory installer
	memRegionsMapped *prometheus.GaugeVec
	guestPagesTotal  *prometheus.GaugeVec
	postcopyArmed    *prometheus.CounterVec

	// Message handling
	messageHandleDuration *prometheus.HistogramVec
	messagesTotal         *prometheus.CounterVec
	slaveRepliesTotal     *prometheus.CounterVec
}

var defaultBuckets = []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		fdSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reactor_fd_slots_in_use",
			Help:      "Number of reactor fd-table slots currently occupied",
		}),
		fdSlotsCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reactor_fd_slots_capacity",
			Help:      "Configured capacity of the reactor fd table",
		}),
		reactorWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactor_wakeups_total",
			Help:      "Total number of reactor poll-loop wakeups",
		}),

		connectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total connections successfully installed",
		}, []string{"endpoint"}),
		connectionsTornDown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_torn_down_total",
			Help:      "Total connections torn down, by reason",
		}, []string{"endpoint", "reason"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnect attempts made by the reconnect worker",
		}, []string{"endpoint"}),
		reconnectSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_successes_total",
			Help:      "Total reconnect attempts that completed a connection",
		}, []string{"endpoint"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of live connections per endpoint",
		}, []string{"endpoint"}),

		memRegionsMapped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mem_regions_mapped",
			Help:      "Number of guest memory regions mapped by the latest install, per endpoint",
		}, []string{"endpoint"}),
		guestPagesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guest_pages_total",
			Help:      "Number of coalesced guest-page index entries after the latest install, per endpoint",
		}, []string{"endpoint"}),
		postcopyArmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postcopy_armed_total",
			Help:      "Total regions successfully registered for postcopy userfault",
		}, []string{"endpoint"}),

		messageHandleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_duration_seconds",
			Help:      "Time spent in the message handler collaborator",
			Buckets:   buckets,
		}, []string{"request"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total messages read off connections, by outcome",
		}, []string{"request", "outcome"}),
		slaveRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slave_replies_total",
			Help:      "Total slave-channel replies processed, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		pm.fdSlotsInUse, pm.fdSlotsCap, pm.reactorWakeups,
		pm.connectionsAccepted, pm.connectionsTornDown,
		pm.reconnectAttempts, pm.reconnectSuccesses, pm.activeConnections,
		pm.memRegionsMapped, pm.guestPagesTotal, pm.postcopyArmed,
		pm.messageHandleDuration, pm.messagesTotal, pm.slaveRepliesTotal,
	)

	promMetrics = pm
}

// SetFDSlots records reactor fd-table occupancy.
func SetFDSlots(inUse, capacity int) {
	if promMetrics == nil {
		return
	}
	promMetrics.fdSlotsInUse.Set(float64(inUse))
	promMetrics.fdSlotsCap.Set(float64(capacity))
}

// RecordReactorWakeup increments the reactor wakeup counter.
func RecordReactorWakeup() {
	if promMetrics == nil {
		return
	}
	promMetrics.reactorWakeups.Inc()
}

// RecordConnectionAccepted increments the accepted-connections counter.
func RecordConnectionAccepted(endpoint string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsAccepted.WithLabelValues(endpoint).Inc()
}

// RecordConnectionTornDown increments the torn-down-connections counter.
func RecordConnectionTornDown(endpoint, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsTornDown.WithLabelValues(endpoint, reason).Inc()
}

// RecordReconnectAttempt increments the reconnect-attempts counter.
func RecordReconnectAttempt(endpoint string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconnectAttempts.WithLabelValues(endpoint).Inc()
}

// RecordReconnectSuccess increments the reconnect-successes counter.
func RecordReconnectSuccess(endpoint string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconnectSuccesses.WithLabelValues(endpoint).Inc()
}

// SetActiveConnections records the current connection count for an endpoint.
func SetActiveConnections(endpoint string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeConnections.WithLabelValues(endpoint).Set(float64(count))
}

// SetMemRegionsMapped records the current mapped-region count for an endpoint.
func SetMemRegionsMapped(endpoint string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.memRegionsMapped.WithLabelValues(endpoint).Set(float64(count))
}

// SetGuestPagesTotal records the current guest-page index size for an endpoint.
func SetGuestPagesTotal(endpoint string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.guestPagesTotal.WithLabelValues(endpoint).Set(float64(count))
}

// RecordPostcopyArmed increments the postcopy-armed-regions counter.
func RecordPostcopyArmed(endpoint string) {
	if promMetrics == nil {
		return
	}
	promMetrics.postcopyArmed.WithLabelValues(endpoint).Inc()
}

// RecordMessageHandleDuration observes the handler latency for a request code.
func RecordMessageHandleDuration(request string, seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.messageHandleDuration.WithLabelValues(request).Observe(seconds)
}

// RecordMessage increments the messages-total counter for a request/outcome pair.
func RecordMessage(request, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesTotal.WithLabelValues(request, outcome).Inc()
}

// RecordSlaveReply increments the slave-replies-total counter.
func RecordSlaveReply(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.slaveRepliesTotal.WithLabelValues(outcome).Inc()
}

// PrometheusHandler returns the HTTP handler serving the metrics registry.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the underlying registry, mainly for tests.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
