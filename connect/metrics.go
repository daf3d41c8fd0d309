package connect

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)


type MetricsCollector interface {
	// outcome is one of "ok", "unauthorized", "retryable", "error", "canceled"
	RecordRequest(operationName string, outcome string)
	RecordRequestLatency(operationName string, duration time.Duration)
	// outcome is one of "ok", "unauthorized", "error"
	RecordStreamConnect(outcome string)
	RecordStreamReconnect()
	RecordStreamDelivery(operationName string)
	RecordStoreMerge(entityType string, deleted bool)
	RecordSessionTransition(from SessionStatus, to SessionStatus)
}


type noopMetrics struct{}

func NewNoopMetrics() MetricsCollector {
	return &noopMetrics{}
}

func (self *noopMetrics) RecordRequest(operationName string, outcome string)                {}
func (self *noopMetrics) RecordRequestLatency(operationName string, duration time.Duration) {}
func (self *noopMetrics) RecordStreamConnect(outcome string)                                {}
func (self *noopMetrics) RecordStreamReconnect()                                            {}
func (self *noopMetrics) RecordStreamDelivery(operationName string)                         {}
func (self *noopMetrics) RecordStoreMerge(entityType string, deleted bool)                  {}
func (self *noopMetrics) RecordSessionTransition(from SessionStatus, to SessionStatus)      {}


type PrometheusCollector struct {
	requests           *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	streamConnects     *prometheus.CounterVec
	streamReconnects   prometheus.Counter
	streamDeliveries   *prometheus.CounterVec
	storeWrites        *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatconnect_requests_total",
			Help: "Request/response operations by operation name and outcome.",
		}, []string{"operation", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatconnect_request_latency_seconds",
			Help:    "Request/response operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		streamConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatconnect_stream_connects_total",
			Help: "Stream connection attempts by outcome.",
		}, []string{"outcome"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatconnect_stream_reconnects_total",
			Help: "Stream connections re-established after a loss.",
		}),
		streamDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatconnect_stream_deliveries_total",
			Help: "Subscription results delivered by operation name.",
		}, []string{"operation"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatconnect_store_writes_total",
			Help: "Entity store changes by entity type and kind.",
		}, []string{"entity_type", "kind"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatconnect_session_transitions_total",
			Help: "Session state transitions.",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		c.requests,
		c.requestLatency,
		c.streamConnects,
		c.streamReconnects,
		c.streamDeliveries,
		c.storeWrites,
		c.sessionTransitions,
	)

	return c
}

func (self *PrometheusCollector) RecordRequest(operationName string, outcome string) {
	self.requests.WithLabelValues(operationName, outcome).Inc()
}

func (self *PrometheusCollector) RecordRequestLatency(operationName string, duration time.Duration) {
	self.requestLatency.WithLabelValues(operationName).Observe(duration.Seconds())
}

func (self *PrometheusCollector) RecordStreamConnect(outcome string) {
	self.streamConnects.WithLabelValues(outcome).Inc()
}

func (self *PrometheusCollector) RecordStreamReconnect() {
	self.streamReconnects.Inc()
}

func (self *PrometheusCollector) RecordStreamDelivery(operationName string) {
	self.streamDeliveries.WithLabelValues(operationName).Inc()
}

func (self *PrometheusCollector) RecordStoreMerge(entityType string, deleted bool) {
	kind := "merge"
	if deleted {
		kind = "delete"
	}
	self.storeWrites.WithLabelValues(entityType, kind).Inc()
}

func (self *PrometheusCollector) RecordSessionTransition(from SessionStatus, to SessionStatus) {
	self.sessionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
