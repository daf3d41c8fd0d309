package connect

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
)


func withLabel(labels map[string]string, name string, value string) map[string]string {
	out := map[string]string{}
	for k, v := range labels {
		out[k] = v
	}
	out[name] = value
	return out
}

// the counter value for the series with exactly `labels`, or 0 if there is no such series
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	assert.Equal(t, err, nil)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for _, label := range metric.GetLabel() {
				if labels[label.GetName()] != label.GetValue() {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestPrometheusCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusCollector(registry)

	metrics.RecordRequest("GetChats", "ok")
	metrics.RecordRequest("GetChats", "ok")
	metrics.RecordRequestLatency("GetChats", 10*time.Millisecond)
	metrics.RecordStreamConnect("error")
	metrics.RecordStreamReconnect()
	metrics.RecordStreamDelivery("GetMessages")
	metrics.RecordStoreMerge("messages", false)
	metrics.RecordStoreMerge("chats", true)
	metrics.RecordSessionTransition(SessionAnonymous, SessionAuthenticating)

	assert.Equal(t, counterValue(t, registry, "chatconnect_requests_total", map[string]string{
		"operation": "GetChats",
		"outcome":   "ok",
	}), float64(2))
	assert.Equal(t, counterValue(t, registry, "chatconnect_stream_connects_total", map[string]string{
		"outcome": "error",
	}), float64(1))
	assert.Equal(t, counterValue(t, registry, "chatconnect_stream_reconnects_total", map[string]string{}), float64(1))
	assert.Equal(t, counterValue(t, registry, "chatconnect_stream_deliveries_total", map[string]string{
		"operation": "GetMessages",
	}), float64(1))
	assert.Equal(t, counterValue(t, registry, "chatconnect_store_writes_total", map[string]string{
		"entity_type": "chats",
		"kind":        "delete",
	}), float64(1))
	assert.Equal(t, counterValue(t, registry, "chatconnect_session_transitions_total", map[string]string{
		"from": "ANONYMOUS",
		"to":   "AUTHENTICATING",
	}), float64(1))

	// a second collector on the same registry is a programming error
	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	NewPrometheusCollector(registry)
}
