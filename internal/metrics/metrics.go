// Package metrics counts auth and gateway events.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder increments counters for named events.
type Recorder interface {
	Increment(event string)
}

// CounterMetrics implements Recorder with in-memory counts; used by tests
// and as the default when no registry is wired.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusRecorder implements Recorder on a Prometheus counter vector.
type PrometheusRecorder struct {
	events *prometheus.CounterVec
}

// NewPrometheusRecorder registers the event counter vector with the given
// registerer and returns the recorder.
func NewPrometheusRecorder(registerer prometheus.Registerer) (*PrometheusRecorder, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scholargate",
		Name:      "auth_events_total",
		Help:      "Auth and gateway events by name.",
	}, []string{"event"})
	if registerErr := registerer.Register(events); registerErr != nil {
		return nil, registerErr
	}
	return &PrometheusRecorder{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusRecorder) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
