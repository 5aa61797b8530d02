package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterMetricsCountsEvents(t *testing.T) {
	recorder := NewCounterMetrics()
	recorder.Increment("session.sign_in")
	recorder.Increment("session.sign_in")
	recorder.Increment("gateway.forced_sign_out")

	if count := recorder.Count("session.sign_in"); count != 2 {
		t.Fatalf("expected 2 sign-ins, got %d", count)
	}
	if count := recorder.Count("never.recorded"); count != 0 {
		t.Fatalf("expected zero for unrecorded event, got %d", count)
	}

	snapshot := recorder.Snapshot()
	snapshot["session.sign_in"] = 99
	if recorder.Count("session.sign_in") != 2 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestPrometheusRecorderExportsCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusRecorder(registry)
	if err != nil {
		t.Fatalf("unexpected registration error: %v", err)
	}
	recorder.Increment("guard.redirect_sign_in")
	recorder.Increment("guard.redirect_sign_in")

	expected := strings.NewReader(`
# HELP scholargate_auth_events_total Auth and gateway events by name.
# TYPE scholargate_auth_events_total counter
scholargate_auth_events_total{event="guard.redirect_sign_in"} 2
`)
	if gatherErr := testutil.GatherAndCompare(registry, expected, "scholargate_auth_events_total"); gatherErr != nil {
		t.Fatalf("unexpected exposition: %v", gatherErr)
	}
}

func TestPrometheusRecorderRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewPrometheusRecorder(registry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewPrometheusRecorder(registry); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
