package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_IncAndSnapshot(t *testing.T) {
	m := New()
	m.Inc(EventCommandForwarded)
	m.Inc(EventCommandForwarded)
	m.Inc(EventRateLimited)

	if got := m.Get(EventCommandForwarded); got != 2 {
		t.Fatalf("Get(%q)=%d, want 2", EventCommandForwarded, got)
	}

	snap := m.Snapshot()
	if snap[EventRateLimited] != 1 {
		t.Fatalf("snapshot %q=%d, want 1", EventRateLimited, snap[EventRateLimited])
	}

	// Snapshot must be a copy.
	snap[EventRateLimited] = 99
	if got := m.Get(EventRateLimited); got != 1 {
		t.Fatalf("Get after snapshot mutation=%d, want 1", got)
	}
}

func TestPrometheusHandler_TextFormat(t *testing.T) {
	m := New()
	m.Inc(EventSessionCreated)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE wimz_relay_events_total counter") {
		t.Fatalf("missing TYPE line in:\n%s", body)
	}
	if !strings.Contains(body, `wimz_relay_events_total{event="webrtc_session_created"} 1`) {
		t.Fatalf("missing counter line in:\n%s", body)
	}
}
