package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Inc(MessagesRelayed)
	m.Inc(MessagesRelayed)
	m.Add(CallSeconds, 42)

	if got := m.Get(MessagesRelayed); got != 2 {
		t.Fatalf("Get(%s) = %d, want 2", MessagesRelayed, got)
	}
	if got := m.Get(CallSeconds); got != 42 {
		t.Fatalf("Get(%s) = %d, want 42", CallSeconds, got)
	}
	if got := m.Get("unknown"); got != 0 {
		t.Fatalf("Get(unknown) = %d, want 0", got)
	}
}

func TestSetMax(t *testing.T) {
	m := New()

	m.SetMax(ParticipantsPeak, 3)
	m.SetMax(ParticipantsPeak, 1)
	if got := m.Get(ParticipantsPeak); got != 3 {
		t.Fatalf("Get(%s) = %d, want 3", ParticipantsPeak, got)
	}

	m.SetMax(ParticipantsPeak, 7)
	if got := m.Get(ParticipantsPeak); got != 7 {
		t.Fatalf("Get(%s) = %d, want 7", ParticipantsPeak, got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc(CallsStarted)

	snap := m.Snapshot()
	snap[CallsStarted] = 99

	if got := m.Get(CallsStarted); got != 1 {
		t.Fatalf("Get(%s) = %d after mutating snapshot, want 1", CallsStarted, got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(CallsStarted)
	m.Add(CallSeconds, 17)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`qonv_events_total{event="calls_started_total"} 1`,
		`qonv_events_total{event="call_seconds_total"} 17`,
		"# TYPE qonv_events_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
