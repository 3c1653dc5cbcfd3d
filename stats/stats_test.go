package stats_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/muscleserver/muscle/stats"
)

func scrape(t *testing.T, c *stats.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("metrics handler returned %d", rec.Code)
	}
	return rec.Body.String()
}

func TestCollectorExportsRegisteredMetrics(t *testing.T) {
	c := stats.New()
	c.SessionsAttached.Inc()
	c.SessionsActive.Set(3)
	c.BytesIn.Add(128)
	c.PulseDispatches.Add(5)
	c.DataNodes.Set(42)

	body := scrape(t, c)
	for _, want := range []string{
		"muscle_sessions_attached_total 1",
		"muscle_sessions_active 3",
		"muscle_io_bytes_in_total 128",
		"muscle_pulse_dispatches_total 5",
		"muscle_datatree_nodes 42",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestCollectorCountersAccumulate(t *testing.T) {
	c := stats.New()
	c.SessionsAttached.Inc()
	c.SessionsAttached.Inc()
	c.SessionsDetached.Inc()

	body := scrape(t, c)
	if !strings.Contains(body, "muscle_sessions_attached_total 2") {
		t.Fatalf("expected attached_total to be 2, got:\n%s", body)
	}
	if !strings.Contains(body, "muscle_sessions_detached_total 1") {
		t.Fatalf("expected detached_total to be 1, got:\n%s", body)
	}
}
