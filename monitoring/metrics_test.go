package monitoring

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposition(t *testing.T) {
	loaded := false
	m := NewMetrics(NewHub(nil), func() bool { return loaded })

	m.ObserveRun("ok", 120*time.Millisecond, 5)
	m.ObserveRun("TelemetryUnavailable", 5*time.Second, 0)
	loaded = true

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	text := string(body)

	for _, want := range []string{
		`cropcast_pipeline_runs_total{outcome="ok"} 1`,
		`cropcast_pipeline_runs_total{outcome="TelemetryUnavailable"} 1`,
		`cropcast_pipeline_run_duration_seconds_count 2`,
		`cropcast_pipeline_rows 5`,
		`cropcast_stream_subscribers 0`,
		`cropcast_model_loaded 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}
