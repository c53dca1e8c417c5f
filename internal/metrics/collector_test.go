package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_SameSeries(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("x_total", "x", `k="v"`)
	b := r.Counter("x_total", "x", `k="v"`)
	if a != b {
		t.Fatal("expected the same counter for identical name and labels")
	}
	c := r.Counter("x_total", "x", `k="w"`)
	if a == c {
		t.Fatal("expected distinct counters for different labels")
	}
}

func TestRegistry_WriteText(t *testing.T) {
	r := NewRegistry()
	r.Counter("b_total", "b help", "").Add(3)
	r.Counter("a_total", "a help", `type="echo_job"`).Inc()
	r.Gauge("g", "gauge", "").Set(7)
	h := r.Histogram("lat_seconds", "latency", "", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)

	var sb strings.Builder
	r.WriteText(&sb)
	out := sb.String()

	for _, want := range []string{
		"# TYPE a_total counter",
		`a_total{type="echo_job"} 1`,
		"b_total 3",
		"g 7",
		`lat_seconds_bucket{le="1"} 1`,
		`lat_seconds_bucket{le="5"} 2`,
		`lat_seconds_bucket{le="+Inf"} 2`,
		"lat_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "a_total") > strings.Index(out, "b_total") {
		t.Error("expected counters sorted by name")
	}
}

func TestHandler_ContentType(t *testing.T) {
	r := NewRegistry()
	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "omnimap_uptime_seconds") {
		t.Error("missing uptime gauge")
	}
}

func TestJobsTotal_Labels(t *testing.T) {
	c := JobsTotal("extract", "completed")
	if c.labels != `type="extract",status="completed"` {
		t.Errorf("labels = %s", c.labels)
	}
}
