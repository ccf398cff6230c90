package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("driveiq_ingest_chunks_total", "Chunks stored")
	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Fatalf("expected 6, got %d", c.Value())
	}
	if r.Counter("driveiq_ingest_chunks_total", "") != c {
		t.Fatal("same name must return the same counter")
	}

	g := r.Gauge("driveiq_ingest_active_documents", "")
	g.Set(3)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 2 {
		t.Fatalf("expected 2, got %d", g.Value())
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("driveiq_search_seconds", "", []float64{1.0, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2.0} {
		h.Observe(v)
	}
	h.Since(time.Now().Add(-10 * time.Millisecond))

	if h.bounds[0] != 0.1 || h.bounds[2] != 1.0 {
		t.Fatalf("bounds not sorted: %v", h.bounds)
	}
	cum, sum, count := h.cumulative()
	if count != 6 {
		t.Fatalf("expected 6 observations, got %d", count)
	}
	// 0.05, 0.1 and the ~0.01 duration fall in le=0.1; 2.0 only in +Inf.
	want := []uint64{3, 4, 5, 6}
	for i := range want {
		if cum[i] != want[i] {
			t.Fatalf("cumulative counts %v, want %v", cum, want)
		}
	}
	if sum < 3.25 {
		t.Fatalf("sum too small: %f", sum)
	}
}

func TestKindConflictPanics(t *testing.T) {
	r := New()
	r.Counter(WithLabels("driveiq_x", "a", "1"), "")
	defer func() {
		if recover() == nil {
			t.Fatal("registering a gauge over a counter family should panic")
		}
	}()
	r.Gauge(WithLabels("driveiq_x", "a", "2"), "")
}

func TestWithLabels(t *testing.T) {
	tests := []struct {
		kvs  []string
		want string
	}{
		{nil, "driveiq_http_requests_total"},
		{[]string{"method", "POST"}, `driveiq_http_requests_total{method="POST"}`},
		{[]string{"method", "GET", "code", "2xx"}, `driveiq_http_requests_total{method="GET",code="2xx"}`},
		{[]string{"odd"}, "driveiq_http_requests_total"},
	}
	for _, tt := range tests {
		if got := WithLabels("driveiq_http_requests_total", tt.kvs...); got != tt.want {
			t.Errorf("WithLabels(%v) = %q, want %q", tt.kvs, got, tt.want)
		}
	}
	if base, labels := splitName(`foo{a="1",b="2"}`); base != "foo" || labels != `a="1",b="2"` {
		t.Errorf("splitName = %q, %q", base, labels)
	}
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter(WithLabels("driveiq_http_requests_total", "code", "2xx"), "HTTP requests").Add(7)
	r.Counter(WithLabels("driveiq_http_requests_total", "code", "5xx"), "").Add(1)
	r.Gauge("driveiq_goroutines", "Live goroutines").Set(12)
	h := r.Histogram(WithLabels("driveiq_http_seconds", "route", "search"), "Latency", []float64{0.1, 0.5})
	h.Observe(0.05)
	h.Observe(0.3)

	out := r.Render()
	for _, want := range []string{
		"# HELP driveiq_http_requests_total HTTP requests",
		"# TYPE driveiq_http_requests_total counter",
		`driveiq_http_requests_total{code="2xx"} 7`,
		`driveiq_http_requests_total{code="5xx"} 1`,
		"# TYPE driveiq_goroutines gauge",
		"driveiq_goroutines 12",
		"# TYPE driveiq_http_seconds histogram",
		`driveiq_http_seconds_bucket{le="0.1",route="search"} 1`,
		`driveiq_http_seconds_bucket{le="0.5",route="search"} 2`,
		`driveiq_http_seconds_bucket{le="+Inf",route="search"} 2`,
		`driveiq_http_seconds_count{route="search"} 2`,
		`driveiq_http_seconds_sum{route="search"} 0.35`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "driveiq_http_requests_total") > strings.Index(out, "driveiq_goroutines") {
		t.Error("families should render in registration order")
	}
	if strings.Count(out, "# TYPE driveiq_http_requests_total") != 1 {
		t.Error("a family is declared once for all its series")
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("driveiq_ingest_documents_total", "").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "driveiq_ingest_documents_total 1") {
		t.Errorf("missing counter in %q", rec.Body.String())
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New().Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := New().Serve(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestCollectRuntime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New()
	r.CollectRuntime(ctx, "driveiq_api", time.Hour)
	if r.Gauge("driveiq_api_goroutines", "").Value() <= 0 {
		t.Fatal("goroutines not sampled")
	}
	if r.Gauge("driveiq_api_heap_bytes", "").Value() <= 0 {
		t.Fatal("heap not sampled")
	}
}
