package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genomed/pkg/types"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", w.Code)
	}
	return w.Body.String()
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	svc := &mockService{genomes: []types.GenomeInfo{{ID: "g1"}}}
	r := NewMux(svc)
	do(t, r, http.MethodGet, "/genomes/g1", "")
	body := scrape(t, promhttp.Handler())
	if !strings.Contains(body, `genomed_http_requests_total{method="GET",path="/genomes/{id}",status="200"}`) {
		t.Fatalf("route pattern label missing")
	}
	if strings.Contains(body, `path="/genomes/g1"`) {
		t.Fatalf("raw path leaked into labels")
	}
}

func TestBackpressureCounter(t *testing.T) {
	IncrementBackpressure("")
	body := scrape(t, promhttp.Handler())
	if !strings.Contains(body, `genomed_http_backpressure_total{reason="unspecified"}`) {
		t.Fatalf("backpressure metric missing")
	}
}

func TestRuntimeCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := types.StatsResponse{
		Cache:      types.CacheStatus{BytesUsed: 2048, Budget: 4096, Entries: 2, Hits: 5, Misses: 1},
		Pool:       types.PoolStatus{ByState: map[string]int{"idle": 2, "busy": 1}, Degraded: true},
		Thrash:     types.ThrashStatus{Ratio: 0.25},
		InferTotal: 9,
	}
	reg.MustRegister(NewRuntimeCollector(func() types.StatsResponse { return stats }))
	body := scrape(t, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	for _, want := range []string{
		"genomed_cache_bytes_used 2048",
		`genomed_cache_lookups_total{result="hit"} 5`,
		`genomed_pool_processes{state="busy"} 1`,
		"genomed_pool_degraded 1",
		"genomed_assembler_thrash_ratio 0.25",
		"genomed_manager_infer_total 9",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestStatusRecorderFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	var _ http.Flusher = sr
	sr.WriteHeader(http.StatusTeapot)
	_, _ = sr.Write([]byte("x"))
	sr.Flush()
	if !rec.Flushed || sr.status != http.StatusTeapot || !bytes.Equal(rec.Body.Bytes(), []byte("x")) {
		t.Fatalf("flushed=%v status=%d", rec.Flushed, sr.status)
	}
}
