package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"genomed/pkg/types"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genomed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genomed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "genomed",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genomed",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Total backpressure rejections (429)",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal)
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps NDJSON streaming working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware instruments requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		inflight := httpInflight.WithLabelValues(r.URL.Path)
		inflight.Inc()
		next.ServeHTTP(sr, r)
		inflight.Dec()
		// The route pattern is only known after routing.
		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// the URL path. Patterns keep label cardinality bounded.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure is called when returning 429 to the client.
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// RuntimeCollector exports runtime counters, reading stats at scrape time.
type RuntimeCollector struct {
	stats func() types.StatsResponse

	cacheBytes     *prometheus.Desc
	cacheBudget    *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheLookups   *prometheus.Desc
	cacheEvictions *prometheus.Desc
	assemblies     *prometheus.Desc
	asmFailures    *prometheus.Desc
	avgAssembly    *prometheus.Desc
	layersLoaded   *prometheus.Desc
	bytesRead      *prometheus.Desc
	processes      *prometheus.Desc
	poolMemory     *prometheus.Desc
	spawnFailures  *prometheus.Desc
	degraded       *prometheus.Desc
	thrashRatio    *prometheus.Desc
	inferTotal     *prometheus.Desc
	inferErrors    *prometheus.Desc
}

// NewRuntimeCollector builds a collector over stats, typically the
// manager's Stats method.
func NewRuntimeCollector(stats func() types.StatsResponse) *RuntimeCollector {
	d := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("genomed", sub, name), help, labels, nil)
	}
	return &RuntimeCollector{
		stats:          stats,
		cacheBytes:     d("cache", "bytes_used", "Bytes held by cached layers"),
		cacheBudget:    d("cache", "budget_bytes", "Configured cache budget"),
		cacheEntries:   d("cache", "entries", "Cached layers"),
		cacheLookups:   d("cache", "lookups_total", "Cache lookups by result", "result"),
		cacheEvictions: d("cache", "evictions_total", "Layers evicted from the cache"),
		assemblies:     d("assembler", "assemblies_total", "Successful genome assemblies"),
		asmFailures:    d("assembler", "failures_total", "Failed genome assemblies"),
		avgAssembly:    d("assembler", "avg_assembly_seconds", "Mean assembly duration"),
		layersLoaded:   d("loader", "layers_loaded_total", "Layers read from the backing store"),
		bytesRead:      d("loader", "bytes_read_total", "Bytes read from the backing store"),
		processes:      d("pool", "processes", "Worker processes by state", "state"),
		poolMemory:     d("pool", "memory_bytes", "Memory reported by workers"),
		spawnFailures:  d("pool", "spawn_failures_total", "Failed worker spawns"),
		degraded:       d("pool", "degraded", "1 when the pool exhausted its retry budget"),
		thrashRatio:    d("assembler", "thrash_ratio", "Assembly time over inference time across recent requests"),
		inferTotal:     d("manager", "infer_total", "Inference requests"),
		inferErrors:    d("manager", "infer_errors_total", "Inference requests that failed"),
	}
}

func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheBytes, c.cacheBudget, c.cacheEntries, c.cacheLookups, c.cacheEvictions,
		c.assemblies, c.asmFailures, c.avgAssembly, c.layersLoaded, c.bytesRead,
		c.processes, c.poolMemory, c.spawnFailures, c.degraded, c.thrashRatio,
		c.inferTotal, c.inferErrors,
	} {
		ch <- d
	}
}

func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge(c.cacheBytes, float64(s.Cache.BytesUsed))
	gauge(c.cacheBudget, float64(s.Cache.Budget))
	gauge(c.cacheEntries, float64(s.Cache.Entries))
	counter(c.cacheLookups, s.Cache.Hits, "hit")
	counter(c.cacheLookups, s.Cache.Misses, "miss")
	counter(c.cacheEvictions, s.Cache.Evictions)
	counter(c.assemblies, s.Assembler.Assemblies)
	counter(c.asmFailures, s.Assembler.Failures)
	gauge(c.avgAssembly, s.Assembler.AvgAssemblyMS/1000)
	counter(c.layersLoaded, s.Loader.LayersLoaded)
	counter(c.bytesRead, s.Loader.BytesRead)
	for state, n := range s.Pool.ByState {
		gauge(c.processes, float64(n), state)
	}
	gauge(c.poolMemory, float64(s.Pool.MemoryBytes))
	counter(c.spawnFailures, s.Pool.SpawnFailures)
	degraded := 0.0
	if s.Pool.Degraded {
		degraded = 1
	}
	gauge(c.degraded, degraded)
	gauge(c.thrashRatio, s.Thrash.Ratio)
	counter(c.inferTotal, s.InferTotal)
	counter(c.inferErrors, s.InferErrors)
}
