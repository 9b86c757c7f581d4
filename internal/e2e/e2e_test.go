package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"genomed/internal/manager"
	"genomed/internal/pool"
	"genomed/pkg/types"
)

func TestE2E_InferColdThenHot(t *testing.T) {
	s := newStack(t, stackOptions{})

	resp, body := s.do(t, http.MethodPost, "/infer", `{"genome":"support","prompt":"where is my invoice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type %q", ct)
	}
	toks, last := parseStream(t, body)
	if !last.Done || last.Genome != "support" {
		t.Fatalf("final line = %+v", last)
	}
	if last.Readiness == "hot" {
		t.Fatalf("first request reported hot")
	}
	if !strings.HasSuffix(last.Content, "where is my invoice") {
		t.Fatalf("content = %q", last.Content)
	}
	if strings.Join(toks, "") != last.Content {
		t.Fatalf("tokens %q do not rebuild content %q", toks, last.Content)
	}

	_, body = s.do(t, http.MethodPost, "/infer", `{"prompt":"and the refund"}`)
	_, second := parseStream(t, body)
	if second.Genome != "support" {
		t.Fatalf("default genome not used: %+v", second)
	}
	if second.Readiness != "hot" {
		t.Fatalf("second request readiness = %q, want hot", second.Readiness)
	}
	if second.Process != last.Process {
		t.Fatalf("hot request moved from %s to %s", last.Process, second.Process)
	}

	var g types.GenomeInfo
	s.getJSON(t, "/genomes/support", &g)
	if g.Readiness != "hot" || len(g.Layers) != 2 {
		t.Fatalf("genome info = %+v", g)
	}
}

func TestE2E_GenomeErrors(t *testing.T) {
	s := newStack(t, stackOptions{})

	cases := []struct {
		name, method, path, body string
		code                     int
		kind                     string
	}{
		{"unknown genome", http.MethodGet, "/genomes/ghost", "", http.StatusNotFound, "genome_not_found"},
		{"infer unknown genome", http.MethodPost, "/infer", `{"genome":"ghost","prompt":"hi"}`, http.StatusNotFound, "genome_not_found"},
		{"missing layer", http.MethodPost, "/infer", `{"genome":"broken","prompt":"hi"}`, http.StatusNotFound, "layer_not_found"},
		{"assemble missing layer", http.MethodPost, "/genomes/broken/assemble", "", http.StatusNotFound, "layer_not_found"},
		{"unload unknown", http.MethodDelete, "/genomes/ghost/cache", "", http.StatusNotFound, "genome_not_found"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, body := s.do(t, c.method, c.path, c.body)
			if resp.StatusCode != c.code {
				t.Fatalf("status %d, want %d: %s", resp.StatusCode, c.code, body)
			}
			var er types.ErrorResponse
			if err := json.Unmarshal(body, &er); err != nil {
				t.Fatalf("decode error body %q: %v", body, err)
			}
			if er.Kind != c.kind {
				t.Fatalf("kind %q, want %q", er.Kind, c.kind)
			}
		})
	}
}

func TestE2E_Backpressure429(t *testing.T) {
	s := newStack(t, stackOptions{
		spawner: echoSpawner(600 * time.Millisecond),
		manager: func(c *manager.ManagerConfig) {
			c.MaxQueueDepth = 1
			c.MaxInflight = 1
			c.MaxWait = 50 * time.Millisecond
		},
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, body := s.do(t, http.MethodPost, "/infer", `{"genome":"terse","prompt":"slow one"}`)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("first request: %d %s", resp.StatusCode, body)
		}
	}()

	waitFor(t, "first request in flight", func() bool {
		var st types.StatusResponse
		s.getJSON(t, "/status", &st)
		for _, g := range st.Genomes {
			if g.ID == "terse" && g.Inflight == 1 {
				return true
			}
		}
		return false
	})

	resp, body := s.do(t, http.MethodPost, "/infer", `{"genome":"terse","prompt":"rejected"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429: %s", resp.StatusCode, body)
	}
	var er types.ErrorResponse
	_ = json.Unmarshal(body, &er)
	if er.Kind != "too_busy" {
		t.Fatalf("kind = %q", er.Kind)
	}
	wg.Wait()

	var stats types.StatsResponse
	s.getJSON(t, "/stats", &stats)
	if stats.TooBusyTotal != 1 || stats.InferTotal != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestE2E_AssembleWarmUnload(t *testing.T) {
	s := newStack(t, stackOptions{})

	resp, body := s.do(t, http.MethodPost, "/genomes/support/assemble", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assemble: %d %s", resp.StatusCode, body)
	}
	var ar types.AssembleResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		t.Fatal(err)
	}
	if ar.LayerCount != 2 || ar.Checksum == "" || ar.CacheMisses != 2 {
		t.Fatalf("assemble = %+v", ar)
	}

	resp, body = s.do(t, http.MethodPost, "/genomes/support/warm", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("warm: %d %s", resp.StatusCode, body)
	}
	var op types.OpResponse
	_ = json.Unmarshal(body, &op)
	if op.OpID == "" || op.GenomeID != "support" {
		t.Fatalf("op = %+v", op)
	}
	waitFor(t, "warm to finish", func() bool {
		var g types.GenomeInfo
		s.getJSON(t, "/genomes/support", &g)
		return g.Readiness == "hot"
	})

	resp, body = s.do(t, http.MethodDelete, "/genomes/support/cache", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unload: %d %s", resp.StatusCode, body)
	}
	var g types.GenomeInfo
	s.getJSON(t, "/genomes/support", &g)
	if g.Readiness == "hot" {
		t.Fatalf("genome still hot after unload")
	}

	if ev := s.pub.Named("unload_done"); len(ev) != 1 || ev[0].GenomeID != "support" {
		t.Fatalf("unload_done events = %+v", ev)
	}
}

func TestE2E_StatusHealthAndMetrics(t *testing.T) {
	s := newStack(t, stackOptions{
		pool: func(c *pool.Config) {
			c.Tiers = map[pool.Tier]pool.TierLimits{pool.Warm: {Min: 1}}
		},
	})
	_, _ = s.do(t, http.MethodPost, "/infer", `{"genome":"terse","prompt":"ping"}`)

	var st types.StatusResponse
	s.getJSON(t, "/status", &st)
	if st.State != "ready" {
		t.Fatalf("state = %q", st.State)
	}
	if len(st.Processes) == 0 || st.Pool.Total == 0 {
		t.Fatalf("no processes in status: %+v", st.Pool)
	}
	if st.Cache.Entries != 1 {
		t.Fatalf("cache entries = %d, want 1", st.Cache.Entries)
	}

	var gl types.GenomesResponse
	s.getJSON(t, "/genomes", &gl)
	if len(gl.Genomes) != 3 {
		t.Fatalf("genomes = %d, want 3", len(gl.Genomes))
	}

	resp, body := s.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	resp, _ = s.do(t, http.MethodGet, "/readyz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `genomed_http_requests_total{`) || !strings.Contains(string(body), `path="/infer"`) {
		t.Fatalf("metrics missing http counters")
	}
}

// TestE2E_ExecWorker runs workers as real child processes. It needs a built
// genome-worker binary in GENOMED_E2E_WORKER.
func TestE2E_ExecWorker(t *testing.T) {
	bin := strings.TrimSpace(os.Getenv("GENOMED_E2E_WORKER"))
	if bin == "" {
		t.Skip("GENOMED_E2E_WORKER not set; skipping exec worker test")
	}
	s := newStack(t, stackOptions{
		spawner: &pool.ExecSpawner{Path: bin, Args: []string{"--engine", "echo", "--log-level", "error"}},
	})
	resp, body := s.do(t, http.MethodPost, "/infer", `{"genome":"support","prompt":"from a child process"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	_, last := parseStream(t, body)
	if !strings.Contains(last.Content, "from a child process") {
		t.Fatalf("content = %q", last.Content)
	}
}
