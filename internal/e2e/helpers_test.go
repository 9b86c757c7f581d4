package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"genomed/internal/cache"
	"genomed/internal/genome"
	"genomed/internal/httpapi"
	"genomed/internal/layer"
	"genomed/internal/manager"
	"genomed/internal/pool"
	"genomed/internal/worker"
)

// stack is a full runtime behind a test HTTP server: a layer store on disk,
// a SQLite genome database, a worker pool and the manager.
type stack struct {
	srv *httptest.Server
	mgr *manager.Manager
	pub *manager.MemoryPublisher
}

type stackOptions struct {
	spawner pool.Spawner
	pool    func(*pool.Config)
	manager func(*manager.ManagerConfig)
}

func echoSpawner(delay time.Duration) pool.Spawner {
	return &pool.PipeSpawner{Serve: func(ctx context.Context, r io.Reader, w io.Writer) error {
		return worker.Serve(ctx, r, w, &worker.EchoEngine{Delay: delay}, worker.Options{Version: "e2e"})
	}}
}

func importLayer(t *testing.T, store *layer.DirStore, id, module string, w ...float32) {
	t.Helper()
	meta := layer.Metadata{
		ID:         id,
		Version:    "1",
		Descriptor: layer.Descriptor{BaseFamily: "llama", Rank: 4, Modules: []string{module}},
	}
	if _, err := layer.Import(context.Background(), store, meta, w, layer.CompressionZstd); err != nil {
		t.Fatalf("import %s: %v", id, err)
	}
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	dir := t.TempDir()
	store, err := layer.NewDirStore(filepath.Join(dir, "layers"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	importLayer(t, store, "tone-formal", "q_proj", 1, 2, 3, 4, 5, 6, 7, 8)
	importLayer(t, store, "domain-billing", "q_proj", 8, 7, 6, 5, 4, 3, 2, 1)
	importLayer(t, store, "style-terse", "v_proj", 0.5, 0.5, 0.5, 0.5)

	db, err := genome.OpenSQLite(filepath.Join(dir, "genomes.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, g := range []genome.Genome{
		{ID: "support", BaseModel: "llama-3-8b", Layers: []genome.LayerRef{{LayerID: "tone-formal", Weight: 0.7}, {LayerID: "domain-billing", Weight: 0.3}}},
		{ID: "terse", BaseModel: "llama-3-8b", Layers: []genome.LayerRef{{LayerID: "style-terse", Weight: 1}}},
		{ID: "broken", BaseModel: "llama-3-8b", Layers: []genome.LayerRef{{LayerID: "never-imported", Weight: 1}}},
	} {
		if err := db.Put(context.Background(), g); err != nil {
			t.Fatalf("put %s: %v", g.ID, err)
		}
	}

	pcfg := pool.Config{
		MaxProcesses:   2,
		SpawnTimeout:   5 * time.Second,
		LoadTimeout:    5 * time.Second,
		AcquireTimeout: 5 * time.Second,
		ShutdownGrace:  500 * time.Millisecond,
		HealthInterval: time.Hour,
		SpoolDir:       filepath.Join(dir, "spool"),
	}
	if opts.pool != nil {
		opts.pool(&pcfg)
	}
	sp := opts.spawner
	if sp == nil {
		sp = echoSpawner(0)
	}
	pub := manager.NewMemoryPublisher()
	mcfg := manager.ManagerConfig{
		Source:        db,
		Loader:        layer.NewLoader(store),
		Cache:         cache.New(1 << 20),
		Pool:          pool.New(pcfg, sp, pool.WithEvents(manager.PoolEvents(pub))),
		DefaultGenome: "support",
		MaxWait:       2 * time.Second,
		Publisher:     pub,
	}
	if opts.manager != nil {
		opts.manager(&mcfg)
	}
	mgr := manager.NewWithConfig(mcfg)
	if err := mcfg.Pool.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize pool: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return &stack{srv: srv, mgr: mgr, pub: pub}
}

func (s *stack) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func (s *stack) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, body := s.do(t, http.MethodGet, path, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

// done is the final line of an inference stream.
type done struct {
	Done      bool   `json:"done"`
	Content   string `json:"content"`
	Genome    string `json:"genome"`
	Readiness string `json:"readiness"`
	Tokens    int    `json:"tokens"`
	Process   string `json:"process"`
}

// parseStream splits an NDJSON body into token strings and the final line.
func parseStream(t *testing.T, body []byte) ([]string, done) {
	t.Helper()
	var (
		toks []string
		last done
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad ndjson line %q: %v", sc.Text(), err)
		}
		if _, ok := line["done"]; ok {
			if err := json.Unmarshal(sc.Bytes(), &last); err != nil {
				t.Fatalf("decode done line: %v", err)
			}
			continue
		}
		tok, _ := line["token"].(string)
		toks = append(toks, tok)
	}
	return toks, last
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
