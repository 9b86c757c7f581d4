package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"genomed/internal/pool"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `
addr: ":9999"
store_dir: /srv/layers
default_genome: support
cache_budget_mb: 256
pool:
  max_processes: 6
  hot: {min: 1, max: 4}
  acquire_timeout: 5s
worker:
  mode: inproc
admission:
  max_wait: 250ms
http:
  cors:
    enabled: true
    origins: ["https://ui.example"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.StoreDir != "/srv/layers" || cfg.DefaultGenome != "support" || cfg.CacheBudgetMB != 256 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Pool.MaxProcesses != 6 || cfg.Pool.Hot.Max != 4 || cfg.Pool.AcquireTimeout.D() != 5*time.Second {
		t.Fatalf("pool: %+v", cfg.Pool)
	}
	if cfg.Admission.MaxWait.D() != 250*time.Millisecond || cfg.Worker.Mode != "inproc" {
		t.Fatalf("admission/worker: %+v %+v", cfg.Admission, cfg.Worker)
	}
	if !cfg.HTTP.CORS.Enabled || len(cfg.HTTP.CORS.Origins) != 1 {
		t.Fatalf("cors: %+v", cfg.HTTP.CORS)
	}
	// Unset keys keep their defaults.
	if cfg.Pool.SpawnTimeout.D() != 10*time.Second || cfg.Admission.MaxQueueDepth != 32 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"addr":":7070","store_dir":"/m","pool":{"load_timeout":"45s"},"assembly":{"thrash_threshold":0.8}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.StoreDir != "/m" || cfg.Pool.LoadTimeout.D() != 45*time.Second || cfg.Assembly.ThrashThreshold != 0.8 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `
addr = ":8081"
genome_db = "/x/genomes.db"

[pool]
health_interval = "3s"

[pool.cold]
max = 2

[worker]
engine = "llama"
model_path = "/models/base.gguf"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.GenomeDB != "/x/genomes.db" || cfg.Pool.HealthInterval.D() != 3*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Pool.Cold.Max != 2 || cfg.Worker.Engine != "llama" || cfg.Worker.ModelPath != "/models/base.gguf" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	if _, err := Load(writeTempFile(t, d, "cfg.txt", "not supported")); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	cases := map[string]string{
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "store_dir": }`,
		"bad.toml": "addr=:8080\nstore_dir\n",
		"dur.yaml": "pool:\n  spawn_timeout: soon\n",
	}
	for name, body := range cases {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestApplyEnvOverlay(t *testing.T) {
	cfg := Defaults()
	err := ApplyEnvFrom(&cfg, map[string]string{
		"GENOMED_ADDR":                 ":9000",
		"GENOMED_POOL_MAX_PROCESSES":   "8",
		"GENOMED_POOL_HOT_MIN":         "2",
		"GENOMED_POOL_ACQUIRE_TIMEOUT": "1500ms",
		"GENOMED_WORKER_ARGS":          "--engine,echo",
		"GENOMED_HTTP_CORS_ORIGINS":    "https://a.example,https://b.example",
		"GENOMED_LOG_LEVEL":            "debug",
	})
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Pool.MaxProcesses != 8 || cfg.Pool.Hot.Min != 2 {
		t.Fatalf("overlay: %+v", cfg)
	}
	if cfg.Pool.AcquireTimeout.D() != 1500*time.Millisecond {
		t.Fatalf("acquire timeout=%v", cfg.Pool.AcquireTimeout.D())
	}
	if strings.Join(cfg.Worker.Args, " ") != "--engine echo" || len(cfg.HTTP.CORS.Origins) != 2 || cfg.Log.Level != "debug" {
		t.Fatalf("lists: %+v %+v", cfg.Worker, cfg.HTTP.CORS)
	}
	// Untouched fields keep their values.
	if cfg.StoreDir != Defaults().StoreDir || cfg.Admission.MaxQueueDepth != 32 {
		t.Fatalf("unset env changed config: %+v", cfg)
	}
	if err := ApplyEnvFrom(&cfg, map[string]string{"GENOMED_POOL_SPAWN_TIMEOUT": "never"}); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := Defaults()
	bad.CacheBudgetMB = 0
	bad.Worker.Mode = "thread"
	bad.Pool.Hot = TierConfig{Min: 3, Max: 1}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"cache_budget_mb", "worker.mode", "hot"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestPoolSettingsMapping(t *testing.T) {
	cfg := Defaults()
	cfg.Pool.Hot = TierConfig{Min: 1, Max: 2}
	pc := cfg.PoolSettings()
	if pc.MaxProcesses != 4 || pc.Tiers[pool.Hot].Max != 2 || pc.Tiers[pool.Warm].Min != 1 {
		t.Fatalf("pool config: %+v", pc)
	}
	if pc.SpawnTimeout != 10*time.Second || pc.RetryBudget != 5 {
		t.Fatalf("durations: %+v", pc)
	}
	if got := cfg.CacheBudgetBytes(); got != 1024<<20 {
		t.Fatalf("budget=%d", got)
	}
	cfg.Assembly.DisableNormalize = true
	if !cfg.AssembleOptions().Compose.DisableNormalize {
		t.Fatalf("assemble options not mapped")
	}
}
