// Package config loads genomed's configuration from a file and the
// environment. Only cmd/genomed reads it; every other package takes
// explicit values at construction.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GENOMED_"

// Duration is a time.Duration that reads "10s"-style strings from every
// supported format and from the environment.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TierConfig bounds one process tier.
type TierConfig struct {
	Min int `json:"min" yaml:"min" toml:"min" env:"MIN"`
	Max int `json:"max" yaml:"max" toml:"max" env:"MAX"`
}

// PoolConfig tunes the process pool.
type PoolConfig struct {
	MaxProcesses   int        `json:"max_processes" yaml:"max_processes" toml:"max_processes" env:"MAX_PROCESSES"`
	Hot            TierConfig `json:"hot" yaml:"hot" toml:"hot" envPrefix:"HOT_"`
	Warm           TierConfig `json:"warm" yaml:"warm" toml:"warm" envPrefix:"WARM_"`
	Cold           TierConfig `json:"cold" yaml:"cold" toml:"cold" envPrefix:"COLD_"`
	SpawnTimeout   Duration   `json:"spawn_timeout" yaml:"spawn_timeout" toml:"spawn_timeout" env:"SPAWN_TIMEOUT"`
	LoadTimeout    Duration   `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout" env:"LOAD_TIMEOUT"`
	AcquireTimeout Duration   `json:"acquire_timeout" yaml:"acquire_timeout" toml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	ShutdownGrace  Duration   `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	HealthInterval Duration   `json:"health_interval" yaml:"health_interval" toml:"health_interval" env:"HEALTH_INTERVAL"`
	HealthTimeout  Duration   `json:"health_timeout" yaml:"health_timeout" toml:"health_timeout" env:"HEALTH_TIMEOUT"`
	StartupGrace   Duration   `json:"startup_grace" yaml:"startup_grace" toml:"startup_grace" env:"STARTUP_GRACE"`
	RetryBudget    int        `json:"retry_budget" yaml:"retry_budget" toml:"retry_budget" env:"RETRY_BUDGET"`
	SpoolDir       string     `json:"spool_dir" yaml:"spool_dir" toml:"spool_dir" env:"SPOOL_DIR"`
}

// WorkerConfig selects how workers run.
type WorkerConfig struct {
	// Mode is "exec" (one OS process per worker) or "inproc" (goroutines
	// over pipes, for development).
	Mode       string   `json:"mode" yaml:"mode" toml:"mode" env:"MODE"`
	Path       string   `json:"path" yaml:"path" toml:"path" env:"PATH"`
	Args       []string `json:"args" yaml:"args" toml:"args" env:"ARGS"`
	Engine     string   `json:"engine" yaml:"engine" toml:"engine" env:"ENGINE"`
	ModelPath  string   `json:"model_path" yaml:"model_path" toml:"model_path" env:"MODEL_PATH"`
	BaseFamily string   `json:"base_family" yaml:"base_family" toml:"base_family" env:"BASE_FAMILY"`
	CtxSize    int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size" env:"CTX_SIZE"`
	Threads    int      `json:"threads" yaml:"threads" toml:"threads" env:"THREADS"`
}

// AdmissionConfig tunes per-genome queueing.
type AdmissionConfig struct {
	MaxQueueDepth int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth" env:"MAX_QUEUE_DEPTH"`
	MaxInflight   int      `json:"max_inflight" yaml:"max_inflight" toml:"max_inflight" env:"MAX_INFLIGHT"`
	MaxWait       Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait" env:"MAX_WAIT"`
	DrainTimeout  Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AssemblyConfig tunes genome assembly.
type AssemblyConfig struct {
	DisableNormalize bool    `json:"disable_normalize" yaml:"disable_normalize" toml:"disable_normalize" env:"DISABLE_NORMALIZE"`
	SkipVerify       bool    `json:"skip_verify" yaml:"skip_verify" toml:"skip_verify" env:"SKIP_VERIFY"`
	ThrashWindow     int     `json:"thrash_window" yaml:"thrash_window" toml:"thrash_window" env:"THRASH_WINDOW"`
	ThrashThreshold  float64 `json:"thrash_threshold" yaml:"thrash_threshold" toml:"thrash_threshold" env:"THRASH_THRESHOLD"`
}

// CORSConfig is opt-in CORS for the HTTP API.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins" env:"ORIGINS"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods" env:"METHODS"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers" env:"HEADERS"`
}

// HTTPConfig tunes the HTTP API.
type HTTPConfig struct {
	MaxBodyBytes int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	InferTimeout Duration   `json:"infer_timeout" yaml:"infer_timeout" toml:"infer_timeout" env:"INFER_TIMEOUT"`
	CORS         CORSConfig `json:"cors" yaml:"cors" toml:"cors" envPrefix:"CORS_"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" toml:"format" env:"FORMAT"`
}

// Config holds runtime parameters for the service.
type Config struct {
	Addr          string          `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	StoreDir      string          `json:"store_dir" yaml:"store_dir" toml:"store_dir" env:"STORE_DIR"`
	GenomeDB      string          `json:"genome_db" yaml:"genome_db" toml:"genome_db" env:"GENOME_DB"`
	DefaultGenome string          `json:"default_genome" yaml:"default_genome" toml:"default_genome" env:"DEFAULT_GENOME"`
	CacheBudgetMB int64           `json:"cache_budget_mb" yaml:"cache_budget_mb" toml:"cache_budget_mb" env:"CACHE_BUDGET_MB"`
	Pool          PoolConfig      `json:"pool" yaml:"pool" toml:"pool" envPrefix:"POOL_"`
	Worker        WorkerConfig    `json:"worker" yaml:"worker" toml:"worker" envPrefix:"WORKER_"`
	Admission     AdmissionConfig `json:"admission" yaml:"admission" toml:"admission" envPrefix:"ADMISSION_"`
	Assembly      AssemblyConfig  `json:"assembly" yaml:"assembly" toml:"assembly" envPrefix:"ASSEMBLY_"`
	HTTP          HTTPConfig      `json:"http" yaml:"http" toml:"http" envPrefix:"HTTP_"`
	Log           LogConfig       `json:"log" yaml:"log" toml:"log" envPrefix:"LOG_"`
}

// Defaults returns the configuration used when nothing else is given.
func Defaults() Config {
	return Config{
		Addr:          ":8080",
		StoreDir:      "~/.local/share/genomed/layers",
		GenomeDB:      "~/.local/share/genomed/genomes.db",
		CacheBudgetMB: 1024,
		Pool: PoolConfig{
			MaxProcesses:   4,
			Warm:           TierConfig{Min: 1},
			SpawnTimeout:   Duration(10 * time.Second),
			LoadTimeout:    Duration(30 * time.Second),
			AcquireTimeout: Duration(30 * time.Second),
			ShutdownGrace:  Duration(5 * time.Second),
			HealthInterval: Duration(10 * time.Second),
			HealthTimeout:  Duration(2 * time.Second),
			StartupGrace:   Duration(60 * time.Second),
			RetryBudget:    5,
		},
		Worker: WorkerConfig{Mode: "exec", Path: "genome-worker", Engine: "echo"},
		Admission: AdmissionConfig{
			MaxQueueDepth: 32,
			MaxInflight:   1,
			MaxWait:       Duration(30 * time.Second),
			DrainTimeout:  Duration(10 * time.Second),
		},
		Assembly: AssemblyConfig{ThrashWindow: 64, ThrashThreshold: 0.5},
		HTTP: HTTPConfig{
			MaxBodyBytes: 1 << 20,
			CORS: CORSConfig{
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				Headers: []string{"Content-Type", "X-Log-Level"},
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a configuration file on top of Defaults, based on its
// extension. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays GENOMED_* environment variables onto cfg. Unset
// variables leave fields untouched.
func ApplyEnv(cfg *Config) error {
	return ApplyEnvFrom(cfg, nil)
}

// ApplyEnvFrom is ApplyEnv over an explicit environment; nil means the
// process environment.
func ApplyEnvFrom(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if strings.TrimSpace(c.StoreDir) == "" {
		errs = append(errs, errors.New("store_dir is empty"))
	}
	if c.CacheBudgetMB <= 0 {
		errs = append(errs, fmt.Errorf("cache_budget_mb must be positive, got %d", c.CacheBudgetMB))
	}
	switch c.Worker.Mode {
	case "exec":
		if strings.TrimSpace(c.Worker.Path) == "" {
			errs = append(errs, errors.New("worker.path is required in exec mode"))
		}
	case "inproc":
	default:
		errs = append(errs, fmt.Errorf("worker.mode must be exec or inproc, got %q", c.Worker.Mode))
	}
	if c.Assembly.ThrashThreshold < 0 {
		errs = append(errs, errors.New("assembly.thrash_threshold is negative"))
	}
	if err := c.PoolSettings().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
