package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genomed/internal/cache"
	"genomed/internal/common/fsutil"
	"genomed/internal/config"
	"genomed/internal/genome"
	"genomed/internal/httpapi"
	"genomed/internal/layer"
	"genomed/internal/manager"
	"genomed/internal/pool"
	"genomed/internal/worker"
)

type serveFlags struct {
	addr          string
	storeDir      string
	genomeDB      string
	defaultGenome string
	cacheBudgetMB int64
	workerMode    string
	workerPath    string
	engine        string
	corsOrigins   string
}

func buildServeCmd(rf *rootFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: "  genomed serve --config genomed.yaml\n" +
			"  genomed serve --worker-mode inproc --engine echo --addr :9090",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := rf.cfg
			f.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runServe(cmd.Context(), cfg, rf.log)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	fl.StringVar(&f.storeDir, "store-dir", "", "Layer store directory")
	fl.StringVar(&f.genomeDB, "genome-db", "", "Genome database file")
	fl.StringVar(&f.defaultGenome, "default-genome", "", "Genome used when a request names none")
	fl.Int64Var(&f.cacheBudgetMB, "cache-budget-mb", 0, "Layer cache budget in MB")
	fl.StringVar(&f.workerMode, "worker-mode", "", "Worker mode: exec|inproc")
	fl.StringVar(&f.workerPath, "worker-path", "", "Worker binary (exec mode)")
	fl.StringVar(&f.engine, "engine", "", "Inference engine: echo|llama")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins; enables CORS")
	return cmd
}

// apply copies flags the user actually set onto cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fl.Changed("store-dir") {
		cfg.StoreDir = f.storeDir
	}
	if fl.Changed("genome-db") {
		cfg.GenomeDB = f.genomeDB
	}
	if fl.Changed("default-genome") {
		cfg.DefaultGenome = f.defaultGenome
	}
	if fl.Changed("cache-budget-mb") {
		cfg.CacheBudgetMB = f.cacheBudgetMB
	}
	if fl.Changed("worker-mode") {
		cfg.Worker.Mode = f.workerMode
	}
	if fl.Changed("worker-path") {
		cfg.Worker.Path = f.workerPath
	}
	if fl.Changed("engine") {
		cfg.Worker.Engine = f.engine
	}
	if fl.Changed("cors-origins") {
		cfg.HTTP.CORS.Origins = splitCSV(f.corsOrigins)
		cfg.HTTP.CORS.Enabled = len(cfg.HTTP.CORS.Origins) > 0
	}
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := layer.NewDirStore(cfg.StoreDir)
	if err != nil {
		return err
	}
	genomes, err := openGenomeStore(cfg.GenomeDB)
	if err != nil {
		return err
	}
	defer genomes.Close()

	loader := layer.NewLoader(store, layer.WithLogger(log))
	lc := cache.New(cfg.CacheBudgetBytes(), cache.WithOnEvict(func(id string, size int64) {
		log.Debug().Str("event", "cache_evict").Str("layer", id).Int64("bytes", size).Msg("layer evicted")
	}))

	sp, err := newSpawner(cfg, log)
	if err != nil {
		return err
	}
	pub := manager.LogPublisher{Log: log.With().Str("component", "events").Logger()}
	p := pool.New(cfg.PoolSettings(), sp, pool.WithLogger(log), pool.WithEvents(manager.PoolEvents(pub)))
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Source:          genomes,
		Loader:          loader,
		Cache:           lc,
		Pool:            p,
		DefaultGenome:   cfg.DefaultGenome,
		MaxQueueDepth:   cfg.Admission.MaxQueueDepth,
		MaxInflight:     cfg.Admission.MaxInflight,
		MaxWait:         cfg.Admission.MaxWait.D(),
		DrainTimeout:    cfg.Admission.DrainTimeout.D(),
		Assemble:        cfg.AssembleOptions(),
		ThrashWindow:    cfg.Assembly.ThrashWindow,
		ThrashThreshold: cfg.Assembly.ThrashThreshold,
		Publisher:       pub,
		Logger:          log,
	})

	// A short pool is still served; the health loop keeps filling it.
	if err := p.Initialize(ctx); err != nil {
		log.Warn().Err(err).Str("event", "pool_init_incomplete").Msg("pool below tier minimums")
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetInferTimeout(cfg.HTTP.InferTimeout.D())
	c := cfg.HTTP.CORS
	httpapi.SetCORSOptions(c.Enabled, c.Origins, c.Methods, c.Headers)
	prometheus.MustRegister(httpapi.NewRuntimeCollector(mgr.Stats))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("event", "listen").Str("addr", cfg.Addr).Str("store", store.Root()).Msg("genomed listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Admission.DrainTimeout.D()+cfg.Pool.ShutdownGrace.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("runtime shutdown error")
	}
	log.Info().Str("event", "stopped").Msg("genomed stopped")
	return serveErr
}

func openGenomeStore(path string) (*genome.SQLiteStore, error) {
	p, err := fsutil.PrepareFile(path)
	if err != nil {
		return nil, fmt.Errorf("genome db: %w", err)
	}
	s, err := genome.OpenSQLite(p)
	if err != nil {
		return nil, fmt.Errorf("open genome db %s: %w", p, err)
	}
	return s, nil
}

// newSpawner builds the pool's spawner for the configured worker mode.
func newSpawner(cfg config.Config, log zerolog.Logger) (pool.Spawner, error) {
	w := cfg.Worker
	switch w.Mode {
	case "exec":
		return &pool.ExecSpawner{
			Path:   w.Path,
			Args:   workerArgs(w, cfg.Log.Level),
			Stderr: os.Stderr,
		}, nil
	case "inproc":
		switch w.Engine {
		case "", "echo", "llama":
		default:
			return nil, fmt.Errorf("unknown engine %q", w.Engine)
		}
		wlog := log.With().Str("component", "worker").Logger()
		return &pool.PipeSpawner{Serve: func(ctx context.Context, r io.Reader, out io.Writer) error {
			eng, err := newEngine(w)
			if err != nil {
				return err
			}
			defer eng.Close()
			return worker.Serve(ctx, r, out, eng, worker.Options{Version: version, Log: wlog})
		}}, nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", w.Mode)
	}
}

// workerArgs renders the worker section as genome-worker flags, followed
// by any extra args from the config.
func workerArgs(w config.WorkerConfig, logLevel string) []string {
	args := []string{"--engine", w.Engine}
	if w.ModelPath != "" {
		args = append(args, "--model", w.ModelPath)
	}
	if w.BaseFamily != "" {
		args = append(args, "--base-family", w.BaseFamily)
	}
	if w.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(w.CtxSize))
	}
	if w.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(w.Threads))
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return append(args, w.Args...)
}

func newEngine(w config.WorkerConfig) (worker.Engine, error) {
	switch w.Engine {
	case "", "echo":
		return &worker.EchoEngine{}, nil
	case "llama":
		return worker.NewLlamaEngine(worker.LlamaConfig{
			ModelPath:  w.ModelPath,
			BaseFamily: w.BaseFamily,
			CtxSize:    w.CtxSize,
			Threads:    w.Threads,
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", w.Engine)
	}
}
