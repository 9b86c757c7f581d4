// Command genome-worker is the reference worker process. The coordinator
// starts it with stdin/stdout connected to the wire protocol; logs go to
// stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"genomed/internal/logging"
	"genomed/internal/worker"
)

const version = "0.1.0"

type workerFlags struct {
	engine     string
	model      string
	baseFamily string
	ctxSize    int
	threads    int
	delay      time.Duration
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	f := &workerFlags{}
	root := &cobra.Command{
		Use:           "genome-worker",
		Short:         "Serve genome inference over stdin/stdout",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), f)
		},
	}
	root.Flags().StringVar(&f.engine, "engine", "echo", "Inference engine: echo|llama")
	root.Flags().StringVar(&f.model, "model", "", "Base model path (llama engine)")
	root.Flags().StringVar(&f.baseFamily, "base-family", "", "Reject genomes whose layers target another base family")
	root.Flags().IntVar(&f.ctxSize, "ctx-size", 4096, "Context size (llama engine)")
	root.Flags().IntVar(&f.threads, "threads", 0, "Generation threads (llama engine)")
	root.Flags().DurationVar(&f.delay, "echo-delay", 0, "Artificial latency per generation (echo engine)")
	root.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	return root
}

func newEngine(f *workerFlags) (worker.Engine, error) {
	switch f.engine {
	case "echo":
		return &worker.EchoEngine{Delay: f.delay}, nil
	case "llama":
		return worker.NewLlamaEngine(worker.LlamaConfig{
			ModelPath:  f.model,
			BaseFamily: f.baseFamily,
			CtxSize:    f.ctxSize,
			Threads:    f.threads,
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", f.engine)
	}
}

func runWorker(ctx context.Context, f *workerFlags) error {
	log := logging.New(logging.Options{Level: f.logLevel, Output: os.Stderr}).
		With().Str("component", "worker").Int("pid", os.Getpid()).Logger()
	eng, err := newEngine(f)
	if err != nil {
		return err
	}
	// SIGTERM arrives from the coordinator after a missed shutdown grace.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return worker.Serve(ctx, os.Stdin, os.Stdout, eng, worker.Options{Version: version, Log: log})
}

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "genome-worker:", err)
		os.Exit(1)
	}
}
