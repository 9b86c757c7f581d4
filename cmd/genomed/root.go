package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genomed/internal/config"
	"genomed/internal/logging"
)

const version = "0.1.0"

// rootFlags are shared by every subcommand. cfg and log are filled in by
// the persistent pre-run.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log zerolog.Logger
}

func buildRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "genomed",
		Short:         "Genome runtime: assemble layer stacks and serve inference",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Config file (.yaml, .yml, .json or .toml)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "Log format: json|console (overrides config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return f.load()
	}

	root.AddCommand(
		buildServeCmd(f),
		buildLayerCmd(f),
		buildGenomeCmd(f),
		buildStatusCmd(f),
	)
	return root
}

// load resolves configuration as defaults, then file, then GENOMED_*
// environment, then flags.
func (f *rootFlags) load() error {
	cfg := config.Defaults()
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return err
	}
	if v := strings.TrimSpace(f.logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(f.logFormat); v != "" {
		cfg.Log.Format = v
	}
	f.cfg = cfg
	f.log = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return nil
}

// splitCSV splits a comma-separated flag value, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
