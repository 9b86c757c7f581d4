package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"genomed/internal/genome"
	"genomed/internal/layer"
)

func buildGenomeCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genome",
		Short: "Manage the genome database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fmt.Errorf("genome requires a subcommand: put|list|show|rm")
		},
	}
	cmd.AddCommand(
		buildGenomePutCmd(rf),
		buildGenomeListCmd(rf),
		buildGenomeShowCmd(rf),
		buildGenomeRmCmd(rf),
	)
	return cmd
}

// withGenomes opens the configured genome database for one command.
func withGenomes(rf *rootFlags, fn func(*genome.SQLiteStore) error) error {
	s, err := openGenomeStore(rf.cfg.GenomeDB)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// readGenomeFile decodes a genome document by file extension.
func readGenomeFile(path string) (genome.Genome, error) {
	var g genome.Genome
	b, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &g)
	case ".json":
		err = json.Unmarshal(b, &g)
	case ".toml":
		err = toml.Unmarshal(b, &g)
	default:
		return g, fmt.Errorf("unsupported genome file extension: %s", ext)
	}
	if err != nil {
		return g, fmt.Errorf("parse %s: %w", path, err)
	}
	return g, g.Validate()
}

// missingLayers returns the genome's layer ids absent from the store.
func missingLayers(ctx context.Context, ld *layer.Loader, g genome.Genome) ([]string, error) {
	var missing []string
	for _, id := range g.LayerIDs() {
		ok, err := ld.LayerExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func buildGenomePutCmd(rf *rootFlags) *cobra.Command {
	var skipCheck bool
	cmd := &cobra.Command{
		Use:     "put <genome.yaml>",
		Short:   "Create or replace a genome from a YAML, JSON or TOML file",
		Example: "  genomed genome put ./support-agent.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGenomeFile(args[0])
			if err != nil {
				return err
			}
			if !skipCheck {
				store, err := layer.NewDirStore(rf.cfg.StoreDir)
				if err != nil {
					return err
				}
				missing, err := missingLayers(cmd.Context(), layer.NewLoader(store), g)
				if err != nil {
					return err
				}
				if len(missing) > 0 {
					return fmt.Errorf("genome %s references unknown layers: %s", g.ID, strings.Join(missing, ", "))
				}
			}
			return withGenomes(rf, func(s *genome.SQLiteStore) error {
				if err := s.Put(cmd.Context(), g); err != nil {
					return err
				}
				rf.log.Info().Str("event", "genome_put").Str("genome", g.ID).Int("layers", len(g.Layers)).Msg("genome stored")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipCheck, "skip-layer-check", false, "Store the genome even if its layers are not in the store")
	return cmd
}

func buildGenomeListCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List genomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGenomes(rf, func(s *genome.SQLiteStore) error {
				gs, err := s.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tBASE\tLAYERS\tUPDATED")
				for _, g := range gs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.ID, g.BaseModel,
						strings.Join(g.LayerIDs(), ","), g.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
}

func buildGenomeShowCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one genome as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGenomes(rf, func(s *genome.SQLiteStore) error {
				g, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(g); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func buildGenomeRmCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"delete"},
		Short:   "Delete genomes",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGenomes(rf, func(s *genome.SQLiteStore) error {
				for _, id := range args {
					if err := s.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
				}
				return nil
			})
		},
	}
}
