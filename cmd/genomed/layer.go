package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"genomed/internal/layer"
)

type importFlags struct {
	id          string
	version     string
	family      string
	rank        int
	modules     string
	compression string
}

func buildLayerCmd(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layer",
		Short: "Manage the layer store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fmt.Errorf("layer requires a subcommand: import|list|inspect")
		},
	}
	cmd.AddCommand(buildLayerImportCmd(rf), buildLayerListCmd(rf), buildLayerInspectCmd(rf))
	return cmd
}

func buildLayerImportCmd(rf *rootFlags) *cobra.Command {
	f := &importFlags{}
	cmd := &cobra.Command{
		Use:     "import <weights.f32>",
		Short:   "Import raw little-endian float32 weights as a layer",
		Example: "  genomed layer import --id tone-formal --family llama --rank 8 --modules q_proj,v_proj ./tone.f32",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if len(raw)%4 != 0 {
				return fmt.Errorf("%s: %d bytes is not a whole number of float32 values", args[0], len(raw))
			}
			store, err := layer.NewDirStore(rf.cfg.StoreDir)
			if err != nil {
				return err
			}
			meta := layer.Metadata{
				ID:      f.id,
				Version: f.version,
				Descriptor: layer.Descriptor{
					BaseFamily: f.family,
					Rank:       f.rank,
					Modules:    splitCSV(f.modules),
				},
			}
			got, err := layer.Import(cmd.Context(), store, meta, layer.DecodeWeights(raw), f.compression)
			if err != nil {
				return err
			}
			rf.log.Info().Str("event", "layer_imported").Str("layer", got.ID).
				Int64("bytes", got.Size).Int64("stored_bytes", got.StoredSize).
				Str("compression", got.Compression).Msg("layer imported")
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", got.ID, got.Checksum)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "Layer id (required)")
	fl.StringVar(&f.version, "version", "v1", "Layer version")
	fl.StringVar(&f.family, "family", "", "Base model family the layer targets (required)")
	fl.IntVar(&f.rank, "rank", 8, "Adapter rank")
	fl.StringVar(&f.modules, "modules", "", "Comma-separated sub-modules the layer adapts (required)")
	fl.StringVar(&f.compression, "compression", layer.CompressionZstd, "Payload compression: none|zstd|lz4")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("family")
	_ = cmd.MarkFlagRequired("modules")
	return cmd
}

func buildLayerListCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := layer.NewDirStore(rf.cfg.StoreDir)
			if err != nil {
				return err
			}
			ld := layer.NewLoader(store, layer.WithLogger(rf.log))
			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVERSION\tFAMILY\tRANK\tSIZE\tSTORED\tCOMPRESSION")
			for _, id := range ids {
				m, err := ld.GetLayerMetadata(cmd.Context(), id)
				if err != nil {
					fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t%v\n", id, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", m.ID, m.Version,
					m.Descriptor.BaseFamily, m.Descriptor.Rank, m.Size, m.StoredSize, m.Compression)
			}
			return tw.Flush()
		},
	}
}

func buildLayerInspectCmd(rf *rootFlags) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Print a layer's metadata, optionally verifying its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := layer.NewDirStore(rf.cfg.StoreDir)
			if err != nil {
				return err
			}
			ld := layer.NewLoader(store, layer.WithLogger(rf.log))
			meta, err := ld.GetLayerMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if verify {
				if _, err := ld.LoadLayer(cmd.Context(), args[0], layer.LoadOptions{}); err != nil {
					return err
				}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(meta); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Load the payload and check its checksum")
	return cmd
}
