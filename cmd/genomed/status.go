package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"genomed/pkg/types"
)

func buildStatusCmd(rf *rootFlags) *cobra.Command {
	var (
		server  string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running genomed for its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server == "" {
				server = serverURL(rf.cfg.Addr)
			}
			client := &http.Client{Timeout: timeout}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimSuffix(server, "/")+"/status", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var st types.StatusResponse
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Base URL of the service (defaults to the configured addr)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// serverURL turns a listen address such as ":8080" into a loopback URL.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func printStatus(w io.Writer, st types.StatusResponse) error {
	fmt.Fprintf(w, "state: %s", st.State)
	if st.Degraded != "" {
		fmt.Fprintf(w, " (%s)", st.Degraded)
	}
	fmt.Fprintf(w, "\nuptime: %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	if st.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", st.LastError)
	}
	fmt.Fprintf(w, "cache: %d/%d bytes, %d entries\n", st.Cache.BytesUsed, st.Cache.Budget, st.Cache.Entries)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nGENOME\tREADINESS\tQUEUED\tINFLIGHT")
	for _, g := range st.Genomes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", g.ID, g.Readiness, g.QueueLen, g.Inflight)
	}
	fmt.Fprintln(tw, "\nPROCESS\tSTATE\tTIER\tGENOME\tMEMORY")
	for _, p := range st.Processes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.State, p.Tier, p.GenomeID, p.MemoryBytes)
	}
	return tw.Flush()
}
