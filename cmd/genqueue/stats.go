package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phrazzld/genqueue/internal/api"
	"github.com/phrazzld/genqueue/internal/queue"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state for both queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.bootstrap()
			if err != nil {
				return err
			}

			// Counting needs no schema changes even when auto_migrate is on.
			storeCfg := cfg.Store
			storeCfg.AutoMigrate = false
			store, closeStore, err := openStore(cmd.Context(), storeCfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeStore(); err != nil {
					log.Error("error closing store", "error", err)
				}
			}()

			var resp api.QueueStatsResponse
			if resp.Tasks, err = store.CountByState(cmd.Context(), cfg.Tasks.Name); err != nil {
				return fmt.Errorf("failed to count jobs: %w", err)
			}
			if resp.Notifications, err = store.CountByState(cmd.Context(), cfg.Notifications.Name); err != nil {
				return fmt.Errorf("failed to count jobs: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tSTALLED\tCOMPLETED\tFAILED\t")
			for _, row := range []struct {
				name  string
				stats queue.Stats
			}{
				{cfg.Tasks.Name, resp.Tasks},
				{cfg.Notifications.Name, resp.Notifications},
			} {
				s := row.stats
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t\n",
					row.name, s.Waiting, s.Active, s.Stalled, s.Completed, s.Failed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
