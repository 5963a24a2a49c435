package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phrazzld/genqueue/internal/config"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var (
		down   bool
		status bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the SQL job store schema",
		Long: "Apply pending schema migrations to the sqlite or postgres job store.\n" +
			"The memory and redis stores have no schema.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.bootstrap()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverSQLite && cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
			}

			store, err := openSQLStore(cmd.Context(), cfg.Store, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Error("error closing database connection", "error", err)
				}
			}()

			switch {
			case status:
				migrations, err := store.Migrations(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
				for _, m := range migrations {
					fmt.Fprintf(w, "%d\t%t\t%s\n", m.Version, m.Applied, m.Path)
				}
				return w.Flush()

			case down:
				return store.MigrateDown(cmd.Context())

			default:
				version, err := store.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether they are applied")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}
