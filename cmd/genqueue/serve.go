package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.bootstrap()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// The workers outlive the signal: cleanup stops them in order.
			if err := app.startWorkers(context.Background()); err != nil {
				app.cleanup()
				return err
			}

			srv := newHTTPServer(fmt.Sprintf(":%d", cfg.Server.Port), app.setupRouter())
			return app.serveUntilSignal(cmd.Context(), srv)
		},
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.bootstrap()
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if err := app.startWorkers(context.Background()); err != nil {
				app.cleanup()
				return err
			}

			var srv *http.Server
			if metricsAddr != "" {
				srv = newHTTPServer(metricsAddr, metricsRouter())
			}
			return app.serveUntilSignal(cmd.Context(), srv)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}
