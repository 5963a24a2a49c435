package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/phrazzld/genqueue/internal/config"
	"github.com/phrazzld/genqueue/internal/platform/logger"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "genqueue",
		Short:         "Asynchronous AI task queue",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"path to a YAML config file (default ./config.yaml when present)")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newMigrateCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

// bootstrap loads configuration and sets up structured logging.
func (o *rootOptions) bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(logger.Config{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("configuration loaded",
		"store_driver", cfg.Store.Driver,
		"artifacts_driver", cfg.Artifacts.Driver,
		"mail_driver", cfg.Mail.Driver,
		"node_id", cfg.Server.NodeID)
	return cfg, log, nil
}
