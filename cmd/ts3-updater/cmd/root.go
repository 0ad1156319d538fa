package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/ts3-updater/internal/config"
	"github.com/oshokin/ts3-updater/internal/logger"
	"github.com/oshokin/ts3-updater/internal/service/upgrader"
	"github.com/oshokin/ts3-updater/internal/version"
)

// Execute runs the ts3-updater CLI and exits with non-zero status on error.
func Execute() {
	root := newRootCommand()
	version.AttachCobraVersionCommand(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ts3-updater",
		Short: "Upgrade a TeamSpeak 3 server to the latest published release.",
		Long: `Checks the TeamSpeak downloads page for the latest Linux 64-bit server release
and compares it with the version recorded in the installation directory.

When they differ, the release is downloaded and unpacked, the installation is
copied to <install-path>.<timestamp>, the release is copied over it and the new
version is recorded. Settings come from TS3_UPDATER_* environment variables;
the flags below override them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			if err = configureLogging(cfg); err != nil {
				return err
			}

			_, err = upgrader.Run(ctx, &upgrader.Options{
				Config: cfg,
				Out:    cmd.OutOrStdout(),
			})

			return err
		},
	}

	root.Flags().StringP(config.FlagInstallPath, "i", config.DefaultInstallPath,
		"TeamSpeak server installation directory")
	root.Flags().String(config.FlagReleasePage, config.DefaultReleasePage,
		"page listing the latest server releases")
	root.Flags().BoolP(config.FlagRehearsal, "n", false,
		"report the copy operations without executing them")
	root.Flags().StringP(config.FlagLogLevel, "l", config.DefaultLogLevel,
		"log level: debug, info, warn or error")

	return root
}

// configureLogging applies the configured level to the global logger.
func configureLogging(cfg *config.Config) error {
	level, ok := logger.ParseLogLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}

	logger.SetLevel(level)

	return nil
}
