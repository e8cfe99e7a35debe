package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/service/plan"
	"github.com/oshokin/package-conveyor/internal/version"
)

var (
	// configPath to the pipeline configuration YAML file.
	configPath string
	// logLevel is the minimum level for diagnostic output.
	logLevel string

	// rootCmd represents the base command for rendering the release plan.
	rootCmd = &cobra.Command{
		Use:   "conveyor-plan",
		Short: "Render the release plan without running the pipeline.",
		Long: `Prints a human-readable plan of what a pipeline run would do.

The plan lists the run key, the credentials and tools the run needs, the
source to fetch, the patch rules in the order they apply, the package built
for every target platform, and the exact artifact list published to the
destination prefix. Nothing is downloaded, built, or uploaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			logger.SetLevel(level)

			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &plan.Options{
				ConfigPath: configPath,
				Out:        cmd.OutOrStdout(),
			}

			return plan.Run(ctx, options)
		},
	}
)

// Execute runs the conveyor-plan CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
}
