package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/package-conveyor/internal/config"
	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/service/pipeline"
	"github.com/oshokin/package-conveyor/internal/version"
)

var (
	// configPath to the pipeline configuration YAML file.
	configPath string
	// logLevel is the minimum level for run output.
	logLevel string
	// timeout overrides the configured total-run ceiling when positive.
	timeout time.Duration
	// strictPatches turns patch rules that match nothing into failures.
	strictPatches bool
	// keepWorkspace leaves the run workspace on disk for inspection.
	keepWorkspace bool
	// parallelBuilds builds all target platforms concurrently.
	parallelBuilds bool

	// rootCmd represents the base command for running the release pipeline.
	rootCmd = &cobra.Command{
		Use:   "conveyor",
		Short: "Run the package release pipeline end to end.",
		Long: `Runs the five-stage release pipeline described by the configuration file.

The pipeline prepares an ephemeral workspace, fetches the source at the pinned
revision, applies the configured patch rules in order, builds a package for
every target platform, and publishes the artifacts and their checksum siblings
to the destination prefix. Stages run strictly in order and the first failure
aborts the run before anything reaches the destination.

Concurrent runs sharing a run key supersede each other: the newer run wins and
the older one stands down without uploading anything.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			logger.SetLevel(level)

			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &pipeline.Options{
				ConfigPath:     configPath,
				Timeout:        timeout,
				StrictPatches:  strictPatches,
				KeepWorkspace:  keepWorkspace,
				ParallelBuilds: parallelBuilds,
			}

			return pipeline.Run(ctx, options)
		},
	}
)

// Execute runs the conveyor CLI and exits with non-zero status on error.
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
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "total run timeout, overrides the configured value")
	rootCmd.Flags().BoolVar(&strictPatches, "strict-patches", false, "fail when a patch rule matches nothing")
	rootCmd.Flags().BoolVar(&keepWorkspace, "keep-workspace", false, "keep the workspace directory after the run")
	rootCmd.Flags().BoolVar(&parallelBuilds, "parallel-builds", false, "build all target platforms concurrently")
}
