// Package main implements the nexsync command-line tool for
// synchronizing npm package assets between two registries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/nexsync/nexsync/internal/sync"
)

const defaultConfigPath = "./nexsync.toml"

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "nexsync",
	Short: "Synchronize npm packages between two registries",
	Long: `nexsync copies npm package assets from a source registry to a target
registry, either by direct upload (hosted targets) or by triggering
on-demand caching (proxy targets).  Runs are incremental: only assets
modified since the last successful run are transferred.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass",
	Long: `Runs one synchronization pass based on the configuration file.

Usage:
  # Incremental sync using ./nexsync.toml
  nexsync sync

  # Use a custom configuration file
  nexsync sync --config /path/to/nexsync.toml

  # Ignore the cursor and reprocess every asset
  nexsync sync --full

  # Show what would be transferred without doing it
  nexsync sync --dry-run

If the configuration file does not exist, a default template is written
in its place and the run aborts so it can be filled in.`,
	Run: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration template",
	Long:  `Write a default configuration template to the configured path.`,
	Run:   runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("nexsync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("dry-run", false, "list what would be transferred without transferring")
	syncCmd.Flags().Bool("full", false, "ignore the sync cursor and reprocess every asset")
	syncCmd.Flags().Bool("no-progress", false, "disable the progress bar")
}

// formatError returns a human-friendly error message, optionally with stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// loadConfig decodes and validates the configuration file.  A missing
// file gets a default template written in its place; the caller is
// prompted to edit it.
func loadConfig() (*sync.Config, error) {
	config := sync.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("configuration file not found, writing a default template", "path", configPath)
			if werr := sync.WriteDefaultConfig(configPath); werr != nil {
				return nil, werr
			}
			return nil, errors.Newf("created %s; edit it with your registry settings and run again", configPath)
		}
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, errors.Newf("configuration contains unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := config.Log.Apply(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func runSync(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	full, _ := cmd.Flags().GetBool("full")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := sync.Run(ctx, config, sync.Options{
		DryRun:     dryRun,
		Full:       full,
		Quiet:      quiet,
		NoProgress: noProgress,
	})
	if err != nil {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if summary.Failed > 0 {
		os.Exit(2)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if err := config.Check(); err != nil {
		slog.Error("the configuration file is not valid", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("the configuration file passes validation checks")
}

func runInit(_ *cobra.Command, _ []string) {
	if err := sync.WriteDefaultConfig(configPath); err != nil {
		slog.Error("failed to write default configuration", "error", err, "path", configPath)
		os.Exit(1)
	}
	slog.Info("wrote default configuration; edit it with your registry settings", "path", configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
