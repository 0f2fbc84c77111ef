package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/PieroV/mirror-to-onedrive/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// loadedCfg holds the configuration loaded by PersistentPreRunE. It is
// available to all subcommands after the root pre-run phase completes.
var loadedCfg *config.Config

// skipConfigCommands lists commands that run without a loaded config.
// Uses CommandPath() for explicit matching, safe against future
// subcommand collisions.
var skipConfigCommands = map[string]bool{
	"mirror-to-onedrive help":       true,
	"mirror-to-onedrive completion": true,
}

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mirror-to-onedrive",
		Short:   "One-way mirror of local directories into OneDrive",
		Long:    "A daemon that mirrors selected local directories into a OneDrive account. Local wins: remote-only changes are overwritten or deleted.",
		Version: version,
		// Silence cobra's default error/usage printing; main() handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadRootConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log warnings and errors only")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newServiceCmd())

	return cmd
}

// loadRootConfig resolves the config file location (--config beats the
// environment beats the platform default) and loads it into loadedCfg.
func loadRootConfig() error {
	path := flagConfigPath
	if path == "" {
		path = config.ConfigPath()
	}

	if path == "" {
		return fmt.Errorf("cannot resolve a config file location, pass --config")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	loadedCfg = cfg

	return nil
}

// buildLogger creates the process logger. Human-readable tint output on
// stderr, color only when stderr is a terminal. --verbose and --quiet
// adjust the level.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}
