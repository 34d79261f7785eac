package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/coder/config"
)

var (
	configPath string
	logLevel   string
	dataDir    string

	version = "dev"

	// Loaded by the root PersistentPreRunE.
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coder",
	Short: "Autonomous coding assistant",
	Long: `coder drives a language model through rounds of tool calls against a
local workspace until it produces a final answer.

Sessions are persisted and resumable. A daemon keeps sessions alive while
terminal clients attach and detach.

Quick Start:
  coder run "add a --verbose flag to the CLI"   # run in the current directory
  coder sessions list                           # list saved sessions
  coder daemon &                                # keep sessions in the background
  coder attach <session-id> --send "continue"   # follow a session from another terminal`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, path, err := config.LoadOrDefault(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if dataDir != "" {
			loaded.DataDir = dataDir
			loaded.Daemon.Socket = ""
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Logger(os.Stderr)
		slog.SetDefault(logger)
		if path != "" {
			logger.Debug("config loaded", "path", path)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search coder.yaml, ~/.config/coder/config.yaml, /etc/coder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for sessions and the daemon socket")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
