// Package cmd implements the relay CLI.
package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/config"
)

const (
	AppName = "relay"
	Version = "0.3.0"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitConfig  = 64
	ExitRuntime = 70
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "Self-hosted LLM gateway",
	Long:    `Relay accepts Anthropic-style Messages requests and dispatches them to cloud or local model providers with complexity-based routing, fallback, and long-term memory.`,
	Version: Version,
}

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger = slog.New(handler)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		logger.Error("failed to get home directory", "error", err)
		os.Exit(ExitRuntime)
	}
	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManager()

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(ExitRuntime)
	}
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
