package cmd

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/process"
	"github.com/relayproxy/relay/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long:  `Start the gateway in the foreground. Configuration is read from the environment (and a .env file when present).`,
	Run:   runStart,
}

func runStart(cmd *cobra.Command, _ []string) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration error: %v", err)
		os.Exit(ExitConfig)
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("configuration loaded",
		"host", cfg.Host,
		"port", cfg.Port,
		"provider", cfg.Provider,
		"mode", cfg.Mode,
		"tier_mode", len(cfg.Tiers) == 4,
	)

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		logger.Error("write pid file", "error", err)
		os.Exit(ExitRuntime)
	}
	defer procMgr.CleanupPID()

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		color.Red("Startup error: %v", err)
		os.Exit(ExitConfig)
	}
	if err := srv.Start(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(ExitRuntime)
	}
}
