package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Display whether the gateway is running and where it listens.`,
	Run:   runStatus,
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir)
	cfg, _ := cfgMgr.Load()

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-12s: %v\n", "Running", procMgr.IsRunning())
	fmt.Printf("  %-12s: %d\n", "PID", procMgr.ReadPID())

	if cfg != nil {
		fmt.Printf("  %-12s: http://%s:%d\n", "Endpoint", cfg.Host, cfg.Port)
		fmt.Printf("  %-12s: %s\n", "Provider", cfg.Provider)
		fmt.Printf("  %-12s: %s\n", "Mode", cfg.Mode)
		if cfg.FallbackEnabled {
			fmt.Printf("  %-12s: %s\n", "Fallback", cfg.FallbackProvider)
		}
	}

	fmt.Printf("  %-12s: %d\n", "Sessions", procMgr.ReadRef())
	fmt.Printf("  %-12s: v%s\n", "Version", Version)
}
