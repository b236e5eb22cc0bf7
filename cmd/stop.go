package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway",
	Long:  `Stop a running gateway instance.`,
	RunE:  runStop,
}

func runStop(_ *cobra.Command, _ []string) error {
	color.Yellow("Stopping %s...", AppName)

	procMgr := process.NewManager(baseDir)

	if !procMgr.IsRunning() {
		color.Yellow("Service is not running")
		return nil
	}

	if err := procMgr.Stop(); err != nil {
		return err
	}
	procMgr.CleanupRef()

	color.Green("Service stopped")
	return nil
}
