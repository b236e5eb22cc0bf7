package cmd

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/providers"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long:  `Inspect the environment-derived gateway configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show resolved configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Load and validate the configuration, reporting the first error found.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	color.Blue("Resolved configuration:")
	fmt.Printf("  %-18s: %s:%d\n", "Listen", cfg.Host, cfg.Port)
	fmt.Printf("  %-18s: %s\n", "Provider", cfg.Provider)
	fmt.Printf("  %-18s: %s (threshold %d)\n", "Mode", cfg.Mode, cfg.Mode.Threshold())
	fmt.Printf("  %-18s: %v\n", "Tier mode", len(cfg.Tiers) == 4)
	fmt.Printf("  %-18s: %v\n", "Fallback", cfg.FallbackEnabled)
	if cfg.FallbackEnabled {
		fmt.Printf("  %-18s: %s\n", "Fallback provider", cfg.FallbackProvider)
	}
	fmt.Printf("  %-18s: %v\n", "Memory", cfg.Memory.Enabled)
	if cfg.Memory.Enabled {
		fmt.Printf("  %-18s: %s\n", "Memory database", cfg.Memory.DatabasePath())
	}

	// Key material is masked; only presence is reported.
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	color.Blue("Providers:")
	for _, name := range names {
		settings := cfg.Providers[name]
		if settings.BaseURL == "" {
			continue
		}
		key := "no key"
		if settings.APIKey != "" {
			key = "key set"
		}
		local := ""
		if providers.IsLocal(name) {
			local = " (local)"
		}
		fmt.Printf("  %-16s: %s [%s]%s\n", name, settings.BaseURL, key, local)
	}
	return nil
}

func runConfigValidate(_ *cobra.Command, _ []string) error {
	if _, err := cfgMgr.Load(); err != nil {
		color.Red("Invalid: %v", err)
		return err
	}
	color.Green("Configuration is valid")
	return nil
}
