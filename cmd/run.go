package cmd

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relayproxy/relay/internal/process"
)

var runCmd = &cobra.Command{
	Use:   "run <command> [args...]",
	Short: "Run a coding agent through the gateway",
	Long:  `Start the gateway if needed, then execute the given agent command with its Anthropic base URL pointed at the gateway.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAgent,
}

func runAgent(_ *cobra.Command, args []string) error {
	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration error: %v", err)
		os.Exit(ExitConfig)
	}

	procMgr := process.NewManager(baseDir)
	startedByUs, err := procMgr.StartServiceIfNeeded()
	if err != nil {
		return err
	}

	env := os.Environ()
	env = filterEnv(env, "ANTHROPIC_AUTH_TOKEN")
	env = filterEnv(env, "ANTHROPIC_API_KEY")

	if cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+cfg.APIKey)
	} else {
		env = append(env, "ANTHROPIC_AUTH_TOKEN=proxy")
	}
	env = append(env, "ANTHROPIC_BASE_URL=http://"+cfg.Host+":"+strconv.Itoa(cfg.Port))
	env = append(env, "API_TIMEOUT_MS=600000")

	procMgr.IncrementRef()
	defer func() {
		procMgr.DecrementRef()
		if startedByUs && procMgr.ReadRef() == 0 {
			color.Yellow("No more active sessions, stopping auto-started gateway...")
			_ = procMgr.Stop()
		}
	}()

	child := exec.Command(args[0], args[1:]...)
	child.Env = env
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	return child.Run()
}

func filterEnv(env []string, key string) []string {
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, key+"=") {
			out = append(out, kv)
		}
	}
	return out
}
