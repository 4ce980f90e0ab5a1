package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentbox/internal/config"
	"agentbox/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentbox",
		Short: "Browser sandboxes for agents",
		Long: `agentbox - provision isolated browser sandboxes for agents

Each sandbox is a container running a headful or headless Chromium with
its debug protocol exposed on one port and an optional web viewer.
Sandboxes are shared, per agent, or per session depending on the
resolved scope.

Configuration file: ~/.config/agentbox/config.toml
(or $XDG_CONFIG_HOME/agentbox/config.toml)`,
		Example: `  agentbox resolve --agent main -o yaml
  agentbox up --agent main
  agentbox up --agent main --session chat-42 --session-config ./session.toml
  agentbox sandboxes list
  agentbox sandboxes prune --dry-run`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default "+config.ConfigPath()+")")
	rootCmd.SetVersionTemplate("agentbox {{.Version}}\n")

	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newUpCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newSandboxesCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbox %s\n", version.String())
		},
	}
}

// configPath returns the --config flag value or the default path.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.ConfigPath()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.LoadFrom(configPath(cmd))
}
