package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentbox/internal/config"
)

// requestFlags identify the agent and session a sandbox is resolved for.
type requestFlags struct {
	agentID       string
	sessionKey    string
	sessionConfig string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.agentID, "agent", "", "Agent id")
	cmd.Flags().StringVar(&f.sessionKey, "session", "", "Session key")
	cmd.Flags().StringVar(&f.sessionConfig, "session-config", "", "File holding the session sandbox layer")
}

// resolve loads the config and applies the request's layers.
func (f *requestFlags) resolve(cmd *cobra.Command) (*config.Config, config.ResolvedSandboxConfig, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, config.ResolvedSandboxConfig{}, err
	}

	var session *config.SandboxSettings
	if f.sessionConfig != "" {
		session, err = config.LoadSettingsFile(f.sessionConfig)
		if err != nil {
			return nil, config.ResolvedSandboxConfig{}, err
		}
	}

	return cfg, config.Resolve(cfg.Layers(f.agentID, session)), nil
}

// resolveResult is the resolved configuration plus the physical sandbox
// it maps to.
type resolveResult struct {
	ScopeKey                     string `json:"scope_key" yaml:"scope_key"`
	config.ResolvedSandboxConfig `yaml:",inline"`
}

func newResolveCmd() *cobra.Command {
	var (
		req    requestFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the effective sandbox configuration for a request",
		Long: `Resolve the sandbox configuration for an agent and session.

The global [sandbox] layer is merged with [agents.<id>.sandbox]. Under
session scope the layer from --session-config is applied on top.`,
		Example: `  agentbox resolve --agent main
  agentbox resolve --agent main --session chat-42 --session-config session.toml -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resolved, err := req.resolve(cmd)
			if err != nil {
				return err
			}

			result := resolveResult{
				ScopeKey:              config.ScopeKey(resolved.Scope, req.agentID, req.sessionKey),
				ResolvedSandboxConfig: resolved,
			}
			return printStructured(cmd.OutOrStdout(), output, result)
		},
	}

	req.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json, yaml")

	return cmd
}

func printStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unknown output format %q (use json or yaml)", format)
	}
}
