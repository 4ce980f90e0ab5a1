package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"agentbox/internal/browser"
	"agentbox/internal/config"
	"agentbox/internal/isolator"
	"agentbox/internal/logging"
	"agentbox/internal/sandbox"
)

func newUpCmd() *cobra.Command {
	var (
		req         requestFlags
		publishHost string
		pull        string
		recreate    bool
		noWait      bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the browser sandbox for a request",
		Long: `Start, or reuse, the browser sandbox that the request resolves to.

A running container is reused while its configuration is unchanged.
When the resolved configuration changes the container is recreated;
the instance home directory, and with it the browser profile, is kept.`,
		Example: `  agentbox up --agent main
  agentbox up --agent main --session chat-42 --session-config session.toml
  agentbox up --recreate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolved, err := req.resolve(cmd)
			if err != nil {
				return err
			}
			if resolved.Browser.Enabled != nil && !*resolved.Browser.Enabled {
				return errors.New("browser sandbox is disabled for this agent")
			}

			logs, err := logging.NewDispatcherFromConfig(cfg.Logging, filepath.Join(cfg.BaseDir(), "logs"), nil)
			if err != nil {
				return err
			}
			defer func() { _ = logs.Close() }()
			log := logs.Logger("up")

			hash, err := sandbox.ConfigHash(resolved)
			if err != nil {
				return err
			}
			inst := sandbox.NewInstance(cfg.BaseDir(), resolved.Scope, req.agentID, req.sessionKey, isolator.ContainerPrefix(resolved))
			wait := shouldWait(noWait, resolved)

			iso, err := isolator.New(isolator.BackendDocker, isolator.DockerConfig{PullPolicy: pull})
			if err != nil {
				return err
			}

			state, err := sandbox.ContainerState(inst.Container)
			if err != nil {
				return err
			}

			settings := browser.SettingsFromConfig(resolved.Browser)
			out := cmd.OutOrStdout()

			if state != "" {
				prev, _ := sandbox.LoadMetadata(inst.Root)
				if !recreate && prev != nil && prev.ConfigHash == hash {
					if state != "running" {
						log.Infof("starting stopped container %s", inst.Container)
						if err := sandbox.StartDockerContainer(inst.Container); err != nil {
							return err
						}
					}
					if _, err := inst.Ensure(hash); err != nil {
						return err
					}
					log.Infof("reusing %s for %s", inst.Container, inst.ScopeKey)
					if wait {
						waitReady(cmd, settings, resolved, publishHost)
					}
					printEndpoints(out, inst, settings, publishHost, "")
					return nil
				}

				log.Infof("recreating %s: configuration changed", inst.Container)
				if err := sandbox.RemoveDockerContainer(inst.Container); err != nil {
					return err
				}
			}

			m, err := inst.Ensure(hash)
			if err != nil {
				return err
			}

			var password string
			if settings.ViewerEnabled() {
				password = browser.ViewerPassword(settings.NoVNCPassword)
			}

			id, err := iso.StartBrowser(cmd.Context(), &isolator.LaunchSpec{
				Resolved:       resolved,
				Instance:       inst,
				ConfigHash:     hash,
				CreatedAt:      m.CreatedAt,
				PublishHost:    publishHost,
				ViewerPassword: password,
			})
			if err != nil {
				log.Errorf("start %s: %v", inst.Container, err)
				return err
			}
			log.Infof("started %s (%s) for %s", inst.Container, shortID(id), inst.ScopeKey)

			if wait {
				waitReady(cmd, settings, resolved, publishHost)
			}
			printEndpoints(out, inst, settings, publishHost, password)
			return nil
		},
	}

	req.register(cmd)
	cmd.Flags().StringVar(&publishHost, "publish-host", "127.0.0.1", "Host address the sandbox ports are published on")
	cmd.Flags().StringVar(&pull, "pull", "missing", "Image pull policy: always, missing, never")
	cmd.Flags().BoolVar(&recreate, "recreate", false, "Recreate the container even if its configuration is unchanged")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Do not wait for the debug endpoint to answer (implied by browser.auto_start = false)")

	return cmd
}

// shouldWait reports whether up waits for the debug endpoint. With
// auto_start disabled the browser is left to come up on its own.
func shouldWait(noWait bool, resolved config.ResolvedSandboxConfig) bool {
	if noWait {
		return false
	}
	return resolved.Browser.AutoStart == nil || *resolved.Browser.AutoStart
}

// probeHost is the address the published debug port is reachable on.
func probeHost(publishHost string) string {
	switch publishHost {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return publishHost
}

// waitReady polls the published debug endpoint for up to auto_start_timeout_ms.
// A sandbox that is slow to come up is reported, not treated as a failure.
func waitReady(cmd *cobra.Command, s browser.Settings, resolved config.ResolvedSandboxConfig, publishHost string) {
	timeout := config.DefaultAutoStartTimeoutMs
	if resolved.Browser.AutoStartTimeoutMs != nil && *resolved.Browser.AutoStartTimeoutMs > 0 {
		timeout = *resolved.Browser.AutoStartTimeoutMs
	}
	interval := 250 * time.Millisecond
	attempts := max(1, int(time.Duration(timeout)*time.Millisecond/interval))

	if err := browser.WaitForDebugEndpoint(s.CDPPort, browser.ReadinessConfig{
		Host:     probeHost(publishHost),
		Attempts: attempts,
		Interval: interval,
	}); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: debug endpoint not ready after %dms: %v\n", timeout, err)
	}
}

func printEndpoints(w io.Writer, inst *sandbox.Instance, s browser.Settings, host, password string) {
	fmt.Fprintf(w, "Sandbox:   %s (%s)\n", inst.ScopeKey, inst.Container)
	fmt.Fprintf(w, "Home:      %s\n", inst.Home)
	fmt.Fprintf(w, "CDP:       http://%s:%d\n", host, s.CDPPort)
	if !s.ViewerEnabled() {
		return
	}
	fmt.Fprintf(w, "Viewer:    http://%s:%d/vnc.html\n", host, s.NoVNCPort)
	switch {
	case password != "":
		fmt.Fprintf(w, "Password:  %s\n", password)
	case s.NoVNCPassword != "":
		fmt.Fprintln(w, "Password:  (configured)")
	default:
		fmt.Fprintln(w, "Password:  (unchanged; use --recreate to issue a new one)")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
