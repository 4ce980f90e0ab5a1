package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"agentbox/internal/config"
	"agentbox/internal/isolator"
)

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check installation and dependencies",
		Long: `Verify that agentbox can provision browser sandboxes.

Checks:
  - Docker CLI and daemon
  - Configuration file
  - Instance directory permissions
  - Browser image availability`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd)
		},
	}

	return cmd
}

func runDoctor(cmd *cobra.Command) error {
	var results []checkResult

	results = append(results, checkDocker())

	cfg, cfgResult := checkConfig(configPath(cmd))
	results = append(results, cfgResult)
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	results = append(results, checkDirectories(cfg.BaseDir()))
	results = append(results, checkImages(cfg)...)

	out := cmd.OutOrStdout()
	printDoctorResults(out, results)

	for _, r := range results {
		if r.status == "error" {
			fmt.Fprintln(out, "\nSome checks failed.")
			return fmt.Errorf("doctor found issues")
		}
	}

	fmt.Fprintln(out, "\nAll checks passed!")
	return nil
}

func checkDocker() checkResult {
	iso := isolator.NewDockerIsolator(isolator.DockerConfig{})
	if err := iso.Available(); err != nil {
		return checkResult{
			name:    "docker",
			status:  "error",
			message: strings.ReplaceAll(err.Error(), "\n", " - "),
		}
	}

	msg := "daemon reachable"
	if out, err := exec.Command("docker", "version", "--format", "{{.Server.Version}}").Output(); err == nil {
		msg = fmt.Sprintf("server %s", strings.TrimSpace(string(out)))
	}
	return checkResult{name: "docker", status: "ok", message: msg}
}

func checkConfig(path string) (*config.Config, checkResult) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, checkResult{
			name:    "config",
			status:  "ok",
			message: fmt.Sprintf("%s not found, using defaults", path),
		}
	}

	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, checkResult{
			name:    "config",
			status:  "error",
			message: err.Error(),
		}
	}

	return cfg, checkResult{
		name:    "config",
		status:  "ok",
		message: fmt.Sprintf("%s (%d agents)", path, len(cfg.Agents)),
	}
}

func checkDirectories(baseDir string) checkResult {
	info, err := os.Stat(baseDir)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return checkResult{
				name:    "directories",
				status:  "error",
				message: fmt.Sprintf("cannot create %s: %v", baseDir, err),
			}
		}
		return checkResult{
			name:    "directories",
			status:  "ok",
			message: fmt.Sprintf("created %s", baseDir),
		}
	}
	if err != nil {
		return checkResult{
			name:    "directories",
			status:  "error",
			message: fmt.Sprintf("cannot access %s: %v", baseDir, err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    "directories",
			status:  "error",
			message: fmt.Sprintf("%s exists but is not a directory", baseDir),
		}
	}

	testFile := filepath.Join(baseDir, ".doctor-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return checkResult{
			name:    "directories",
			status:  "error",
			message: fmt.Sprintf("%s is not writable: %v", baseDir, err),
		}
	}
	_ = os.Remove(testFile)

	entries, _ := os.ReadDir(baseDir)
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}

	return checkResult{
		name:    "directories",
		status:  "ok",
		message: fmt.Sprintf("%s (%d sandboxes)", baseDir, count),
	}
}

// checkImages reports whether each configured browser image is present
// locally. A missing image is pulled on first use, so it only warns.
func checkImages(cfg *config.Config) []checkResult {
	seen := make(map[string]bool)
	var results []checkResult

	ids := append([]string{""}, cfg.AgentIDs()...)
	for _, id := range ids {
		image := isolator.BrowserImage(config.Resolve(cfg.Layers(id, nil)))
		if seen[image] {
			continue
		}
		seen[image] = true

		r := checkResult{name: "image", status: "ok", message: image}
		if err := exec.Command("docker", "image", "inspect", image).Run(); err != nil {
			r.status = "warn"
			r.message = fmt.Sprintf("%s not present locally - pulled on first use", image)
		}
		results = append(results, r)
	}
	return results
}

func printDoctorResults(w io.Writer, results []checkResult) {
	table := tablewriter.NewWriter(w)
	table.Header("CHECK", "STATUS", "DETAILS")

	for _, r := range results {
		status := r.status
		switch r.status {
		case "ok":
			status = "✓ ok"
		case "warn":
			status = "⚠ warn"
		case "error":
			status = "✗ error"
		}

		_ = table.Append(r.name, status, r.message)
	}

	_ = table.Render()
}
