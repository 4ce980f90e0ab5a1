package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"agentbox/internal/config"
	"agentbox/internal/sandbox"
)

func newSandboxesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandboxes",
		Short: "Manage sandbox instances",
		Long:  "List and prune sandbox instances stored in ~/.local/share/agentbox/ and their containers",
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newPruneCmd())

	return cmd
}

// prunePolicy returns the GC policy in effect for an instance's agent.
func prunePolicy(cfg *config.Config) func(*sandbox.Metadata) config.PruneConfig {
	return func(m *sandbox.Metadata) config.PruneConfig {
		return config.Resolve(cfg.Layers(m.AgentID, nil)).Prune
	}
}

func newListCmd() *cobra.Command {
	var (
		jsonOutput bool
		sortBy     string
		noSize     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sandboxes",
		Long:  "List all sandbox instances with their metadata and container state",
		Example: `  agentbox sandboxes list
  agentbox sandboxes list --json
  agentbox sandboxes list --sort used
  agentbox sandboxes list --no-size`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			instances, err := sandbox.ListAll(cfg.BaseDir())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(instances) == 0 {
				fmt.Fprintln(out, "No sandboxes found.")
				return nil
			}

			// Calculate sizes (default: on)
			if !noSize {
				for _, m := range instances {
					if m.Root == "" {
						continue
					}
					size, err := sandbox.InstanceSize(m.Root)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to calculate size for %s: %v\n", m.Name, err)
					}
					m.SizeBytes = size
				}
			}

			sandbox.SortInstances(instances, sandbox.SortBy(sortBy))

			if jsonOutput {
				return printStructured(out, "json", instances)
			}

			return printTable(out, instances, prunePolicy(cfg), !noSize)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().StringVar(&sortBy, "sort", "name", "Sort by: name, created, used, size")
	cmd.Flags().BoolVar(&noSize, "no-size", false, "Skip size calculation (faster)")

	return cmd
}

func newPruneCmd() *cobra.Command {
	var (
		all       bool
		keep      int
		olderThan string
		dryRun    bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale sandboxes",
		Long: `Remove sandbox instances and their containers.

Without flags, instances past their agent's prune policy (idle_hours,
max_age_days) and orphaned instances are removed.`,
		Example: `  agentbox sandboxes prune              # Apply the configured policy
  agentbox sandboxes prune --all        # Remove all sandboxes
  agentbox sandboxes prune --keep 5     # Keep 5 most recently used
  agentbox sandboxes prune --older-than 30d  # Remove unused for 30 days
  agentbox sandboxes prune --dry-run    # Show what would be removed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			instances, err := sandbox.ListAll(cfg.BaseDir())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(instances) == 0 {
				fmt.Fprintln(out, "No sandboxes found.")
				return nil
			}

			var duration time.Duration
			if olderThan != "" {
				duration, err = parseDuration(olderThan)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", olderThan, err)
				}
			}

			opts := sandbox.PruneOptions{
				All:       all,
				Keep:      keep,
				OlderThan: duration,
				DryRun:    dryRun,
			}

			toPrune := sandbox.SelectForPruning(instances, prunePolicy(cfg), opts)
			if len(toPrune) == 0 {
				fmt.Fprintln(out, "No sandboxes to prune.")
				return nil
			}

			var totalSize int64
			for _, m := range toPrune {
				if m.Root == "" {
					continue
				}
				size, _ := sandbox.InstanceSize(m.Root)
				m.SizeBytes = size
				totalSize += size
			}

			printPruneList(out, toPrune)
			if totalSize > 0 {
				fmt.Fprintf(out, "Total: %s\n\n", sandbox.FormatSize(totalSize))
			}

			if dryRun {
				fmt.Fprintln(out, "Dry run - no sandboxes were removed.")
				return nil
			}

			if !force {
				ok, err := confirm(cmd.InOrStdin(), out, "Remove these sandboxes? [y/N] ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			var removed, failed int
			for _, m := range toPrune {
				if err := sandbox.RemoveInstance(m); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Failed to remove %s: %v\n", m.Name, err)
					failed++
				} else {
					removed++
				}
			}

			fmt.Fprintf(out, "Removed %d sandbox(es)", removed)
			if failed > 0 {
				fmt.Fprintf(out, ", %d failed", failed)
			}
			fmt.Fprintln(out)

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove all sandboxes")
	cmd.Flags().IntVar(&keep, "keep", 0, "Keep N most recently used sandboxes")
	cmd.Flags().StringVar(&olderThan, "older-than", "", "Remove sandboxes not used in duration (e.g., 30d, 2w)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be removed without removing")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")

	return cmd
}

var errNotInteractive = errors.New("refusing to prune without confirmation: stdin is not a terminal (use --force)")

// confirm asks a yes/no question. Only a terminal can answer it.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false, errNotInteractive
	}

	fmt.Fprint(out, prompt)
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false, err
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

func printPruneList(w io.Writer, toPrune []*sandbox.Metadata) {
	fmt.Fprintf(w, "Sandboxes to remove (%d):\n\n", len(toPrune))
	for _, m := range toPrune {
		status := ""
		if m.Orphaned {
			status = " [orphaned]"
		}
		if m.State != "" {
			status += " [" + m.State + "]"
		}
		fmt.Fprintf(w, "  %s%s\n", m.Name, status)
		fmt.Fprintf(w, "    Scope key: %s\n", m.ScopeKey)
		fmt.Fprintf(w, "    Last used: %s\n", m.LastUsed.Format("2006-01-02 15:04"))
		if m.Root != "" {
			fmt.Fprintf(w, "    Size: %s\n", sandbox.FormatSize(m.SizeBytes))
		}
		fmt.Fprintln(w)
	}
}

func printTable(w io.Writer, instances []*sandbox.Metadata, policy func(*sandbox.Metadata) config.PruneConfig, showSize bool) error {
	table := tablewriter.NewWriter(w)

	if showSize {
		table.Header("NAME", "SCOPE", "SCOPE KEY", "CREATED", "LAST USED", "SIZE", "STATUS")
	} else {
		table.Header("NAME", "SCOPE", "SCOPE KEY", "CREATED", "LAST USED", "STATUS")
	}

	now := time.Now()
	for _, m := range instances {
		var status []string
		if m.Orphaned {
			status = append(status, "orphaned")
		}
		if m.State != "" {
			status = append(status, m.State)
		}
		if !m.Orphaned && sandbox.ShouldPrune(policy(m), m, now) {
			status = append(status, "stale")
		}

		scope := string(m.Scope)
		if scope == "" {
			scope = "-"
		}

		scopeKey := m.ScopeKey
		if len(scopeKey) > 40 {
			scopeKey = scopeKey[:37] + "..."
		}

		row := []any{
			m.Name,
			scope,
			scopeKey,
			m.CreatedAt.Format("2006-01-02"),
			m.LastUsed.Format("2006-01-02"),
		}
		if showSize {
			sizeStr := "-"
			if m.Root != "" {
				sizeStr = sandbox.FormatSize(m.SizeBytes)
			}
			row = append(row, sizeStr)
		}
		row = append(row, strings.Join(status, ", "))

		_ = table.Append(row...)
	}

	return table.Render()
}

// parseDuration parses a human-friendly duration like "30d", "2w", "1h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short")
	}

	// Try standard Go duration first
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid number: %s", valueStr)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown unit: %c (use h, d, or w)", unit)
	}
}
