package sandbox

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"agentbox/internal/config"
)

const MetadataFile = "metadata.json"

// Metadata stores information about a sandbox instance
type Metadata struct {
	Name       string       `json:"name"`
	Scope      config.Scope `json:"scope"`
	ScopeKey   string       `json:"scope_key"`
	AgentID    string       `json:"agent_id,omitempty"`
	SessionKey string       `json:"session_key,omitempty"`
	Container  string       `json:"container,omitempty"`
	ConfigHash string       `json:"config_hash,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsed   time.Time    `json:"last_used"`

	// Computed fields (not persisted)
	Root      string `json:"-"`
	SizeBytes int64  `json:"-"`
	Orphaned  bool   `json:"-"` // No metadata, or a container without a directory
	State     string `json:"-"` // Container state: "running", "exited", ...
}

// SaveMetadata writes metadata to the instance directory
func SaveMetadata(m *Metadata, root string) error {
	path := filepath.Join(root, MetadataFile)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write then rename so a crash never leaves a truncated file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// LoadMetadata reads metadata from an instance directory
func LoadMetadata(root string) (*Metadata, error) {
	path := filepath.Join(root, MetadataFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	m.Root = root
	return &m, nil
}

// ListInstances returns all instances in the base directory
func ListInstances(baseDir string) ([]*Metadata, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No instances yet
		}
		return nil, fmt.Errorf("failed to read instance directory: %w", err)
	}

	var instances []*Metadata

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		root := filepath.Join(baseDir, entry.Name())
		m, err := LoadMetadata(root)
		if err != nil {
			m = metadataFromDir(root, entry.Name())
		}

		instances = append(instances, m)
	}

	return instances, nil
}

// metadataFromDir describes an instance directory without metadata.json
func metadataFromDir(root, name string) *Metadata {
	createdAt := time.Now()
	if info, err := os.Stat(root); err == nil {
		createdAt = info.ModTime()
	}

	return &Metadata{
		Name:      name,
		ScopeKey:  "(unknown)",
		CreatedAt: createdAt,
		LastUsed:  createdAt,
		Root:      root,
		Orphaned:  true,
	}
}

// ListAll returns instance directories merged with managed containers.
// Containers are matched to directories by name; a container without a
// directory is listed on its own and marked orphaned.
func ListAll(baseDir string) ([]*Metadata, error) {
	instances, err := ListInstances(baseDir)
	if err != nil {
		return nil, err
	}

	containers, err := ListDockerSandboxes()
	if err != nil {
		// Docker being unavailable only hides container state
		return instances, nil
	}

	byContainer := make(map[string]*Metadata, len(instances))
	for _, m := range instances {
		if m.Container != "" {
			byContainer[m.Container] = m
		}
	}
	for _, c := range containers {
		if m, ok := byContainer[c.Container]; ok {
			m.State = c.State
			continue
		}
		c.Orphaned = true
		instances = append(instances, c)
	}
	return instances, nil
}

// InstanceSize calculates the total size of an instance directory
func InstanceSize(root string) (int64, error) {
	var size int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible files
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err == nil {
				size += info.Size()
			}
		}
		return nil
	})

	return size, err
}

// SortBy defines sorting options for instance lists
type SortBy string

const (
	SortByName    SortBy = "name"
	SortByCreated SortBy = "created"
	SortByUsed    SortBy = "used"
	SortBySize    SortBy = "size"
)

// SortInstances sorts instances by the specified field
func SortInstances(instances []*Metadata, by SortBy) {
	sort.SliceStable(instances, func(i, j int) bool {
		switch by {
		case SortByCreated:
			return instances[i].CreatedAt.Before(instances[j].CreatedAt)
		case SortByUsed:
			return instances[i].LastUsed.Before(instances[j].LastUsed)
		case SortBySize:
			return instances[i].SizeBytes < instances[j].SizeBytes
		default: // SortByName
			return instances[i].Name < instances[j].Name
		}
	})
}

// PruneOptions configures instance pruning behavior
type PruneOptions struct {
	All       bool          // Remove all instances
	Keep      int           // Keep N most recently used instances
	OlderThan time.Duration // Remove instances not used in this duration, overriding policy
	DryRun    bool          // Don't actually remove, just report
	Now       time.Time     // Reference time; zero means time.Now()
}

// ShouldPrune reports whether an instance is past its GC policy: idle
// longer than IdleHours or older than MaxAgeDays. A zero or missing
// threshold disables that rule.
func ShouldPrune(prune config.PruneConfig, m *Metadata, now time.Time) bool {
	if h := prune.IdleHours; h != nil && *h > 0 {
		if now.Sub(m.LastUsed) > time.Duration(*h)*time.Hour {
			return true
		}
	}
	if d := prune.MaxAgeDays; d != nil && *d > 0 {
		if now.Sub(m.CreatedAt) > time.Duration(*d)*24*time.Hour {
			return true
		}
	}
	return false
}

// SelectForPruning returns instances that should be pruned. resolvePrune
// supplies the GC policy in effect for each instance's agent.
func SelectForPruning(instances []*Metadata, resolvePrune func(*Metadata) config.PruneConfig, opts PruneOptions) []*Metadata {
	if len(instances) == 0 {
		return nil
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	// Sort by last used (most recent first)
	sorted := make([]*Metadata, len(instances))
	copy(sorted, instances)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUsed.After(sorted[j].LastUsed)
	})

	var toPrune []*Metadata
	cutoff := now.Add(-opts.OlderThan)

	for i, m := range sorted {
		if opts.All {
			toPrune = append(toPrune, m)
			continue
		}

		// Keep N most recently used
		if opts.Keep > 0 && i < opts.Keep {
			continue
		}

		switch {
		case m.Orphaned:
		case opts.OlderThan > 0:
			if m.LastUsed.After(cutoff) {
				continue
			}
		case opts.Keep > 0:
			// Everything past the kept set
		default:
			if resolvePrune == nil || !ShouldPrune(resolvePrune(m), m, now) {
				continue
			}
		}

		toPrune = append(toPrune, m)
	}

	return toPrune
}

// RemoveInstance removes the instance's container, if any, and its directory.
func RemoveInstance(m *Metadata) error {
	if m.Container != "" {
		if err := RemoveDockerContainer(m.Container); err != nil {
			return err
		}
	}
	if m.Root == "" {
		return nil
	}
	if err := os.RemoveAll(m.Root); err != nil {
		return fmt.Errorf("failed to remove %s: %w", m.Root, err)
	}
	return nil
}

// FormatSize formats bytes as human-readable string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
