// Package config provides configuration file support and sandbox
// configuration resolution for agentbox.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number.
	MinPort = 1
	// MaxPort is the maximum valid port number.
	MaxPort = 65535

	DefaultBrowserImage           = "agentbox-browser:bookworm-slim"
	DefaultBrowserContainerPrefix = "agentbox-browser-"
	DefaultCDPPort                = 9222
	DefaultVNCPort                = 5900
	DefaultNoVNCPort              = 6080
	DefaultScreenResolution       = "1280x800x24"
	DefaultScreenDepth            = 24
	DefaultAutoStartTimeoutMs     = 12000

	DefaultPruneIdleHours  = 24
	DefaultPruneMaxAgeDays = 7
)

// Config represents the agentbox configuration file.
type Config struct {
	// Sandbox is the global sandbox layer.
	Sandbox SandboxSettings `toml:"sandbox" yaml:"sandbox" json:"sandbox"`

	// Agents holds per-agent overrides keyed by agent id.
	Agents map[string]AgentConfig `toml:"agents" yaml:"agents,omitempty" json:"agents,omitempty"`

	// Logging contains remote logging settings.
	Logging LoggingConfig `toml:"logging" yaml:"logging,omitempty" json:"logging,omitempty"`
}

// AgentConfig is the per-agent section of the config file.
type AgentConfig struct {
	Sandbox SandboxSettings `toml:"sandbox" yaml:"sandbox" json:"sandbox"`
}

// LoggingConfig contains remote logging configuration.
type LoggingConfig struct {
	// Receivers is a list of remote log destinations.
	Receivers []ReceiverConfig `toml:"receivers" yaml:"receivers,omitempty" json:"receivers,omitempty"`

	// Attributes are custom key-value pairs added to all log entries.
	Attributes map[string]string `toml:"attributes" yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// ReceiverConfig defines a single log receiver.
type ReceiverConfig struct {
	// Type is the receiver type: "syslog", "syslog-remote", or "otlp".
	Type string `toml:"type" yaml:"type" json:"type"`

	// Address is the remote server address (for syslog-remote and otlp).
	Address string `toml:"address" yaml:"address,omitempty" json:"address,omitempty"`

	// Endpoint is the OTLP endpoint URL (alias for Address, for otlp type).
	Endpoint string `toml:"endpoint" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Protocol is the transport protocol:
	// - For syslog-remote: "udp" or "tcp" (default: udp)
	// - For otlp: "http" or "grpc" (default: http)
	Protocol string `toml:"protocol" yaml:"protocol,omitempty" json:"protocol,omitempty"`

	// Facility is the syslog facility (e.g., "local0").
	Facility string `toml:"facility" yaml:"facility,omitempty" json:"facility,omitempty"`

	// Tag is the syslog program tag.
	Tag string `toml:"tag" yaml:"tag,omitempty" json:"tag,omitempty"`

	// Headers are custom HTTP headers for OTLP.
	Headers map[string]string `toml:"headers" yaml:"headers,omitempty" json:"headers,omitempty"`

	// BatchSize is the OTLP batch size before flush.
	BatchSize int `toml:"batch_size" yaml:"batch_size,omitempty" json:"batch_size,omitempty"`

	// FlushInterval is the OTLP flush interval (e.g., "5s").
	FlushInterval string `toml:"flush_interval" yaml:"flush_interval,omitempty" json:"flush_interval,omitempty"`

	// Insecure disables TLS verification for gRPC connections.
	Insecure bool `toml:"insecure" yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	idle, age := DefaultPruneIdleHours, DefaultPruneMaxAgeDays
	return &Config{
		Sandbox: SandboxSettings{
			Prune: PruneConfig{IdleHours: &idle, MaxAgeDays: &age},
		},
	}
}

// Layers returns the configuration layers for a request from agentID.
// session is the caller-supplied session layer and may be nil.
func (c *Config) Layers(agentID string, session *SandboxSettings) Layers {
	layers := Layers{Global: c.Sandbox, Session: session}
	if agent, ok := c.Agents[agentID]; ok {
		layers.Agent = &agent.Sandbox
	}
	return layers
}

// AgentIDs returns the configured agent ids in sorted order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ConfigPath returns the path to the config file.
// Uses XDG_CONFIG_HOME/agentbox/config.toml or ~/.config/agentbox/config.toml
func ConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "agentbox", "config.toml")
}

// DataDir returns the default base directory for sandbox instances.
// Uses XDG_DATA_HOME/agentbox or ~/.local/share/agentbox
func DataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "agentbox")
}

// BaseDir returns the configured instance base directory or DataDir.
func (c *Config) BaseDir() string {
	if c.Sandbox.BasePath != "" {
		return c.Sandbox.BasePath
	}
	return DataDir()
}

// Load reads the configuration from the default path.
// Returns default config if file doesn't exist.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the configuration from the specified path.
// Returns default config if file doesn't exist. The format is picked from
// the file extension: .yaml/.yml, .json/.jsonc, anything else is TOML.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Expand ~ in base path
	if cfg.Sandbox.BasePath != "" {
		cfg.Sandbox.BasePath = expandHome(cfg.Sandbox.BasePath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadSettingsFile reads a single sandbox layer, such as a session
// override, from path. The file holds the fields of a [sandbox] section at
// its top level.
func LoadSettingsFile(path string) (*SandboxSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s SandboxSettings
	if err := decode(path, data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := s.Validate("session"); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &s, nil
}

func decode(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		return dec.Decode(v)
	default:
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return err
		}
		for _, key := range md.Undecoded() {
			// Ulimit tables are decoded by Ulimit.UnmarshalTOML.
			if slices.Contains(key, "ulimits") {
				continue
			}
			return fmt.Errorf("unknown configuration key %q", key.String())
		}
		return nil
	}
}

// expandHome expands ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if len(path) == 1 {
		return home
	}

	if path[1] == '/' {
		return filepath.Join(home, path[2:])
	}

	return path
}

// GenerateDefault returns the default configuration as a TOML string
// with comments explaining each option.
func GenerateDefault() string {
	return `# agentbox configuration file
# Location: ~/.config/agentbox/config.toml

# Global sandbox layer
[sandbox]
# Isolation scope: "shared", "agent" (default) or "session".
# scope = "agent"

# Legacy switch, ignored when scope is set:
# true selects "session", false selects "shared".
# per_session = false

# Base directory for sandbox instances
# Defaults to ~/.local/share/agentbox if not set
# base_path = "~/.local/share/agentbox"

[sandbox.docker]
# image = "debian:bookworm-slim"
# network = "bridge"
# read_only_root = false
# memory = "2g"
# cpus = 2.0
# pids_limit = 512
# cap_drop = ["ALL"]
# tmpfs = ["/tmp"]
# Container name prefix, used when browser.container_prefix is not set
# container_prefix = "agentbox-browser-"
# Runs once with "sh -lc" in each newly created container
# setup_command = "apt-get update && apt-get install -y fonts-noto"

# Environment (merged key by key, agent values win)
# [sandbox.docker.env]
# LANG = "C.UTF-8"

# Resource limits: a single value or a soft/hard pair
# [sandbox.docker.ulimits]
# nproc = 256
# nofile = { soft = 1024, hard = 2048 }

# Host binds (agent binds are appended after these)
# binds = ["/srv/shared:/shared:ro"]

# Files mounted read-only into the container: container path = host path or volume
# [sandbox.docker.secret_mounts]
# "/run/secrets/api-token" = "/srv/secrets/api-token"

[sandbox.browser]
# enabled = false
# image = "agentbox-browser:bookworm-slim"
# headless = false
# enable_novnc = true
# cdp_port = 9222
# vnc_port = 5900
# novnc_port = 6080
# Restrict debug-protocol clients to an address range
# cdp_source_range = "172.17.0.0/16"
# Viewer password (at most 8 characters, generated when empty)
# novnc_password = ""
# WIDTHxHEIGHT[xDEPTH]; depth defaults to 24
# screen_resolution = "1280x800x24"
# Disable the Chromium sandbox (needs no user namespaces)
# allow_no_sandbox = false
# Wait for the debug endpoint after "agentbox up" (false implies --no-wait)
# auto_start = true
# auto_start_timeout_ms = 12000

[sandbox.prune]
# Remove instances idle for longer than this many hours (0 disables)
idle_hours = 24
# Remove instances older than this many days (0 disables)
max_age_days = 7

# Per-agent overrides use the same layout under [agents.<id>.sandbox]
# [agents.research.sandbox]
# scope = "session"
# [agents.research.sandbox.browser]
# headless = true

# Remote logging configuration
[logging]

# Custom attributes added to all log entries
# [logging.attributes]
# environment = "development"

# Example: Local syslog
# [[logging.receivers]]
# type = "syslog"
# facility = "local0"
# tag = "agentbox"

# Example: Remote syslog server
# [[logging.receivers]]
# type = "syslog-remote"
# address = "logs.example.com:514"
# protocol = "udp"  # or "tcp"

# Example: OpenTelemetry collector (HTTP)
# [[logging.receivers]]
# type = "otlp"
# endpoint = "http://localhost:4318/v1/logs"
# headers = { "Authorization" = "Bearer token" }
# batch_size = 100
# flush_interval = "5s"

# Example: OpenTelemetry collector (gRPC)
# [[logging.receivers]]
# type = "otlp"
# endpoint = "localhost:4317"
# protocol = "grpc"
# insecure = true
`
}
