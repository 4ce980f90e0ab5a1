package config

import (
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// Scope is the granularity at which a sandbox configuration is shared.
type Scope string

const (
	// ScopeShared uses one sandbox for the whole system.
	ScopeShared Scope = "shared"
	// ScopeAgent uses one sandbox per agent.
	ScopeAgent Scope = "agent"
	// ScopeSession uses one sandbox per session.
	ScopeSession Scope = "session"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeShared, ScopeAgent, ScopeSession:
		return true
	default:
		return false
	}
}

// SandboxSettings is one configuration layer as written in a config file.
// The global layer lives under [sandbox], agent layers under
// [agents.<id>.sandbox]. A session layer is supplied by the caller.
type SandboxSettings struct {
	// Scope explicitly selects the sandbox scope. Wins over PerSession.
	Scope *Scope `toml:"scope" yaml:"scope,omitempty" json:"scope,omitempty"`

	// PerSession is the legacy switch: true means session, false means shared.
	PerSession *bool `toml:"per_session" yaml:"per_session,omitempty" json:"per_session,omitempty"`

	// BasePath is the directory where sandbox instances are stored.
	// Only read from the global layer.
	BasePath string `toml:"base_path" yaml:"base_path,omitempty" json:"base_path,omitempty"`

	Docker  DockerSandboxConfig  `toml:"docker" yaml:"docker,omitempty" json:"docker,omitempty"`
	Browser BrowserSandboxConfig `toml:"browser" yaml:"browser,omitempty" json:"browser,omitempty"`
	Prune   PruneConfig          `toml:"prune" yaml:"prune,omitempty" json:"prune,omitempty"`
}

// DockerSandboxConfig holds container runtime parameters.
// Scalars are pointers and collections may be nil so that a field missing
// from a layer can be told apart from one set to its zero value.
type DockerSandboxConfig struct {
	Image           *string  `toml:"image" yaml:"image,omitempty" json:"image,omitempty"`
	ContainerPrefix *string  `toml:"container_prefix" yaml:"container_prefix,omitempty" json:"container_prefix,omitempty"`
	Workdir         *string  `toml:"workdir" yaml:"workdir,omitempty" json:"workdir,omitempty"`
	ReadOnlyRoot    *bool    `toml:"read_only_root" yaml:"read_only_root,omitempty" json:"read_only_root,omitempty"`
	Network         *string  `toml:"network" yaml:"network,omitempty" json:"network,omitempty"`
	User            *string  `toml:"user" yaml:"user,omitempty" json:"user,omitempty"`
	SetupCommand    *string  `toml:"setup_command" yaml:"setup_command,omitempty" json:"setup_command,omitempty"`
	PidsLimit       *int64   `toml:"pids_limit" yaml:"pids_limit,omitempty" json:"pids_limit,omitempty"`
	Memory          *string  `toml:"memory" yaml:"memory,omitempty" json:"memory,omitempty"`
	MemorySwap      *string  `toml:"memory_swap" yaml:"memory_swap,omitempty" json:"memory_swap,omitempty"`
	CPUs            *float64 `toml:"cpus" yaml:"cpus,omitempty" json:"cpus,omitempty"`
	SeccompProfile  *string  `toml:"seccomp_profile" yaml:"seccomp_profile,omitempty" json:"seccomp_profile,omitempty"`
	ApparmorProfile *string  `toml:"apparmor_profile" yaml:"apparmor_profile,omitempty" json:"apparmor_profile,omitempty"`

	// Replaced wholesale by a more specific layer.
	Tmpfs      []string `toml:"tmpfs" yaml:"tmpfs,omitempty" json:"tmpfs,omitempty"`
	CapDrop    []string `toml:"cap_drop" yaml:"cap_drop,omitempty" json:"cap_drop,omitempty"`
	DNS        []string `toml:"dns" yaml:"dns,omitempty" json:"dns,omitempty"`
	ExtraHosts []string `toml:"extra_hosts" yaml:"extra_hosts,omitempty" json:"extra_hosts,omitempty"`

	// Merged key by key.
	Env          map[string]string `toml:"env" yaml:"env,omitempty" json:"env,omitempty"`
	Ulimits      map[string]Ulimit `toml:"ulimits" yaml:"ulimits,omitempty" json:"ulimits,omitempty"`
	SecretMounts map[string]string `toml:"secret_mounts" yaml:"secret_mounts,omitempty" json:"secret_mounts,omitempty"`

	// Concatenated global first.
	Binds []string `toml:"binds" yaml:"binds,omitempty" json:"binds,omitempty"`
}

// BrowserSandboxConfig holds browser automation parameters.
type BrowserSandboxConfig struct {
	Enabled            *bool   `toml:"enabled" yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Image              *string `toml:"image" yaml:"image,omitempty" json:"image,omitempty"`
	ContainerPrefix    *string `toml:"container_prefix" yaml:"container_prefix,omitempty" json:"container_prefix,omitempty"`
	Headless           *bool   `toml:"headless" yaml:"headless,omitempty" json:"headless,omitempty"`
	EnableNoVNC        *bool   `toml:"enable_novnc" yaml:"enable_novnc,omitempty" json:"enable_novnc,omitempty"`
	CDPPort            *int    `toml:"cdp_port" yaml:"cdp_port,omitempty" json:"cdp_port,omitempty"`
	VNCPort            *int    `toml:"vnc_port" yaml:"vnc_port,omitempty" json:"vnc_port,omitempty"`
	NoVNCPort          *int    `toml:"novnc_port" yaml:"novnc_port,omitempty" json:"novnc_port,omitempty"`
	CDPSourceRange     *string `toml:"cdp_source_range" yaml:"cdp_source_range,omitempty" json:"cdp_source_range,omitempty"`
	NoVNCPassword      *string `toml:"novnc_password" yaml:"novnc_password,omitempty" json:"novnc_password,omitempty"`
	ScreenResolution   *string `toml:"screen_resolution" yaml:"screen_resolution,omitempty" json:"screen_resolution,omitempty"`
	AllowNoSandbox     *bool   `toml:"allow_no_sandbox" yaml:"allow_no_sandbox,omitempty" json:"allow_no_sandbox,omitempty"`
	AutoStart          *bool   `toml:"auto_start" yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	AutoStartTimeoutMs *int    `toml:"auto_start_timeout_ms" yaml:"auto_start_timeout_ms,omitempty" json:"auto_start_timeout_ms,omitempty"`
}

// PruneConfig holds garbage-collection thresholds for idle sandbox instances.
// A zero or missing threshold disables that rule.
type PruneConfig struct {
	IdleHours  *int `toml:"idle_hours" yaml:"idle_hours,omitempty" json:"idle_hours,omitempty"`
	MaxAgeDays *int `toml:"max_age_days" yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
}

// ResolvedSandboxConfig is the effective configuration for one request.
type ResolvedSandboxConfig struct {
	Scope   Scope                `yaml:"scope" json:"scope"`
	Docker  DockerSandboxConfig  `yaml:"docker" json:"docker"`
	Browser BrowserSandboxConfig `yaml:"browser" json:"browser"`
	Prune   PruneConfig          `yaml:"prune" json:"prune"`
}

// Ulimit is a resource limit. It is written either as a single number
// (soft and hard equal) or as a table with soft and/or hard keys.
type Ulimit struct {
	Value *int64
	Soft  *int64
	Hard  *int64
}

// UlimitValue returns a single-number Ulimit.
func UlimitValue(v int64) Ulimit {
	return Ulimit{Value: &v}
}

// UlimitPair returns a soft/hard Ulimit.
func UlimitPair(soft, hard int64) Ulimit {
	return Ulimit{Soft: &soft, Hard: &hard}
}

// Limits returns the effective soft and hard values.
// A missing side takes the value of the other. ok is false when the
// limit carries no value at all.
func (u Ulimit) Limits() (soft, hard int64, ok bool) {
	if u.Value != nil {
		return *u.Value, *u.Value, true
	}
	if u.Soft == nil && u.Hard == nil {
		return 0, 0, false
	}
	if u.Soft != nil {
		soft = *u.Soft
	}
	if u.Hard != nil {
		hard = *u.Hard
	}
	if u.Soft == nil {
		soft = hard
	}
	if u.Hard == nil {
		hard = soft
	}
	return soft, hard, true
}

type ulimitPair struct {
	Soft *int64 `json:"soft,omitempty" yaml:"soft,omitempty"`
	Hard *int64 `json:"hard,omitempty" yaml:"hard,omitempty"`
}

// UnmarshalTOML implements toml.Unmarshaler.
func (u *Ulimit) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case int64:
		*u = UlimitValue(v)
		return nil
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("ulimit must be an integer, got %v", v)
		}
		*u = UlimitValue(int64(v))
		return nil
	case map[string]any:
		var out Ulimit
		for key, raw := range v {
			n, ok := raw.(int64)
			if !ok {
				return fmt.Errorf("ulimit %s must be an integer, got %T", key, raw)
			}
			switch key {
			case "soft":
				out.Soft = &n
			case "hard":
				out.Hard = &n
			default:
				return fmt.Errorf("unknown ulimit key %q (expected soft or hard)", key)
			}
		}
		*u = out
		return nil
	default:
		return fmt.Errorf("ulimit must be a number or a {soft, hard} table, got %T", data)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *Ulimit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("ulimit: %w", err)
		}
		*u = UlimitValue(v)
		return nil
	}
	var pair ulimitPair
	if err := node.Decode(&pair); err != nil {
		return fmt.Errorf("ulimit: %w", err)
	}
	*u = Ulimit{Soft: pair.Soft, Hard: pair.Hard}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (u Ulimit) MarshalYAML() (any, error) {
	if u.Value != nil {
		return *u.Value, nil
	}
	return ulimitPair{Soft: u.Soft, Hard: u.Hard}, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Ulimit) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err == nil {
		*u = UlimitValue(v)
		return nil
	}
	var pair ulimitPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("ulimit must be a number or a {soft, hard} object: %w", err)
	}
	*u = Ulimit{Soft: pair.Soft, Hard: pair.Hard}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u Ulimit) MarshalJSON() ([]byte, error) {
	if u.Value != nil {
		return json.Marshal(*u.Value)
	}
	return json.Marshal(ulimitPair{Soft: u.Soft, Hard: u.Hard})
}
