package config

import (
	"maps"
	"slices"
)

// Layers are the configuration layers for one sandbox request, least
// specific first. Agent and Session may be nil.
type Layers struct {
	Global  SandboxSettings
	Agent   *SandboxSettings
	Session *SandboxSettings
}

// Resolve computes the effective sandbox configuration.
// The scope comes from the agent layer's scope options where set, else the
// global layer's. The session layer only takes part under session scope,
// where it is folded on top of the already resolved agent view.
func Resolve(layers Layers) ResolvedSandboxConfig {
	opts := ScopeOptions{PerSession: layers.Global.PerSession, Scope: layers.Global.Scope}
	if layers.Agent != nil {
		if layers.Agent.PerSession != nil {
			opts.PerSession = layers.Agent.PerSession
		}
		if layers.Agent.Scope != nil {
			opts.Scope = layers.Agent.Scope
		}
	}
	scope := ResolveScope(opts)

	var agent SandboxSettings
	if layers.Agent != nil {
		agent = *layers.Agent
	}

	resolved := ResolvedSandboxConfig{
		Scope:   scope,
		Docker:  ResolveDockerConfig(scope, layers.Global.Docker, agent.Docker),
		Browser: ResolveBrowserConfig(scope, layers.Global.Browser, agent.Browser),
		Prune:   ResolvePruneConfig(scope, layers.Global.Prune, agent.Prune),
	}

	if scope == ScopeSession && layers.Session != nil {
		resolved.Docker = ResolveDockerConfig(scope, resolved.Docker, layers.Session.Docker)
		resolved.Browser = ResolveBrowserConfig(scope, resolved.Browser, layers.Session.Browser)
		resolved.Prune = ResolvePruneConfig(scope, resolved.Prune, layers.Session.Prune)
	}

	return resolved
}

// ResolveDockerConfig merges container settings for a scope.
// Shared scope returns a copy of global. Otherwise scalars prefer specific,
// env/ulimits/secret mounts are unioned with specific winning, binds are
// concatenated global first, and the remaining lists are replaced wholesale.
func ResolveDockerConfig(scope Scope, global, specific DockerSandboxConfig) DockerSandboxConfig {
	if scope == ScopeShared {
		return cloneDockerConfig(global)
	}

	return DockerSandboxConfig{
		Image:           overridePtr(global.Image, specific.Image),
		ContainerPrefix: overridePtr(global.ContainerPrefix, specific.ContainerPrefix),
		Workdir:         overridePtr(global.Workdir, specific.Workdir),
		ReadOnlyRoot:    overridePtr(global.ReadOnlyRoot, specific.ReadOnlyRoot),
		Network:         overridePtr(global.Network, specific.Network),
		User:            overridePtr(global.User, specific.User),
		SetupCommand:    overridePtr(global.SetupCommand, specific.SetupCommand),
		PidsLimit:       overridePtr(global.PidsLimit, specific.PidsLimit),
		Memory:          overridePtr(global.Memory, specific.Memory),
		MemorySwap:      overridePtr(global.MemorySwap, specific.MemorySwap),
		CPUs:            overridePtr(global.CPUs, specific.CPUs),
		SeccompProfile:  overridePtr(global.SeccompProfile, specific.SeccompProfile),
		ApparmorProfile: overridePtr(global.ApparmorProfile, specific.ApparmorProfile),

		Tmpfs:      overrideSlice(global.Tmpfs, specific.Tmpfs),
		CapDrop:    overrideSlice(global.CapDrop, specific.CapDrop),
		DNS:        overrideSlice(global.DNS, specific.DNS),
		ExtraHosts: overrideSlice(global.ExtraHosts, specific.ExtraHosts),

		Env:          mergeMap(global.Env, specific.Env),
		Ulimits:      mergeUlimits(global.Ulimits, specific.Ulimits),
		SecretMounts: mergeMap(global.SecretMounts, specific.SecretMounts),

		Binds: concatSlice(global.Binds, specific.Binds),
	}
}

// ResolveBrowserConfig merges browser settings for a scope field by field.
func ResolveBrowserConfig(scope Scope, global, specific BrowserSandboxConfig) BrowserSandboxConfig {
	if scope == ScopeShared {
		return cloneBrowserConfig(global)
	}

	return BrowserSandboxConfig{
		Enabled:            overridePtr(global.Enabled, specific.Enabled),
		Image:              overridePtr(global.Image, specific.Image),
		ContainerPrefix:    overridePtr(global.ContainerPrefix, specific.ContainerPrefix),
		Headless:           overridePtr(global.Headless, specific.Headless),
		EnableNoVNC:        overridePtr(global.EnableNoVNC, specific.EnableNoVNC),
		CDPPort:            overridePtr(global.CDPPort, specific.CDPPort),
		VNCPort:            overridePtr(global.VNCPort, specific.VNCPort),
		NoVNCPort:          overridePtr(global.NoVNCPort, specific.NoVNCPort),
		CDPSourceRange:     overridePtr(global.CDPSourceRange, specific.CDPSourceRange),
		NoVNCPassword:      overridePtr(global.NoVNCPassword, specific.NoVNCPassword),
		ScreenResolution:   overridePtr(global.ScreenResolution, specific.ScreenResolution),
		AllowNoSandbox:     overridePtr(global.AllowNoSandbox, specific.AllowNoSandbox),
		AutoStart:          overridePtr(global.AutoStart, specific.AutoStart),
		AutoStartTimeoutMs: overridePtr(global.AutoStartTimeoutMs, specific.AutoStartTimeoutMs),
	}
}

// ResolvePruneConfig merges GC thresholds for a scope field by field.
func ResolvePruneConfig(scope Scope, global, specific PruneConfig) PruneConfig {
	if scope == ScopeShared {
		return PruneConfig{
			IdleHours:  clonePtr(global.IdleHours),
			MaxAgeDays: clonePtr(global.MaxAgeDays),
		}
	}
	return PruneConfig{
		IdleHours:  overridePtr(global.IdleHours, specific.IdleHours),
		MaxAgeDays: overridePtr(global.MaxAgeDays, specific.MaxAgeDays),
	}
}

func cloneDockerConfig(c DockerSandboxConfig) DockerSandboxConfig {
	return DockerSandboxConfig{
		Image:           clonePtr(c.Image),
		ContainerPrefix: clonePtr(c.ContainerPrefix),
		Workdir:         clonePtr(c.Workdir),
		ReadOnlyRoot:    clonePtr(c.ReadOnlyRoot),
		Network:         clonePtr(c.Network),
		User:            clonePtr(c.User),
		SetupCommand:    clonePtr(c.SetupCommand),
		PidsLimit:       clonePtr(c.PidsLimit),
		Memory:          clonePtr(c.Memory),
		MemorySwap:      clonePtr(c.MemorySwap),
		CPUs:            clonePtr(c.CPUs),
		SeccompProfile:  clonePtr(c.SeccompProfile),
		ApparmorProfile: clonePtr(c.ApparmorProfile),
		Tmpfs:           slices.Clone(c.Tmpfs),
		CapDrop:         slices.Clone(c.CapDrop),
		DNS:             slices.Clone(c.DNS),
		ExtraHosts:      slices.Clone(c.ExtraHosts),
		Env:             maps.Clone(c.Env),
		Ulimits:         mergeUlimits(c.Ulimits, nil),
		SecretMounts:    maps.Clone(c.SecretMounts),
		Binds:           slices.Clone(c.Binds),
	}
}

func cloneBrowserConfig(c BrowserSandboxConfig) BrowserSandboxConfig {
	return ResolveBrowserConfig(ScopeAgent, c, BrowserSandboxConfig{})
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// overridePtr returns a copy of specific when set, else a copy of global.
func overridePtr[T any](global, specific *T) *T {
	if specific != nil {
		return clonePtr(specific)
	}
	return clonePtr(global)
}

// overrideSlice replaces global wholesale when specific is set.
func overrideSlice(global, specific []string) []string {
	if specific != nil {
		return slices.Clone(specific)
	}
	return slices.Clone(global)
}

// concatSlice appends specific after global. Nil when both are nil.
func concatSlice(global, specific []string) []string {
	if global == nil && specific == nil {
		return nil
	}
	result := make([]string, 0, len(global)+len(specific))
	result = append(result, global...)
	return append(result, specific...)
}

// mergeMap merges two maps, specific wins for conflicts.
func mergeMap(global, specific map[string]string) map[string]string {
	if global == nil && specific == nil {
		return nil
	}
	result := make(map[string]string, len(global)+len(specific))
	maps.Copy(result, global)
	maps.Copy(result, specific)
	return result
}

// mergeUlimits merges ulimit maps, copying each limit's values.
func mergeUlimits(global, specific map[string]Ulimit) map[string]Ulimit {
	if global == nil && specific == nil {
		return nil
	}
	result := make(map[string]Ulimit, len(global)+len(specific))
	for _, layer := range []map[string]Ulimit{global, specific} {
		for name, u := range layer {
			result[name] = Ulimit{
				Value: clonePtr(u.Value),
				Soft:  clonePtr(u.Soft),
				Hard:  clonePtr(u.Hard),
			}
		}
	}
	return result
}
