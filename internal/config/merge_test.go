package config

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestResolveDockerConfig_SharedReturnsGlobal(t *testing.T) {
	global := DockerSandboxConfig{
		Image: strPtr("debian:bookworm"),
		Env:   map[string]string{"LANG": "C.UTF-8"},
		Binds: []string{"/a:/a"},
	}
	specifics := []DockerSandboxConfig{
		{},
		{Image: strPtr("alpine:3"), Env: map[string]string{"LANG": "C"}, Binds: []string{"/b:/b"}},
		{SecretMounts: map[string]string{"/s": "/run/s"}, Tmpfs: []string{"/tmp"}},
	}

	for i, specific := range specifics {
		got := ResolveDockerConfig(ScopeShared, global, specific)
		if !reflect.DeepEqual(got, global) {
			t.Errorf("specific[%d]: got %+v, want %+v", i, got, global)
		}
	}

	got := ResolveDockerConfig(ScopeShared, DockerSandboxConfig{}, specifics[1])
	if !reflect.DeepEqual(got, DockerSandboxConfig{}) {
		t.Errorf("empty global: got %+v, want zero value", got)
	}
}

func TestResolveDockerConfig_SharedIsACopy(t *testing.T) {
	global := DockerSandboxConfig{
		Image: strPtr("debian:bookworm"),
		Env:   map[string]string{"A": "1"},
		Binds: []string{"/a:/a"},
	}
	got := ResolveDockerConfig(ScopeShared, global, DockerSandboxConfig{})

	*got.Image = "changed"
	got.Env["A"] = "2"
	got.Binds[0] = "/x:/x"

	if *global.Image != "debian:bookworm" || global.Env["A"] != "1" || global.Binds[0] != "/a:/a" {
		t.Errorf("mutating the result changed global: %+v", global)
	}
}

func TestResolveDockerConfig_AgentMergesMaps(t *testing.T) {
	global := DockerSandboxConfig{
		Env:     map[string]string{"LANG": "C.UTF-8", "FOO": "1"},
		Ulimits: map[string]Ulimit{"nofile": UlimitPair(10, 20)},
	}
	specific := DockerSandboxConfig{
		Env:     map[string]string{"FOO": "2", "BAR": "3"},
		Ulimits: map[string]Ulimit{"nproc": UlimitValue(256)},
	}

	got := ResolveDockerConfig(ScopeAgent, global, specific)

	wantEnv := map[string]string{"LANG": "C.UTF-8", "FOO": "2", "BAR": "3"}
	if !reflect.DeepEqual(got.Env, wantEnv) {
		t.Errorf("env: got %v, want %v", got.Env, wantEnv)
	}
	wantUlimits := map[string]Ulimit{
		"nofile": UlimitPair(10, 20),
		"nproc":  UlimitValue(256),
	}
	if !reflect.DeepEqual(got.Ulimits, wantUlimits) {
		t.Errorf("ulimits: got %v, want %v", got.Ulimits, wantUlimits)
	}
}

func TestResolveDockerConfig_Binds(t *testing.T) {
	global := DockerSandboxConfig{Binds: []string{"/a:/a"}}
	specific := DockerSandboxConfig{Binds: []string{"/b:/b"}}

	tests := []struct {
		scope Scope
		want  []string
	}{
		{ScopeAgent, []string{"/a:/a", "/b:/b"}},
		{ScopeSession, []string{"/a:/a", "/b:/b"}},
		{ScopeShared, []string{"/a:/a"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			got := ResolveDockerConfig(tt.scope, global, specific)
			if !reflect.DeepEqual(got.Binds, tt.want) {
				t.Errorf("binds: got %v, want %v", got.Binds, tt.want)
			}
		})
	}
}

func TestResolveDockerConfig_BindsKeepDuplicates(t *testing.T) {
	global := DockerSandboxConfig{Binds: []string{"/a:/a"}}
	specific := DockerSandboxConfig{Binds: []string{"/a:/a"}}

	got := ResolveDockerConfig(ScopeAgent, global, specific)
	if len(got.Binds) != 2 {
		t.Errorf("expected duplicate binds to be kept, got %v", got.Binds)
	}
}

func TestResolveDockerConfig_AbsentStaysAbsent(t *testing.T) {
	got := ResolveDockerConfig(ScopeAgent, DockerSandboxConfig{}, DockerSandboxConfig{})

	if got.Binds != nil {
		t.Errorf("expected nil binds, got %#v", got.Binds)
	}
	if got.SecretMounts != nil {
		t.Errorf("expected nil secret mounts, got %#v", got.SecretMounts)
	}
	if got.Env != nil {
		t.Errorf("expected nil env, got %#v", got.Env)
	}
	if got.Ulimits != nil {
		t.Errorf("expected nil ulimits, got %#v", got.Ulimits)
	}
	if got.Image != nil {
		t.Errorf("expected nil image, got %q", *got.Image)
	}
}

func TestResolveDockerConfig_EmptyIsNotAbsent(t *testing.T) {
	specific := DockerSandboxConfig{
		Binds:        []string{},
		SecretMounts: map[string]string{},
	}
	got := ResolveDockerConfig(ScopeAgent, DockerSandboxConfig{}, specific)

	if got.Binds == nil || len(got.Binds) != 0 {
		t.Errorf("expected empty non-nil binds, got %#v", got.Binds)
	}
	if got.SecretMounts == nil || len(got.SecretMounts) != 0 {
		t.Errorf("expected empty non-nil secret mounts, got %#v", got.SecretMounts)
	}
}

func TestResolveDockerConfig_ScalarsAndLists(t *testing.T) {
	global := DockerSandboxConfig{
		Image:   strPtr("debian:bookworm"),
		Network: strPtr("bridge"),
		CapDrop: []string{"ALL"},
		DNS:     []string{"1.1.1.1"},
	}
	specific := DockerSandboxConfig{
		Image:        strPtr("alpine:3"),
		ReadOnlyRoot: boolPtr(true),
		DNS:          []string{"9.9.9.9", "8.8.8.8"},
	}

	got := ResolveDockerConfig(ScopeSession, global, specific)

	if *got.Image != "alpine:3" {
		t.Errorf("image: got %q, want alpine:3", *got.Image)
	}
	if *got.Network != "bridge" {
		t.Errorf("network: got %q, want bridge", *got.Network)
	}
	if got.ReadOnlyRoot == nil || !*got.ReadOnlyRoot {
		t.Error("expected read_only_root from specific")
	}
	if !reflect.DeepEqual(got.CapDrop, []string{"ALL"}) {
		t.Errorf("cap_drop: got %v, want [ALL]", got.CapDrop)
	}
	if !reflect.DeepEqual(got.DNS, []string{"9.9.9.9", "8.8.8.8"}) {
		t.Errorf("dns should be replaced wholesale, got %v", got.DNS)
	}
}

func TestResolveBrowserConfig(t *testing.T) {
	global := BrowserSandboxConfig{
		Enabled:  boolPtr(true),
		Headless: boolPtr(false),
		CDPPort:  intPtr(9222),
	}
	specific := BrowserSandboxConfig{
		Headless:  boolPtr(true),
		NoVNCPort: intPtr(7000),
	}

	shared := ResolveBrowserConfig(ScopeShared, global, specific)
	if !reflect.DeepEqual(shared, global) {
		t.Errorf("shared: got %+v, want %+v", shared, global)
	}

	agent := ResolveBrowserConfig(ScopeAgent, global, specific)
	if !*agent.Enabled {
		t.Error("enabled should come from global")
	}
	if !*agent.Headless {
		t.Error("headless should be overridden by specific")
	}
	if *agent.CDPPort != 9222 {
		t.Errorf("cdp_port: got %d, want 9222", *agent.CDPPort)
	}
	if *agent.NoVNCPort != 7000 {
		t.Errorf("novnc_port: got %d, want 7000", *agent.NoVNCPort)
	}
	if agent.VNCPort != nil {
		t.Errorf("vnc_port: expected absent, got %d", *agent.VNCPort)
	}
}

func TestResolvePruneConfig(t *testing.T) {
	global := PruneConfig{IdleHours: intPtr(24), MaxAgeDays: intPtr(7)}

	tests := []struct {
		name     string
		scope    Scope
		specific PruneConfig
		want     PruneConfig
	}{
		{
			name:     "shared ignores specific",
			scope:    ScopeShared,
			specific: PruneConfig{IdleHours: intPtr(1), MaxAgeDays: intPtr(1)},
			want:     global,
		},
		{
			name:     "agent overrides both",
			scope:    ScopeAgent,
			specific: PruneConfig{IdleHours: intPtr(1), MaxAgeDays: intPtr(2)},
			want:     PruneConfig{IdleHours: intPtr(1), MaxAgeDays: intPtr(2)},
		},
		{
			name:     "agent overrides one field",
			scope:    ScopeAgent,
			specific: PruneConfig{IdleHours: intPtr(2)},
			want:     PruneConfig{IdleHours: intPtr(2), MaxAgeDays: intPtr(7)},
		},
		{
			name:     "session with empty specific",
			scope:    ScopeSession,
			specific: PruneConfig{},
			want:     global,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolvePruneConfig(tt.scope, global, tt.specific)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolve_SessionPrecedence(t *testing.T) {
	global := SandboxSettings{
		Scope: scopePtr(ScopeSession),
		Docker: DockerSandboxConfig{
			Image: strPtr("global:1"),
			Env:   map[string]string{"A": "global", "B": "global", "C": "global"},
			Binds: []string{"/g:/g"},
		},
	}
	agent := &SandboxSettings{
		Docker: DockerSandboxConfig{
			Image: strPtr("agent:1"),
			Env:   map[string]string{"B": "agent", "C": "agent"},
			Binds: []string{"/a:/a"},
		},
	}
	session := &SandboxSettings{
		Docker: DockerSandboxConfig{
			Env:   map[string]string{"C": "session"},
			Binds: []string{"/s:/s"},
		},
		Browser: BrowserSandboxConfig{Headless: boolPtr(true)},
	}

	got := Resolve(Layers{Global: global, Agent: agent, Session: session})

	if got.Scope != ScopeSession {
		t.Fatalf("scope: got %q, want session", got.Scope)
	}
	if *got.Docker.Image != "agent:1" {
		t.Errorf("image: got %q, want agent:1", *got.Docker.Image)
	}
	wantEnv := map[string]string{"A": "global", "B": "agent", "C": "session"}
	if !reflect.DeepEqual(got.Docker.Env, wantEnv) {
		t.Errorf("env: got %v, want %v", got.Docker.Env, wantEnv)
	}
	wantBinds := []string{"/g:/g", "/a:/a", "/s:/s"}
	if !reflect.DeepEqual(got.Docker.Binds, wantBinds) {
		t.Errorf("binds: got %v, want %v", got.Docker.Binds, wantBinds)
	}
	if got.Browser.Headless == nil || !*got.Browser.Headless {
		t.Error("expected headless from session layer")
	}
}

func TestResolve_SessionLayerIgnoredOutsideSessionScope(t *testing.T) {
	session := &SandboxSettings{Docker: DockerSandboxConfig{Image: strPtr("session:1")}}

	got := Resolve(Layers{
		Global:  SandboxSettings{Docker: DockerSandboxConfig{Image: strPtr("global:1")}},
		Session: session,
	})

	if got.Scope != ScopeAgent {
		t.Fatalf("scope: got %q, want agent", got.Scope)
	}
	if *got.Docker.Image != "global:1" {
		t.Errorf("image: got %q, want global:1", *got.Docker.Image)
	}
}

func TestResolve_AgentLayerSelectsScope(t *testing.T) {
	global := SandboxSettings{
		PerSession: boolPtr(false),
		Docker:     DockerSandboxConfig{Image: strPtr("global:1")},
	}
	agent := &SandboxSettings{
		PerSession: boolPtr(true),
		Docker:     DockerSandboxConfig{Image: strPtr("agent:1")},
	}

	got := Resolve(Layers{Global: global, Agent: agent})
	if got.Scope != ScopeSession {
		t.Errorf("scope: got %q, want session", got.Scope)
	}
	if *got.Docker.Image != "agent:1" {
		t.Errorf("image: got %q, want agent:1", *got.Docker.Image)
	}

	global.PerSession = nil
	agent.PerSession = nil
	global.Scope = scopePtr(ScopeShared)
	got = Resolve(Layers{Global: global, Agent: agent})
	if got.Scope != ScopeShared {
		t.Errorf("scope: got %q, want shared", got.Scope)
	}
	if *got.Docker.Image != "global:1" {
		t.Errorf("shared scope should ignore the agent layer, got %q", *got.Docker.Image)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	layers := Layers{
		Global: SandboxSettings{
			Docker: DockerSandboxConfig{
				Env:     map[string]string{"Z": "1", "A": "2", "M": "3"},
				Ulimits: map[string]Ulimit{"nofile": UlimitPair(1, 2), "core": UlimitValue(0)},
			},
		},
		Agent: &SandboxSettings{
			Docker: DockerSandboxConfig{SecretMounts: map[string]string{"/b": "/b", "/a": "/a"}},
		},
	}

	first, err := json.Marshal(Resolve(layers))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := json.Marshal(Resolve(layers))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(next) != string(first) {
			t.Fatalf("run %d differs:\n%s\n%s", i, next, first)
		}
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func intPtr(i int) *int {
	return &i
}

func strPtr(s string) *string {
	return &s
}

func scopePtr(s Scope) *Scope {
	return &s
}
