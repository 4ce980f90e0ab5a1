package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentbox/internal/config"
)

// fakeDocker installs a shell script as the docker CLI for the test.
func fakeDocker(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "docker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	orig := dockerBinary
	dockerBinary = path
	t.Cleanup(func() { dockerBinary = orig })
	return dir
}

func TestParseLabels(t *testing.T) {
	labels := parseLabels("agentbox=true,agentbox.scope=session,agentbox.session_key=chat=1,broken")

	want := map[string]string{
		"agentbox":             "true",
		"agentbox.scope":       "session",
		"agentbox.session_key": "chat=1",
	}
	if len(labels) != len(want) {
		t.Errorf("got %v, want %v", labels, want)
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s: got %q, want %q", k, labels[k], v)
		}
	}
}

func TestParseContainerList(t *testing.T) {
	output := `{"ID":"abc","Names":"agentbox-browser-agent_main","State":"running","Labels":"agentbox=true,agentbox.scope=agent,agentbox.scope_key=agent:main,agentbox.agent_id=main,agentbox.config_hash=0123,agentbox.created_at=2026-03-01T10:00:00Z","CreatedAt":"2026-03-01 10:00:05 +0000 UTC"}
not json
{"ID":"def","Names":"agentbox-browser-stray","State":"exited","Labels":"agentbox=true","CreatedAt":"2026-02-01 08:00:00 +0000 UTC"}
`
	got := parseContainerList([]byte(output))
	if len(got) != 2 {
		t.Fatalf("got %d containers, want 2", len(got))
	}

	main := got[0]
	if main.Container != "agentbox-browser-agent_main" || main.State != "running" {
		t.Errorf("container: got %q state %q", main.Container, main.State)
	}
	if main.Scope != config.ScopeAgent || main.ScopeKey != "agent:main" || main.AgentID != "main" {
		t.Errorf("scope: got %s %s %s", main.Scope, main.ScopeKey, main.AgentID)
	}
	if main.ConfigHash != "0123" {
		t.Errorf("ConfigHash: got %q, want 0123", main.ConfigHash)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !main.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt: got %v, want %v", main.CreatedAt, want)
	}

	stray := got[1]
	if stray.ScopeKey != "(unknown)" {
		t.Errorf("ScopeKey: got %q, want (unknown)", stray.ScopeKey)
	}
	if want := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC); !stray.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt from docker: got %v, want %v", stray.CreatedAt, want)
	}
}

func TestListDockerSandboxes_NoDocker(t *testing.T) {
	orig := dockerBinary
	dockerBinary = "/nonexistent/docker"
	t.Cleanup(func() { dockerBinary = orig })

	sandboxes, err := ListDockerSandboxes()
	if err != nil {
		t.Errorf("ListDockerSandboxes() should not error when docker not installed: %v", err)
	}
	if len(sandboxes) > 0 {
		t.Error("ListDockerSandboxes() should return empty when docker not installed")
	}
	if err := RemoveDockerContainer("anything"); err != nil {
		t.Errorf("RemoveDockerContainer() without docker: %v", err)
	}
}

func TestListDockerSandboxes_FiltersManaged(t *testing.T) {
	dir := fakeDocker(t, `echo "$@" > "$(dirname "$0")/args"
echo '{"Names":"agentbox-browser-shared","State":"running","Labels":"agentbox=true,agentbox.scope=shared,agentbox.scope_key=shared"}'
`)

	sandboxes, err := ListDockerSandboxes()
	if err != nil {
		t.Fatal(err)
	}
	if len(sandboxes) != 1 || sandboxes[0].ScopeKey != "shared" {
		t.Errorf("got %+v", sandboxes)
	}

	args, err := os.ReadFile(filepath.Join(dir, "args"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "--filter label=agentbox=true") {
		t.Errorf("docker args: got %q", args)
	}
}

func TestContainerState(t *testing.T) {
	fakeDocker(t, `case "$4" in
  present) echo running ;;
  *) echo "Error: No such object: $4" >&2; exit 1 ;;
esac
`)

	state, err := ContainerState("present")
	if err != nil || state != "running" {
		t.Errorf("present: got %q, %v", state, err)
	}
	state, err = ContainerState("missing")
	if err != nil || state != "" {
		t.Errorf("missing: got %q, %v", state, err)
	}
}

func TestRemoveInstance_Container(t *testing.T) {
	dir := fakeDocker(t, `case "$3" in
  gone) echo "Error: No such container: gone" >&2; exit 1 ;;
  busy) echo "Error: device busy" >&2; exit 1 ;;
esac
echo "$@" >> "$(dirname "$0")/removed"
`)

	root := filepath.Join(t.TempDir(), "agent_main")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := RemoveInstance(&Metadata{Root: root, Container: "agentbox-browser-agent_main"}); err != nil {
		t.Fatalf("RemoveInstance failed: %v", err)
	}
	removed, _ := os.ReadFile(filepath.Join(dir, "removed"))
	if strings.TrimSpace(string(removed)) != "rm -f agentbox-browser-agent_main" {
		t.Errorf("docker calls: got %q", removed)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Error("instance directory still exists")
	}

	if err := RemoveDockerContainer("gone"); err != nil {
		t.Errorf("missing container: %v", err)
	}

	busyRoot := t.TempDir()
	if err := RemoveInstance(&Metadata{Root: busyRoot, Container: "busy"}); err == nil {
		t.Error("expected error when container removal fails")
	}
	if _, err := os.Stat(busyRoot); err != nil {
		t.Error("directory removed despite container failure")
	}
}
