package isolator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"agentbox/internal/browser"
	"agentbox/internal/config"
	"agentbox/internal/sandbox"
)

// ContainerHome is the browser home directory inside the container. The
// instance home directory is bind-mounted here.
const ContainerHome = "/home/browser"

// DockerConfig contains Docker-specific settings.
type DockerConfig struct {
	// Binary is the docker CLI to run. Defaults to "docker".
	Binary string
	// PullPolicy controls when to pull the image: "always", "missing", "never".
	PullPolicy string
}

// DockerIsolator implements Isolator using Docker containers.
type DockerIsolator struct {
	config DockerConfig
}

// NewDockerIsolator creates a new Docker isolator with sensible defaults.
func NewDockerIsolator(cfg DockerConfig) *DockerIsolator {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.PullPolicy == "" {
		cfg.PullPolicy = "missing"
	}
	return &DockerIsolator{config: cfg}
}

// Name returns the backend name.
func (d *DockerIsolator) Name() Backend {
	return BackendDocker
}

// Available checks if Docker CLI and daemon are available.
func (d *DockerIsolator) Available() error {
	if _, err := exec.LookPath(d.config.Binary); err != nil {
		return errors.New("docker CLI is not installed\n" +
			"Install Docker: https://docs.docker.com/get-docker/")
	}

	cmd := exec.Command(d.config.Binary, "info")
	if err := cmd.Run(); err != nil {
		return errors.New("docker daemon is not running\n" +
			"Start it with: sudo systemctl start docker")
	}

	return nil
}

// BuildBrowser constructs the detached docker run command for a browser
// sandbox. The browser runtime inside the container is configured entirely
// through AGENTBOX_BROWSER_* variables.
func (d *DockerIsolator) BuildBrowser(_ context.Context, spec *LaunchSpec) (string, []string, error) {
	if spec.Instance == nil {
		return "", nil, errors.New("launch spec has no instance")
	}
	dockerPath, err := exec.LookPath(d.config.Binary)
	if err != nil {
		return "", nil, fmt.Errorf("docker CLI not found: %w", err)
	}

	docker := spec.Resolved.Docker
	settings := browser.SettingsFromConfig(spec.Resolved.Browser)
	settings.HomeDir = ContainerHome
	if spec.ViewerPassword != "" {
		settings.NoVNCPassword = spec.ViewerPassword
	}
	if err := settings.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid browser settings: %w", err)
	}

	args := []string{
		"run",
		"-d",
		"--name", spec.Instance.Container,
		"--pull", d.config.PullPolicy,
	}

	args = appendLabels(args, spec)

	// Environment
	env := make([]string, 0, len(docker.Env))
	for _, k := range slices.Sorted(maps.Keys(docker.Env)) {
		// Browser settings are owned by the resolved browser config.
		if strings.HasPrefix(k, browser.EnvPrefix+"_") {
			continue
		}
		env = append(env, k+"="+docker.Env[k])
	}
	env = append(env, settings.Env()...)
	slices.Sort(env)
	for _, e := range env {
		args = append(args, "-e", e)
	}

	for _, name := range slices.Sorted(maps.Keys(docker.Ulimits)) {
		soft, hard, ok := docker.Ulimits[name].Limits()
		if !ok {
			continue
		}
		args = append(args, "--ulimit", fmt.Sprintf("%s=%d:%d", name, soft, hard))
	}

	// Mounts
	args = append(args, "-v", spec.Instance.Home+":"+ContainerHome)
	for i, b := range docker.Binds {
		if err := config.CheckBindSource(b); err != nil {
			return "", nil, fmt.Errorf("binds[%d]: %w", i, err)
		}
		args = append(args, "-v", b)
	}
	for _, dest := range slices.Sorted(maps.Keys(docker.SecretMounts)) {
		source := docker.SecretMounts[dest]
		if err := config.CheckBindSource(source); err != nil {
			return "", nil, fmt.Errorf("secret_mounts[%s]: %w", dest, err)
		}
		args = append(args, "-v", source+":"+dest+":ro")
	}
	for _, t := range docker.Tmpfs {
		args = append(args, "--tmpfs", t)
	}

	for _, c := range docker.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, s := range docker.DNS {
		args = append(args, "--dns", s)
	}
	for _, h := range docker.ExtraHosts {
		args = append(args, "--add-host", h)
	}

	// Resource limits
	if docker.Memory != nil {
		args = append(args, "--memory", *docker.Memory)
	}
	if docker.MemorySwap != nil {
		args = append(args, "--memory-swap", *docker.MemorySwap)
	}
	if docker.CPUs != nil {
		args = append(args, "--cpus", strconv.FormatFloat(*docker.CPUs, 'f', -1, 64))
	}
	if docker.PidsLimit != nil {
		args = append(args, "--pids-limit", strconv.FormatInt(*docker.PidsLimit, 10))
	}

	// Security
	if docker.ReadOnlyRoot != nil && *docker.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	if docker.SeccompProfile != nil {
		args = append(args, "--security-opt", "seccomp="+*docker.SeccompProfile)
	}
	if docker.ApparmorProfile != nil {
		args = append(args, "--security-opt", "apparmor="+*docker.ApparmorProfile)
	}
	if docker.Network != nil {
		args = append(args, "--network", *docker.Network)
	}
	if docker.User != nil {
		args = append(args, "--user", *docker.User)
	}
	if docker.Workdir != nil {
		args = append(args, "-w", *docker.Workdir)
	}

	// Published ports
	host := spec.PublishHost
	if host == "" {
		host = "127.0.0.1"
	}
	args = append(args, "-p", publish(host, settings.CDPPort))
	if settings.ViewerEnabled() {
		args = append(args, "-p", publish(host, settings.NoVNCPort))
	}

	args = append(args, BrowserImage(spec.Resolved))

	return dockerPath, args, nil
}

func appendLabels(args []string, spec *LaunchSpec) []string {
	created := spec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	inst := spec.Instance

	labels := [][2]string{
		{sandbox.LabelManaged, "true"},
		{sandbox.LabelScope, string(inst.Scope)},
		{sandbox.LabelScopeKey, inst.ScopeKey},
		{sandbox.LabelAgentID, inst.AgentID},
		{sandbox.LabelSessionKey, inst.SessionKey},
		{sandbox.LabelConfigHash, spec.ConfigHash},
		{sandbox.LabelCreatedAt, created.UTC().Format(time.RFC3339)},
	}
	for _, l := range labels {
		if l[1] == "" {
			continue
		}
		args = append(args, "--label", l[0]+"="+l[1])
	}
	return args
}

func publish(host string, port int) string {
	p := strconv.Itoa(port)
	return net.JoinHostPort(host, p) + ":" + p
}

// BrowserImage picks the browser image, then the docker image, then the default.
func BrowserImage(r config.ResolvedSandboxConfig) string {
	if r.Browser.Image != nil && *r.Browser.Image != "" {
		return *r.Browser.Image
	}
	if r.Docker.Image != nil && *r.Docker.Image != "" {
		return *r.Docker.Image
	}
	return config.DefaultBrowserImage
}

// ContainerPrefix picks the browser container prefix, then the docker
// prefix, then the default.
func ContainerPrefix(r config.ResolvedSandboxConfig) string {
	if r.Browser.ContainerPrefix != nil && *r.Browser.ContainerPrefix != "" {
		return *r.Browser.ContainerPrefix
	}
	if r.Docker.ContainerPrefix != nil && *r.Docker.ContainerPrefix != "" {
		return *r.Docker.ContainerPrefix
	}
	return config.DefaultBrowserContainerPrefix
}

// StartBrowser runs the command from BuildBrowser and returns the new
// container ID. A configured setup command runs once in the new container;
// if it fails the container is removed so the next start retries it.
func (d *DockerIsolator) StartBrowser(ctx context.Context, spec *LaunchSpec) (string, error) {
	path, args, err := d.BuildBrowser(ctx, spec)
	if err != nil {
		return "", err
	}

	var stderr strings.Builder
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w: %s",
			spec.Instance.Container, err, strings.TrimSpace(stderr.String()))
	}
	id := strings.TrimSpace(string(out))

	setup := spec.Resolved.Docker.SetupCommand
	if setup == nil || strings.TrimSpace(*setup) == "" {
		return id, nil
	}
	output, err := exec.CommandContext(ctx, path, "exec", spec.Instance.Container, "sh", "-lc", *setup).CombinedOutput()
	if err != nil {
		_ = exec.Command(path, "rm", "-f", spec.Instance.Container).Run()
		return "", fmt.Errorf("setup command failed in %s: %w: %s",
			spec.Instance.Container, err, strings.TrimSpace(string(output)))
	}
	return id, nil
}
