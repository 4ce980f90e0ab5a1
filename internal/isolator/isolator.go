// Package isolator turns a resolved sandbox configuration into the command
// that starts a browser sandbox container.
package isolator

import (
	"context"
	"fmt"
	"time"

	"agentbox/internal/config"
	"agentbox/internal/sandbox"
)

// Backend represents the isolation backend type.
type Backend string

const (
	// BackendDocker uses Docker containers for isolation.
	BackendDocker Backend = "docker"
)

// LaunchSpec describes one browser sandbox to start.
type LaunchSpec struct {
	// Resolved is the effective configuration for the request.
	Resolved config.ResolvedSandboxConfig
	// Instance supplies the container name and the host home directory.
	Instance *sandbox.Instance
	// ConfigHash is recorded as a label so a changed configuration can be
	// detected on the next launch.
	ConfigHash string
	// CreatedAt is recorded as a label; zero means now.
	CreatedAt time.Time
	// PublishHost is the host address published ports bind to.
	// Empty means 127.0.0.1.
	PublishHost string
	// ViewerPassword overrides the configured viewer password.
	ViewerPassword string
}

// Isolator is the interface for sandbox backends.
type Isolator interface {
	// Name returns the backend name.
	Name() Backend
	// Available checks if this backend can be used.
	Available() error
	// BuildBrowser constructs the command that starts a browser sandbox.
	// Returns the executable path and arguments.
	BuildBrowser(ctx context.Context, spec *LaunchSpec) (string, []string, error)
	// StartBrowser runs the browser sandbox detached and returns its
	// container ID.
	StartBrowser(ctx context.Context, spec *LaunchSpec) (string, error)
}

// New creates an isolator for the specified backend.
func New(backend Backend, dockerCfg DockerConfig) (Isolator, error) {
	switch backend {
	case BackendDocker:
		iso := NewDockerIsolator(dockerCfg)
		if err := iso.Available(); err != nil {
			return nil, err
		}
		return iso, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}
