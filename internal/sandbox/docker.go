package sandbox

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"agentbox/internal/config"
)

// Container labels written by the launcher and read back when listing.
const (
	LabelManaged    = "agentbox"
	LabelScope      = "agentbox.scope"
	LabelScopeKey   = "agentbox.scope_key"
	LabelAgentID    = "agentbox.agent_id"
	LabelSessionKey = "agentbox.session_key"
	LabelConfigHash = "agentbox.config_hash"
	LabelCreatedAt  = "agentbox.created_at"
)

// dockerBinary is the docker CLI used for listing and removal.
var dockerBinary = "docker"

// ListDockerSandboxes returns metadata for all agentbox-managed containers.
func ListDockerSandboxes() ([]*Metadata, error) {
	if _, err := exec.LookPath(dockerBinary); err != nil {
		return nil, nil
	}

	cmd := exec.Command(dockerBinary, "ps", "-a",
		"--filter", "label="+LabelManaged+"=true",
		"--format", "{{json .}}")

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	return parseContainerList(output), nil
}

func parseContainerList(output []byte) []*Metadata {
	var sandboxes []*Metadata

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line == "" {
			continue
		}

		var container struct {
			ID      string `json:"ID"`
			Names   string `json:"Names"`
			State   string `json:"State"`
			Labels  string `json:"Labels"`
			Created string `json:"CreatedAt"`
		}
		if err := json.Unmarshal([]byte(line), &container); err != nil {
			continue
		}

		labels := parseLabels(container.Labels)

		createdAt := time.Now()
		if t, err := time.Parse(time.RFC3339, labels[LabelCreatedAt]); err == nil {
			createdAt = t
		} else if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", container.Created); err == nil {
			createdAt = t
		}

		scopeKey := labels[LabelScopeKey]
		if scopeKey == "" {
			scopeKey = "(unknown)"
		}

		sandboxes = append(sandboxes, &Metadata{
			Name:       container.Names,
			Scope:      config.Scope(labels[LabelScope]),
			ScopeKey:   scopeKey,
			AgentID:    labels[LabelAgentID],
			SessionKey: labels[LabelSessionKey],
			Container:  container.Names,
			ConfigHash: labels[LabelConfigHash],
			CreatedAt:  createdAt,
			LastUsed:   createdAt,
			State:      container.State,
		})
	}

	return sandboxes
}

// parseLabels parses Docker label string into map.
func parseLabels(labelStr string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(labelStr, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			labels[parts[0]] = parts[1]
		}
	}
	return labels
}

// ContainerState returns the container's state, or "" if it does not exist.
func ContainerState(name string) (string, error) {
	cmd := exec.Command(dockerBinary, "inspect", "--format", "{{.State.Status}}", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such") {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect container %s: %s", name, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// RemoveDockerContainer force-removes a container. A missing container is
// not an error.
func RemoveDockerContainer(name string) error {
	if _, err := exec.LookPath(dockerBinary); err != nil {
		return nil
	}
	cmd := exec.Command(dockerBinary, "rm", "-f", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "No such container") {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %s", name, strings.TrimSpace(string(output)))
	}
	return nil
}

// StartDockerContainer starts an existing stopped container.
func StartDockerContainer(name string) error {
	cmd := exec.Command(dockerBinary, "start", name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to start container %s: %s", name, strings.TrimSpace(string(output)))
	}
	return nil
}
