// Package sandbox manages sandbox instances on the host: one directory per
// scope key holding the instance home and its metadata, the containers that
// belong to them, and garbage collection of idle instances.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agentbox/internal/config"
)

// InstanceHomeDir is the instance subdirectory mounted as the browser home.
const InstanceHomeDir = "home"

// Instance is the on-disk and container identity of one physical sandbox.
type Instance struct {
	Scope      config.Scope
	ScopeKey   string
	AgentID    string
	SessionKey string

	// Name is unique per scope key and names the directory and container.
	Name      string
	Root      string
	Home      string
	Container string
}

// NewInstance lays out the instance for a scope under baseDir.
func NewInstance(baseDir string, scope config.Scope, agentID, sessionKey, containerPrefix string) *Instance {
	key := config.ScopeKey(scope, agentID, sessionKey)
	name := instanceName(scope, agentID, sessionKey, key)
	root := filepath.Join(baseDir, name)

	inst := &Instance{
		Scope:     scope,
		ScopeKey:  key,
		Name:      name,
		Root:      root,
		Home:      filepath.Join(root, InstanceHomeDir),
		Container: containerPrefix + name,
	}
	if scope != config.ScopeShared {
		inst.AgentID = agentID
	}
	if scope == config.ScopeSession {
		inst.SessionKey = sessionKey
	}
	return inst
}

// maxNamePart bounds each readable part of a hashed instance name.
const maxNamePart = 32

// instanceName maps a scope key onto a directory and container name that
// no other scope key maps onto. Agent IDs made only of name-safe characters
// other than '_' keep a readable "agent_<id>" form. Everything else carries
// a hash of the scope key after a second '_', which a readable name never has.
func instanceName(scope config.Scope, agentID, sessionKey, key string) string {
	if agentID == "" {
		agentID = "default"
	}
	switch scope {
	case config.ScopeShared:
		return "shared"
	case config.ScopeSession:
		return fmt.Sprintf("session_%s_%s_%s", namePart(agentID), namePart(sessionKey), keyHash(key))
	default:
		if SanitizeName(agentID) == agentID && !strings.Contains(agentID, "_") {
			return "agent_" + agentID
		}
		return fmt.Sprintf("agent_%s_%s", namePart(agentID), keyHash(key))
	}
}

func namePart(s string) string {
	s = SanitizeName(s)
	if len(s) > maxNamePart {
		s = s[:maxNamePart]
	}
	return s
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

var unsafeNameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeName maps a scope key onto a name usable as a directory and a
// container name.
func SanitizeName(name string) string {
	name = unsafeNameRe.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".-")
	if name == "" {
		return "_"
	}
	return name
}

// Ensure creates the instance directories and records its use. An existing
// metadata file keeps its creation time; configHash and last use are updated.
func (i *Instance) Ensure(configHash string) (*Metadata, error) {
	if err := os.MkdirAll(i.Home, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}

	now := time.Now()
	m, err := LoadMetadata(i.Root)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		m = &Metadata{CreatedAt: now, Root: i.Root}
	default:
		return nil, err
	}

	m.Name = i.Name
	m.Scope = i.Scope
	m.ScopeKey = i.ScopeKey
	m.AgentID = i.AgentID
	m.SessionKey = i.SessionKey
	m.Container = i.Container
	m.ConfigHash = configHash
	m.LastUsed = now

	if err := SaveMetadata(m, i.Root); err != nil {
		return nil, err
	}
	return m, nil
}

// ConfigHash fingerprints a resolved configuration. Equal configurations
// hash equally because the JSON encoding is deterministic.
func ConfigHash(cfg config.ResolvedSandboxConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
