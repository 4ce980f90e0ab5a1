package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/go-containerregistry/pkg/name"
)

var (
	ErrInvalidResolution = errors.New("invalid screen resolution")
	ErrInvalidPort       = errors.New("invalid port")
	ErrInvalidCIDR       = errors.New("invalid CIDR")
	ErrPasswordTooLong   = errors.New("password too long")
	ErrDeniedBind        = errors.New("bind source not allowed")
)

// MaxPasswordLength is the longest password the RFB VNC authentication
// scheme accepts.
const MaxPasswordLength = 8

// deniedBindPatterns are host paths that must never be bind-mounted into a
// sandbox container.
var deniedBindPatterns = []string{
	"/",
	"/etc",
	"/etc/**",
	"/proc",
	"/proc/**",
	"/sys",
	"/sys/**",
	"/var/run/docker.sock",
	"/run/docker.sock",
	"/**/docker.sock",
}

// Resolution is a parsed "<W>x<H>[x<depth>]" screen geometry.
type Resolution struct {
	Width  int
	Height int
	Depth  int
}

// String formats r the way Xvfb expects it.
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%dx%d", r.Width, r.Height, r.Depth)
}

// ParseResolution parses "<W>x<H>x<depth>" or "<W>x<H>". Depth defaults
// to DefaultScreenDepth when omitted.
func ParseResolution(s string) (Resolution, error) {
	parts := strings.Split(strings.TrimSpace(s), "x")
	if len(parts) != 2 && len(parts) != 3 {
		return Resolution{}, fmt.Errorf("%w: %q (expected WxH or WxHxD)", ErrInvalidResolution, s)
	}
	nums := make([]int, 3)
	nums[2] = DefaultScreenDepth
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Resolution{}, fmt.Errorf("%w: %q (component %d is not a positive integer)", ErrInvalidResolution, s, i)
		}
		nums[i] = n
	}
	switch nums[2] {
	case 8, 15, 16, 24, 30, 32:
	default:
		return Resolution{}, fmt.Errorf("%w: %q (unsupported depth %d)", ErrInvalidResolution, s, nums[2])
	}
	return Resolution{Width: nums[0], Height: nums[1], Depth: nums[2]}, nil
}

// ValidatePort checks that port is in [MinPort, MaxPort].
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("%w: must be between %d and %d, got %d", ErrInvalidPort, MinPort, MaxPort, port)
	}
	return nil
}

// ParseSourceRange parses a CIDR allow-list entry. A bare address is
// treated as a single-host prefix.
func ParseSourceRange(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	return prefix.Masked(), nil
}

// ValidatePassword checks the viewer password length.
func ValidatePassword(pw string) error {
	if len(pw) > MaxPasswordLength {
		return fmt.Errorf("%w: at most %d characters, got %d", ErrPasswordTooLong, MaxPasswordLength, len(pw))
	}
	return nil
}

// CheckBindSource rejects bind specs whose host side matches a denied path.
func CheckBindSource(bind string) error {
	source, _, _ := strings.Cut(bind, ":")
	if source == "" {
		return fmt.Errorf("empty bind source in %q", bind)
	}
	if !filepath.IsAbs(source) {
		// Named volumes are managed by the runtime.
		return nil
	}
	cleaned := filepath.Clean(source)
	for _, pattern := range deniedBindPatterns {
		if ok, _ := doublestar.Match(pattern, cleaned); ok {
			return fmt.Errorf("%w: %s matches %q", ErrDeniedBind, cleaned, pattern)
		}
	}
	return nil
}

// Validate checks all sandbox layers in the file.
func (c *Config) Validate() error {
	if c.Sandbox.BasePath != "" {
		if err := validatePath(c.Sandbox.BasePath); err != nil {
			return fmt.Errorf("sandbox.base_path: %w", err)
		}
	}
	if err := c.Sandbox.Validate("sandbox"); err != nil {
		return err
	}
	for id, agent := range c.Agents {
		if id == "" {
			return fmt.Errorf("agents: agent id cannot be empty")
		}
		if err := agent.Sandbox.Validate(fmt.Sprintf("agents.%s.sandbox", id)); err != nil {
			return err
		}
	}
	for i, r := range c.Logging.Receivers {
		switch r.Type {
		case "syslog", "syslog-remote", "otlp":
		default:
			return fmt.Errorf("logging.receivers[%d].type must be 'syslog', 'syslog-remote', or 'otlp', got %q", i, r.Type)
		}
	}
	return nil
}

// Validate checks one layer. prefix names the layer in error messages.
func (s *SandboxSettings) Validate(prefix string) error {
	if s.Scope != nil && !s.Scope.Valid() {
		return fmt.Errorf("%s.scope must be 'shared', 'agent', or 'session', got %q", prefix, *s.Scope)
	}

	d := s.Docker
	if d.Image != nil {
		if _, err := name.ParseReference(*d.Image); err != nil {
			return fmt.Errorf("%s.docker.image: %w", prefix, err)
		}
	}
	if d.PidsLimit != nil && *d.PidsLimit < -1 {
		return fmt.Errorf("%s.docker.pids_limit cannot be less than -1, got %d", prefix, *d.PidsLimit)
	}
	if d.CPUs != nil && *d.CPUs < 0 {
		return fmt.Errorf("%s.docker.cpus cannot be negative, got %v", prefix, *d.CPUs)
	}
	for i, bind := range d.Binds {
		if err := CheckBindSource(bind); err != nil {
			return fmt.Errorf("%s.docker.binds[%d]: %w", prefix, i, err)
		}
	}
	for dst, src := range d.SecretMounts {
		if !filepath.IsAbs(dst) {
			return fmt.Errorf("%s.docker.secret_mounts[%q]: container path must be absolute", prefix, dst)
		}
		if err := CheckBindSource(src + ":" + dst); err != nil {
			return fmt.Errorf("%s.docker.secret_mounts[%q]: %w", prefix, dst, err)
		}
	}
	for key := range d.Env {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("%s.docker.env: invalid variable name %q", prefix, key)
		}
	}
	for lname, u := range d.Ulimits {
		soft, hard, ok := u.Limits()
		if !ok {
			return fmt.Errorf("%s.docker.ulimits.%s: must set a value or soft/hard", prefix, lname)
		}
		if soft > hard {
			return fmt.Errorf("%s.docker.ulimits.%s: soft limit %d exceeds hard limit %d", prefix, lname, soft, hard)
		}
	}

	b := s.Browser
	if b.Image != nil {
		if _, err := name.ParseReference(*b.Image); err != nil {
			return fmt.Errorf("%s.browser.image: %w", prefix, err)
		}
	}
	ports := []struct {
		field string
		port  *int
	}{
		{"cdp_port", b.CDPPort},
		{"vnc_port", b.VNCPort},
		{"novnc_port", b.NoVNCPort},
	}
	for _, p := range ports {
		if p.port == nil {
			continue
		}
		if err := ValidatePort(*p.port); err != nil {
			return fmt.Errorf("%s.browser.%s: %w", prefix, p.field, err)
		}
	}
	if b.CDPSourceRange != nil && *b.CDPSourceRange != "" {
		if _, err := ParseSourceRange(*b.CDPSourceRange); err != nil {
			return fmt.Errorf("%s.browser.cdp_source_range: %w", prefix, err)
		}
	}
	if b.NoVNCPassword != nil {
		if err := ValidatePassword(*b.NoVNCPassword); err != nil {
			return fmt.Errorf("%s.browser.novnc_password: %w", prefix, err)
		}
	}
	if b.ScreenResolution != nil {
		if _, err := ParseResolution(*b.ScreenResolution); err != nil {
			return fmt.Errorf("%s.browser.screen_resolution: %w", prefix, err)
		}
	}
	if b.AutoStartTimeoutMs != nil && *b.AutoStartTimeoutMs < 0 {
		return fmt.Errorf("%s.browser.auto_start_timeout_ms cannot be negative, got %d", prefix, *b.AutoStartTimeoutMs)
	}

	if s.Prune.IdleHours != nil && *s.Prune.IdleHours < 0 {
		return fmt.Errorf("%s.prune.idle_hours cannot be negative, got %d", prefix, *s.Prune.IdleHours)
	}
	if s.Prune.MaxAgeDays != nil && *s.Prune.MaxAgeDays < 0 {
		return fmt.Errorf("%s.prune.max_age_days cannot be negative, got %d", prefix, *s.Prune.MaxAgeDays)
	}
	return nil
}

// validatePath checks a path for security issues like path traversal.
func validatePath(path string) error {
	// Check before cleaning because Clean() resolves ".." which hides the attempt
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %q", path)
	}
	if !filepath.IsAbs(filepath.Clean(path)) {
		return fmt.Errorf("path must be absolute: %q", path)
	}
	return nil
}
