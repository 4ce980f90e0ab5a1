// Package browser runs one browser sandbox instance inside its container: a
// virtual display, a Chromium process bound to loopback, a proxy exposing its
// debug port, and optionally a VNC server with a web viewer bridge.
package browser

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"

	"github.com/kelseyhightower/envconfig"

	"agentbox/internal/config"
)

// EnvPrefix is the prefix of every variable read by LoadSettingsFromEnv.
const EnvPrefix = "AGENTBOX_BROWSER"

// Settings is the immutable runtime configuration of one browser instance.
// The bootstrapper reads it; it never touches the process environment.
type Settings struct {
	CDPPort          int    `envconfig:"CDP_PORT" default:"9222"`
	CDPSourceRange   string `envconfig:"CDP_SOURCE_RANGE"`
	VNCPort          int    `envconfig:"VNC_PORT" default:"5900"`
	NoVNCPort        int    `envconfig:"NOVNC_PORT" default:"6080"`
	EnableNoVNC      bool   `envconfig:"ENABLE_NOVNC" default:"true"`
	Headless         bool   `envconfig:"HEADLESS" default:"false"`
	NoSandbox        bool   `envconfig:"NO_SANDBOX" default:"false"`
	NoVNCPassword    string `envconfig:"NOVNC_PASSWORD"`
	ScreenResolution string `envconfig:"SCREEN_RESOLUTION" default:"1280x800x24"`

	HomeDir      string `envconfig:"HOME_DIR" default:"/tmp/agentbox-home"`
	DisplayNum   int    `envconfig:"DISPLAY_NUM" default:"1"`
	NoVNCWebRoot string `envconfig:"NOVNC_WEB_ROOT" default:"/usr/share/novnc"`
	ChromeBin    string `envconfig:"CHROME_BIN" default:"chromium"`
	XvfbBin      string `envconfig:"XVFB_BIN" default:"Xvfb"`
	X11VNCBin    string `envconfig:"X11VNC_BIN" default:"x11vnc"`
	LogDir       string `envconfig:"LOG_DIR"`
	MetricsAddr  string `envconfig:"METRICS_ADDR"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		CDPPort:          config.DefaultCDPPort,
		VNCPort:          config.DefaultVNCPort,
		NoVNCPort:        config.DefaultNoVNCPort,
		EnableNoVNC:      true,
		ScreenResolution: config.DefaultScreenResolution,
		HomeDir:          "/tmp/agentbox-home",
		DisplayNum:       1,
		NoVNCWebRoot:     "/usr/share/novnc",
		ChromeBin:        "chromium",
		XvfbBin:          "Xvfb",
		X11VNCBin:        "x11vnc",
	}
}

// LoadSettingsFromEnv reads AGENTBOX_BROWSER_* variables and validates them.
func LoadSettingsFromEnv() (Settings, error) {
	s, err := ReadSettingsEnv()
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// ReadSettingsEnv reads AGENTBOX_BROWSER_* variables without validating
// them, for callers that apply further overrides first.
func ReadSettingsEnv() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return s, nil
}

// SettingsFromConfig applies a resolved browser configuration on top of the
// defaults. Container-local fields (paths, binaries) keep their defaults.
func SettingsFromConfig(c config.BrowserSandboxConfig) Settings {
	s := DefaultSettings()
	if c.CDPPort != nil {
		s.CDPPort = *c.CDPPort
	}
	if c.CDPSourceRange != nil {
		s.CDPSourceRange = *c.CDPSourceRange
	}
	if c.VNCPort != nil {
		s.VNCPort = *c.VNCPort
	}
	if c.NoVNCPort != nil {
		s.NoVNCPort = *c.NoVNCPort
	}
	if c.EnableNoVNC != nil {
		s.EnableNoVNC = *c.EnableNoVNC
	}
	if c.Headless != nil {
		s.Headless = *c.Headless
	}
	if c.AllowNoSandbox != nil {
		s.NoSandbox = *c.AllowNoSandbox
	}
	if c.NoVNCPassword != nil {
		s.NoVNCPassword = *c.NoVNCPassword
	}
	if c.ScreenResolution != nil {
		s.ScreenResolution = *c.ScreenResolution
	}
	return s
}

// Env encodes s as AGENTBOX_BROWSER_* assignments, sorted by name, such that
// LoadSettingsFromEnv reproduces s.
func (s Settings) Env() []string {
	v := reflect.ValueOf(s)
	t := v.Type()

	env := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("envconfig")
		if key == "" {
			continue
		}
		var value string
		switch f := v.Field(i); f.Kind() {
		case reflect.String:
			value = f.String()
		case reflect.Int:
			value = strconv.FormatInt(f.Int(), 10)
		case reflect.Bool:
			value = strconv.FormatBool(f.Bool())
		default:
			continue
		}
		env = append(env, EnvPrefix+"_"+key+"="+value)
	}
	slices.Sort(env)
	return env
}

// ViewerEnabled reports whether the VNC server and web bridge run.
func (s Settings) ViewerEnabled() bool {
	return s.EnableNoVNC && !s.Headless
}

// Display returns the X display name, e.g. ":1".
func (s Settings) Display() string {
	return ":" + strconv.Itoa(s.DisplayNum)
}

// ProfileDir returns the browser user data directory.
func (s Settings) ProfileDir() string {
	return filepath.Join(s.HomeDir, ".chrome")
}

// ConfigDir returns the XDG config directory for child processes.
func (s Settings) ConfigDir() string {
	return filepath.Join(s.HomeDir, ".config")
}

// CacheDir returns the XDG cache directory for child processes.
func (s Settings) CacheDir() string {
	return filepath.Join(s.HomeDir, ".cache")
}

// Resolution parses ScreenResolution.
func (s Settings) Resolution() (config.Resolution, error) {
	return config.ParseResolution(s.ScreenResolution)
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error

	ports := []struct {
		name string
		port int
	}{
		{"cdp_port", s.CDPPort},
		{"vnc_port", s.VNCPort},
		{"novnc_port", s.NoVNCPort},
	}
	for _, p := range ports {
		if err := config.ValidatePort(p.port); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	if s.ViewerEnabled() {
		internal := InternalDebugPort(s.CDPPort)
		for _, p := range ports[1:] {
			if p.port == s.CDPPort || p.port == internal {
				errs = append(errs, fmt.Errorf("%s: %w: %d collides with the debug ports", p.name, config.ErrInvalidPort, p.port))
			}
		}
		if s.VNCPort == s.NoVNCPort {
			errs = append(errs, fmt.Errorf("novnc_port: %w: same as vnc_port", config.ErrInvalidPort))
		}
	}
	if s.CDPSourceRange != "" {
		if _, err := config.ParseSourceRange(s.CDPSourceRange); err != nil {
			errs = append(errs, fmt.Errorf("cdp_source_range: %w", err))
		}
	}
	if err := config.ValidatePassword(s.NoVNCPassword); err != nil {
		errs = append(errs, fmt.Errorf("novnc_password: %w", err))
	}
	if _, err := s.Resolution(); err != nil {
		errs = append(errs, fmt.Errorf("screen_resolution: %w", err))
	}
	if !filepath.IsAbs(s.HomeDir) {
		errs = append(errs, fmt.Errorf("home_dir: must be absolute, got %q", s.HomeDir))
	}
	if s.DisplayNum < 0 {
		errs = append(errs, fmt.Errorf("display_num: must be non-negative, got %d", s.DisplayNum))
	}
	if s.ChromeBin == "" {
		errs = append(errs, errors.New("chrome_bin: required"))
	}
	return errors.Join(errs...)
}
