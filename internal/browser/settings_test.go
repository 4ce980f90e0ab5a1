package browser

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"agentbox/internal/config"
)

func intPtr(v int) *int       { return &v }
func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestLoadSettingsFromEnv_Defaults(t *testing.T) {
	got, err := LoadSettingsFromEnv()
	if err != nil {
		t.Fatalf("LoadSettingsFromEnv failed: %v", err)
	}
	if want := DefaultSettings(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSettingsEnv_RoundTrip(t *testing.T) {
	want := Settings{
		CDPPort:          9333,
		CDPSourceRange:   "172.17.0.0/16",
		VNCPort:          5901,
		NoVNCPort:        6081,
		EnableNoVNC:      true,
		Headless:         false,
		NoSandbox:        true,
		NoVNCPassword:    "s3cret",
		ScreenResolution: "1920x1080x24",
		HomeDir:          "/home/browser",
		DisplayNum:       7,
		NoVNCWebRoot:     "",
		ChromeBin:        "/usr/bin/chromium",
		XvfbBin:          "/usr/bin/Xvfb",
		X11VNCBin:        "/usr/bin/x11vnc",
		LogDir:           "/var/log/agentbox",
		MetricsAddr:      "127.0.0.1:9100",
	}

	env := want.Env()
	for _, kv := range env {
		key, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix+"_") {
			t.Errorf("unexpected variable %s", key)
		}
		t.Setenv(key, value)
	}

	got, err := LoadSettingsFromEnv()
	if err != nil {
		t.Fatalf("LoadSettingsFromEnv failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSettingsEnv_Sorted(t *testing.T) {
	env := DefaultSettings().Env()
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("not sorted at %d: %q > %q", i, env[i-1], env[i])
		}
	}
	found := false
	for _, kv := range env {
		if kv == "AGENTBOX_BROWSER_CDP_PORT=9222" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing CDP port in %v", env)
	}
}

func TestLoadSettingsFromEnv_Invalid(t *testing.T) {
	t.Setenv("AGENTBOX_BROWSER_SCREEN_RESOLUTION", "wide")
	_, err := LoadSettingsFromEnv()
	if !errors.Is(err, config.ErrInvalidResolution) {
		t.Errorf("got %v, want ErrInvalidResolution", err)
	}

	t.Setenv("AGENTBOX_BROWSER_SCREEN_RESOLUTION", "1280x800x24")
	t.Setenv("AGENTBOX_BROWSER_CDP_PORT", "port")
	if _, err := LoadSettingsFromEnv(); err == nil {
		t.Error("expected error for a non-numeric port")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(config.BrowserSandboxConfig{
		CDPPort:          intPtr(9400),
		Headless:         boolPtr(true),
		AllowNoSandbox:   boolPtr(true),
		NoVNCPassword:    strPtr("pw"),
		ScreenResolution: strPtr("800x600"),
	})

	if s.CDPPort != 9400 {
		t.Errorf("CDPPort: got %d, want 9400", s.CDPPort)
	}
	if !s.Headless || !s.NoSandbox {
		t.Errorf("flags: got headless=%v no_sandbox=%v", s.Headless, s.NoSandbox)
	}
	if s.VNCPort != config.DefaultVNCPort {
		t.Errorf("VNCPort: got %d, want default", s.VNCPort)
	}
	if s.ViewerEnabled() {
		t.Error("viewer must be disabled when headless")
	}
	if s.ScreenResolution != "800x600" {
		t.Errorf("ScreenResolution: got %q", s.ScreenResolution)
	}
	if s.HomeDir != DefaultSettings().HomeDir {
		t.Errorf("HomeDir should keep its default, got %q", s.HomeDir)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr error
	}{
		{"defaults", func(*Settings) {}, nil},
		{"port zero", func(s *Settings) { s.CDPPort = 0 }, config.ErrInvalidPort},
		{"port too high", func(s *Settings) { s.NoVNCPort = 70000 }, config.ErrInvalidPort},
		{"vnc on internal debug port", func(s *Settings) { s.VNCPort = 9223 }, config.ErrInvalidPort},
		{"vnc equals novnc", func(s *Settings) { s.NoVNCPort = s.VNCPort }, config.ErrInvalidPort},
		{"collision ignored when headless", func(s *Settings) { s.Headless = true; s.VNCPort = 9223 }, nil},
		{"bad cidr", func(s *Settings) { s.CDPSourceRange = "10.0.0.0/33" }, config.ErrInvalidCIDR},
		{"single host", func(s *Settings) { s.CDPSourceRange = "10.0.0.5" }, nil},
		{"long password", func(s *Settings) { s.NoVNCPassword = "123456789" }, config.ErrPasswordTooLong},
		{"bad resolution", func(s *Settings) { s.ScreenResolution = "1280x800x12" }, config.ErrInvalidResolution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}

	s := DefaultSettings()
	s.HomeDir = "relative"
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "home_dir") {
		t.Errorf("expected home_dir error, got %v", err)
	}
}

func TestSettingsPaths(t *testing.T) {
	s := DefaultSettings()
	s.HomeDir = "/h"
	s.DisplayNum = 3
	if got := s.ProfileDir(); got != "/h/.chrome" {
		t.Errorf("ProfileDir: got %q", got)
	}
	if got := s.Display(); got != ":3" {
		t.Errorf("Display: got %q", got)
	}
}
