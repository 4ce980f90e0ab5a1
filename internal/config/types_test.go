package config

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestUlimitLimits(t *testing.T) {
	soft, hard := int64(5), int64(9)

	tests := []struct {
		name     string
		u        Ulimit
		wantSoft int64
		wantHard int64
		wantOK   bool
	}{
		{"single value", UlimitValue(256), 256, 256, true},
		{"pair", UlimitPair(10, 20), 10, 20, true},
		{"soft only", Ulimit{Soft: &soft}, 5, 5, true},
		{"hard only", Ulimit{Hard: &hard}, 9, 9, true},
		{"empty", Ulimit{}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, h, ok := tt.u.Limits()
			if s != tt.wantSoft || h != tt.wantHard || ok != tt.wantOK {
				t.Errorf("Limits() = (%d, %d, %v), want (%d, %d, %v)", s, h, ok, tt.wantSoft, tt.wantHard, tt.wantOK)
			}
		})
	}
}

func TestUlimitEncodingKeepsShape(t *testing.T) {
	limits := map[string]Ulimit{
		"nofile": UlimitPair(10, 20),
		"nproc":  UlimitValue(256),
	}

	data, err := json.Marshal(limits)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if got, want := string(data), `{"nofile":{"soft":10,"hard":20},"nproc":256}`; got != want {
		t.Errorf("json: got %s, want %s", got, want)
	}

	out, err := yaml.Marshal(limits)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if got, want := string(out), "nofile:\n    soft: 10\n    hard: 20\nnproc: 256\n"; got != want {
		t.Errorf("yaml: got %q, want %q", got, want)
	}
}

func TestUlimitUnmarshalTOMLRejects(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{"string", "unlimited"},
		{"fraction", 1.5},
		{"unknown key", map[string]any{"max": int64(1)}},
		{"non-integer soft", map[string]any{"soft": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u Ulimit
			if err := u.UnmarshalTOML(tt.data); err == nil {
				t.Errorf("expected error for %v", tt.data)
			}
		})
	}
}
