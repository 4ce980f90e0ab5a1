package config

import "testing"

func TestResolveScope(t *testing.T) {
	tests := []struct {
		name string
		opts ScopeOptions
		want Scope
	}{
		{"no preference", ScopeOptions{}, ScopeAgent},
		{"per session", ScopeOptions{PerSession: boolPtr(true)}, ScopeSession},
		{"not per session", ScopeOptions{PerSession: boolPtr(false)}, ScopeShared},
		{"explicit wins over per session", ScopeOptions{PerSession: boolPtr(true), Scope: scopePtr(ScopeAgent)}, ScopeAgent},
		{"explicit shared", ScopeOptions{Scope: scopePtr(ScopeShared)}, ScopeShared},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveScope(tt.opts); got != tt.want {
				t.Errorf("ResolveScope() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScopeKey(t *testing.T) {
	tests := []struct {
		scope      Scope
		agentID    string
		sessionKey string
		want       string
	}{
		{ScopeShared, "main", "s1", "shared"},
		{ScopeAgent, "main", "s1", "agent:main"},
		{ScopeAgent, "", "s1", "agent:default"},
		{ScopeSession, "main", "s1", "session:main:s1"},
		{ScopeSession, "main", "", "session:main:default"},
		{ScopeSession, "", "shared", "session:default:shared"},
		{ScopeSession, "bob", "agent:alice", "session:bob:agent:alice"},
	}

	for _, tt := range tests {
		if got := ScopeKey(tt.scope, tt.agentID, tt.sessionKey); got != tt.want {
			t.Errorf("ScopeKey(%q, %q, %q) = %q, want %q", tt.scope, tt.agentID, tt.sessionKey, got, tt.want)
		}
	}
}

func TestScopeValid(t *testing.T) {
	for _, s := range []Scope{ScopeShared, ScopeAgent, ScopeSession} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Scope("global").Valid() {
		t.Error("\"global\" should not be valid")
	}
}
