package config

import "fmt"

// ScopeOptions is the caller intent that selects a scope.
type ScopeOptions struct {
	PerSession *bool
	Scope      *Scope
}

// ResolveScope derives the isolation scope from caller intent.
// An explicit scope always wins. Otherwise PerSession=true selects session,
// PerSession=false selects shared, and no preference selects agent.
func ResolveScope(opts ScopeOptions) Scope {
	if opts.Scope != nil {
		return *opts.Scope
	}
	if opts.PerSession != nil {
		if *opts.PerSession {
			return ScopeSession
		}
		return ScopeShared
	}
	return ScopeAgent
}

// ScopeKey returns the identity of the physical instance a scope maps onto.
// Keys of different scopes never collide: session keys are namespaced by
// the owning agent.
func ScopeKey(scope Scope, agentID, sessionKey string) string {
	if agentID == "" {
		agentID = "default"
	}
	switch scope {
	case ScopeShared:
		return "shared"
	case ScopeSession:
		if sessionKey == "" {
			sessionKey = "default"
		}
		return fmt.Sprintf("session:%s:%s", agentID, sessionKey)
	default:
		return fmt.Sprintf("agent:%s", agentID)
	}
}
