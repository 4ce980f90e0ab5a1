package browser

import (
	"strings"

	"github.com/google/uuid"

	"agentbox/internal/config"
)

// InternalDebugPort returns the loopback port the browser binds for an
// externally exposed debug port: one above it, or one below when there is no
// room above.
func InternalDebugPort(external int) int {
	if external >= config.MaxPort {
		return external - 1
	}
	return external + 1
}

// ViewerPassword returns supplied unchanged when set. Otherwise it generates
// a random password of exactly config.MaxPasswordLength characters.
func ViewerPassword(supplied string) string {
	if supplied != "" {
		return supplied
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token[:config.MaxPasswordLength]
}
