package browser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// singletonArtifacts are the files Chromium uses to claim a profile. After an
// unclean shutdown they point at a dead process and block the next start.
var singletonArtifacts = []string{
	"SingletonLock",
	"SingletonSocket",
	"SingletonCookie",
}

// DefaultSocketDirs are the X11 socket directories recreated before start.
var DefaultSocketDirs = []string{"/tmp/.X11-unix"}

// ReconcileOptions selects what Reconcile cleans up.
type ReconcileOptions struct {
	ProfileDir string
	SocketDirs []string
}

// Reconcile removes stale profile locks and recreates world-writable socket
// directories. It is safe to run whether or not prior state exists.
func Reconcile(opts ReconcileOptions) error {
	var errs []error

	if opts.ProfileDir != "" {
		for _, name := range singletonArtifacts {
			path := filepath.Join(opts.ProfileDir, name)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			}
		}
	}

	for _, dir := range opts.SocketDirs {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			errs = append(errs, fmt.Errorf("failed to create %s: %w", dir, err))
			continue
		}
		// MkdirAll is subject to the umask
		if err := os.Chmod(dir, os.ModeSticky|0o777); err != nil {
			errs = append(errs, fmt.Errorf("failed to chmod %s: %w", dir, err))
		}
	}

	return errors.Join(errs...)
}
