// Package lockfile guards a PersistApp root directory against concurrent
// opens from more than one process, grounded on BeadsLog's
// internal/daemon.Registry.withFileLock (an exclusive github.com/gofrs/flock
// held around read-modify-write access to a shared file).
package lockfile

import (
	"fmt"

	"github.com/gofrs/flock"
)

// RootLock holds an exclusive advisory lock on <root>/persist.lock for the
// lifetime of one open PersistApp, preventing two processes from racing on
// journal sequence numbers or snapshot files in the same root.
type RootLock struct {
	fl *flock.Flock
}

// Acquire takes a non-blocking exclusive lock at path. It returns an error
// naming the lock holder's unavailability rather than blocking, since a
// second PersistApp.Open on the same root is a configuration mistake, not a
// transient condition to wait out.
func Acquire(path string) (*RootLock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire root lock %q: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("root %q is already open by another process", path)
	}
	return &RootLock{fl: fl}, nil
}

// Release unlocks and closes the underlying lock file handle.
func (l *RootLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
