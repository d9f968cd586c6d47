// SPDX-License-Identifier: AGPL-3.0-only

// Package singleton guards the history database so only one client process
// writes to it at a time.
package singleton

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is an acquired history lock.
type Lock struct {
	flock *flock.Flock
}

// TryAcquire attempts to take the lock guarding the history database at
// dbPath. It returns the lock and true when this process owns the history,
// or nil and false when another client holds it; such a client should run
// without recording history rather than wait.
func TryAcquire(dbPath string) (*Lock, bool, error) {
	lockPath := dbPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, false, fmt.Errorf("singleton: create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("singleton: try lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, false, nil
	}
	return &Lock{flock: fl}, true, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.flock.Path()
}

// Release releases the lock.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}
