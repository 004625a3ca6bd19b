// Package lock serializes invocations. The state database assumes a single
// writer per process; an overlapping invocation must exit instead of blocking.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another invocation holds the lock.
var ErrHeld = errors.New("another quizpilot invocation is running")

// Acquire takes a non-blocking advisory lock under dataDir. The returned
// release function must be called before process exit.
func Acquire(dataDir string) (func(), error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fl := flock.New(filepath.Join(dataDir, "quizpilot.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return func() { _ = fl.Unlock() }, nil
}
