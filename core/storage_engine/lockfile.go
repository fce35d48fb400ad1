package storageengine

import (
	"errors"
	"fmt"
	"os"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// LockFileName is the zero-byte marker present while a store has the data
// directory open. Finding it at open means the last run did not close cleanly.
const LockFileName = "pagejournal.lock"

func lockFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// acquireLockFile creates the marker and reports whether it was already there.
func acquireLockFile(path string) (bool, error) {
	existed := lockFileExists(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return existed, fmt.Errorf("%w: creating lock file %s: %v", flushmanager.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return existed, fmt.Errorf("%w: creating lock file %s: %v", flushmanager.ErrIO, path, err)
	}
	return existed, nil
}

func releaseLockFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: removing lock file %s: %v", flushmanager.ErrIO, path, err)
	}
	return nil
}
