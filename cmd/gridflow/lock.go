package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

// lockDatabase takes an exclusive lock next to the database file so two
// gridflow processes never write the same database. The caller unlocks.
func lockDatabase(ctx context.Context, dbPath string, timeout time.Duration) (*flock.Flock, error) {
	lockPath := dbPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("database %s is in use by another gridflow process: %w", dbPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("timeout waiting for database lock %s", lockPath)
	}
	return lock, nil
}
