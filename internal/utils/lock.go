package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".lock"
)

// ErrLocked is returned when another hwgrade process holds the lock.
var ErrLocked = errors.New("locked by another hwgrade process")

// DirLock manages a file-based lock for the download directory. The lock file
// sits next to the directory, never inside it, because the directory is wiped
// before every download.
type DirLock struct {
	lock *flock.Flock
	path string
}

// NewDirLock creates a new lock for the given directory.
func NewDirLock(dir string) (*DirLock, error) {
	absPath, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of %s: %w", dir, err)
	}
	lockPath := absPath + lockFileSuffix
	return &DirLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// Lock acquires the lock without waiting. Two graders sharing one download
// directory would steal each other's files, so a held lock is an error.
func (l *DirLock) Lock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", l.path, ErrLocked)
	}
	return nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		// Suppress error if the lock file doesn't exist, as it means we don't hold the lock.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// GetAbsDBPath resolves the audit database path.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "hwgrade", "hwgrade.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
