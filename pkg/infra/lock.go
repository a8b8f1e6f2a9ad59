package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a non-blocking advisory lock shared by every process using the same store path.
// syncd and podctl use it so that two replay passes never run against the same queue at once.
type FileLock struct {
	fl *flock.Flock
}

func NewFileLock(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLock{fl: flock.New(path)}, nil
}

// TryLock returns false without blocking when another holder owns the lock
func (l *FileLock) TryLock() (bool, error) {
	return l.fl.TryLock()
}

func (l *FileLock) Unlock() error {
	return l.fl.Unlock()
}

func (l *FileLock) Path() string {
	return l.fl.Path()
}
