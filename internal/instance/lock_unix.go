//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type unixLock struct {
	file *os.File
	path string
}

// acquireLock takes a non-blocking exclusive flock on path. The lock
// is released automatically if the process dies, same as the Windows
// share-mode approach, so a stale PID file never outlives its lock.
func acquireLock(path string) (fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another instance holds the lock: %w", err)
	}

	pidBytes := []byte(fmt.Sprintf("%d", os.Getpid()))
	_ = f.Truncate(0)
	_, _ = f.WriteAt(pidBytes, 0)

	return &unixLock{file: f, path: path}, nil
}

func (l *unixLock) Release() error {
	if l.file != nil {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
