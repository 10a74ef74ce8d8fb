//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

type windowsLock struct {
	handle windows.Handle
	path   string
}

// acquireLock opens path with no sharing mode, which the OS enforces
// as mutual exclusion across processes for as long as the handle
// stays open.
func acquireLock(path string) (fileLock, error) {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("convert lock path: %w", err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, // no sharing: exclusive
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("another instance holds the lock: %w", err)
	}

	pidBytes := []byte(fmt.Sprintf("%d", os.Getpid()))
	var written uint32
	_ = windows.WriteFile(handle, pidBytes, &written, nil)

	return &windowsLock{handle: handle, path: path}, nil
}

func (l *windowsLock) Release() error {
	if l.handle != 0 {
		if err := windows.CloseHandle(l.handle); err != nil {
			return err
		}
		l.handle = 0
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
