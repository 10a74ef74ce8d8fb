// Package instance enforces that at most one taskflowd process writes
// to a given data directory at a time, and lets taskflowctl find and
// signal that process.
package instance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileLock is the platform-specific half of Manager's advisory lock.
// lock_unix.go and lock_windows.go each provide acquireLock.
type fileLock interface {
	Release() error
}

// PIDFileData is the JSON payload written alongside the lock so
// taskflowctl can find the running daemon without inheriting its
// file descriptors.
type PIDFileData struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	DataDir   string    `json:"dataDir"`
	Hostname  string    `json:"hostname"`
}

// Manager owns the PID file and advisory lock for one data directory.
type Manager struct {
	dataDir     string
	pidFilePath string
	lockPath    string
	lock        fileLock
}

// NewManager returns a Manager scoped to dataDir. The lock and PID
// file both live under dataDir so that two daemons pointed at the
// same directory always contend for the same lock, regardless of how
// each was invoked.
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir:     dataDir,
		pidFilePath: filepath.Join(dataDir, "taskflowd.pid"),
		lockPath:    filepath.Join(dataDir, "taskflowd.lock"),
	}
}

// Acquire takes the exclusive lock and writes the PID file. It
// returns an error if another process already holds the lock;
// callers should read ReadPIDFile to report who.
func (m *Manager) Acquire() error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock, err := acquireLock(m.lockPath)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	m.lock = lock

	if err := m.writePIDFile(); err != nil {
		_ = m.lock.Release()
		m.lock = nil
		return err
	}
	return nil
}

// Release drops the lock and removes the PID file. Safe to call on a
// Manager that never successfully acquired.
func (m *Manager) Release() error {
	var releaseErr error
	if m.lock != nil {
		releaseErr = m.lock.Release()
		m.lock = nil
	}
	if err := os.Remove(m.pidFilePath); err != nil && !os.IsNotExist(err) {
		if releaseErr == nil {
			releaseErr = err
		}
	}
	return releaseErr
}

func (m *Manager) writePIDFile() error {
	hostname, _ := os.Hostname()
	data := PIDFileData{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		DataDir:   m.dataDir,
		Hostname:  hostname,
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid file: %w", err)
	}
	if err := os.WriteFile(m.pidFilePath, raw, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads the PID file for dataDir without acquiring
// anything, for use by taskflowctl against a process it doesn't own.
func ReadPIDFile(dataDir string) (*PIDFileData, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "taskflowd.pid"))
	if err != nil {
		return nil, err
	}
	var data PIDFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse pid file: %w", err)
	}
	return &data, nil
}
