package instance

import (
	"fmt"
	"os"
	"time"
)

// Status reports what taskflowctl needs to know about a daemon found
// via its PID file.
type Status struct {
	PID       int
	StartedAt time.Time
	DataDir   string
	Running   bool
}

// FindRunning reads the PID file for dataDir and checks whether that
// process is still alive, cleaning up a stale PID file if not.
func FindRunning(dataDir string) (*Status, error) {
	data, err := ReadPIDFile(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	running, err := IsProcessRunning(data.PID)
	if err != nil {
		return nil, fmt.Errorf("check process: %w", err)
	}
	if !running {
		_ = os.Remove(dataDirPIDPath(dataDir))
		return nil, nil
	}

	return &Status{PID: data.PID, StartedAt: data.StartedAt, DataDir: data.DataDir, Running: true}, nil
}

// Stop requests a graceful shutdown of the process at pid and waits
// up to timeout for it to exit, force-killing it if it doesn't.
func Stop(pid int, force bool, timeout time.Duration) error {
	if force {
		return killProcess(pid)
	}

	// A failed signal (always the case on windows) still waits out the
	// timeout and then force-kills below.
	_ = requestGracefulShutdown(pid)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		running, err := IsProcessRunning(pid)
		if err != nil || !running {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return killProcess(pid)
}

func dataDirPIDPath(dataDir string) string {
	return NewManager(dataDir).pidFilePath
}
