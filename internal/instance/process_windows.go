//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/sys/windows"
)

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) (bool, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return checkViaTasklist(pid)
	}
	defer windows.CloseHandle(handle)
	return true, nil
}

func checkViaTasklist(pid int) (bool, error) {
	cmd := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH", "/FO", "CSV")
	output, err := cmd.Output()
	if err != nil {
		return false, nil
	}
	return strings.Contains(string(output), fmt.Sprintf("\"%d\"", pid)), nil
}

// requestGracefulShutdown has no unprivileged SIGTERM equivalent on
// Windows; callers fall back to killProcess after the same timeout
// they'd otherwise spend waiting for a graceful exit.
func requestGracefulShutdown(pid int) error {
	return fmt.Errorf("graceful shutdown signal not supported on windows")
}

func killProcess(pid int) error {
	cmd := exec.Command("taskkill", "/F", "/PID", fmt.Sprintf("%d", pid))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskkill failed: %w (output: %s)", err, string(output))
	}
	return nil
}
