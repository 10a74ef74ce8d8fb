package notify

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

// terminalNotifier flashes the controlling terminal's title bar, the
// cheapest possible out-of-band signal for an operator who has the
// daemon's terminal visible but not focused.
type terminalNotifier struct {
	mu            sync.Mutex
	originalTitle string
}

func newTerminalNotifier() *terminalNotifier {
	return &terminalNotifier{originalTitle: "taskflow"}
}

func (t *terminalNotifier) SetOriginalTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originalTitle = title
}

func (t *terminalNotifier) Flash(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(fmt.Sprintf("taskflow - %s", message))
}

func (t *terminalNotifier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTitle(t.originalTitle)
}

func (t *terminalNotifier) setTitle(title string) error {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		fmt.Printf("\033]0;%s\007", title)
		return nil
	default:
		return fmt.Errorf("terminal title manipulation not supported on %s", runtime.GOOS)
	}
}

func (t *terminalNotifier) IsSupported() bool {
	if !isTerminal() {
		return false
	}
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		return false
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
