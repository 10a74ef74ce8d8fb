// Package notify turns selected lifecycle events into out-of-band
// signals an operator can notice without tailing logs: a desktop
// toast, a flashed terminal title, or both.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/d0labs/taskflow/internal/events"
)

// Config controls which channels a Manager drives.
type Config struct {
	AppID          string
	DashboardURL   string
	EnableToast    bool
	EnableTerminal bool
	Logger         *slog.Logger
}

// Manager subscribes to an events.Bus and routes the event types that
// warrant an operator's attention to whichever notification channels
// are enabled and supported on this platform.
type Manager struct {
	toast    *toastNotifier
	terminal *terminalNotifier
	enabled  bool
	mu       sync.RWMutex
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// watchedTypes are the event types that reach an operator; everything
// else on the bus is routine and stays in the log.
var watchedTypes = []events.Type{
	events.TypeTaskDeadlettered,
	events.TypeSLAViolation,
	events.TypeGateTimedOut,
	events.TypeSchedulerAlert,
}

// NewManager builds a Manager and subscribes it to bus. It does not
// unsubscribe; a Manager is meant to live for the process lifetime.
func NewManager(bus *events.Bus, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		toast:    newToastNotifier(cfg.AppID, cfg.DashboardURL),
		terminal: newTerminalNotifier(),
		enabled:  cfg.EnableToast || cfg.EnableTerminal,
		logger:   cfg.Logger,
		nowFunc:  time.Now,
	}
	m.logSupport()
	if bus != nil {
		bus.OnEvent(m.handle)
	}
	return m
}

func (m *Manager) handle(e *events.Event) {
	if !watched(e.Type) {
		return
	}
	age := humanize.Time(e.CreatedAt)
	title, message := describe(e, age)
	if err := m.notify(title, message); err != nil {
		m.logger.Warn("notification delivery incomplete", "type", e.Type, "taskId", e.TaskID, "err", err)
	}
}

func watched(t events.Type) bool {
	for _, w := range watchedTypes {
		if w == t {
			return true
		}
	}
	return false
}

func describe(e *events.Event, age string) (title, message string) {
	switch e.Type {
	case events.TypeTaskDeadlettered:
		return "Task deadlettered", e.TaskID + " moved to deadletter " + age
	case events.TypeSLAViolation:
		reason, _ := e.Payload["reason"].(string)
		return "SLA violation", e.TaskID + ": " + reason
	case events.TypeGateTimedOut:
		return "Gate timed out", e.TaskID + " gate timed out " + age
	case events.TypeSchedulerAlert:
		reason, _ := e.Payload["reason"].(string)
		return "Scheduler alert", reason
	default:
		return string(e.Type), e.TaskID
	}
}

// notify fans a single title/message pair out to every enabled and
// supported channel, returning a combined error if any fail.
func (m *Manager) notify(title, message string) error {
	if !m.IsEnabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if m.toast.IsSupported() {
		if err := m.toast.Show(title, message); err != nil {
			errs = append(errs, err)
		} else {
			m.logger.Info("toast notification sent", "title", title, "message", message)
		}
	}

	if m.terminal.IsSupported() {
		if err := m.terminal.Flash(message); err != nil {
			errs = append(errs, err)
		} else {
			m.logger.Info("terminal title flashed", "message", message)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ClearAlert restores the terminal title once the alerting condition
// is no longer active.
func (m *Manager) ClearAlert() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.terminal.IsSupported() {
		return nil
	}
	return m.terminal.Clear()
}

// IsEnabled reports whether any notification channel is active.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetOriginalTitle records the terminal title to restore on ClearAlert.
func (m *Manager) SetOriginalTitle(title string) {
	m.terminal.SetOriginalTitle(title)
}

func (m *Manager) logSupport() {
	m.logger.Info("notification channel support",
		"toast", m.toast.IsSupported(),
		"terminal", m.terminal.IsSupported())
}
