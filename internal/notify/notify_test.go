package notify

import (
	"testing"

	"github.com/d0labs/taskflow/internal/events"
)

func TestNewManagerReportsEnabled(t *testing.T) {
	bus := events.NewBus(nil, nil)
	m := NewManager(bus, Config{EnableToast: true, EnableTerminal: true})

	if !m.IsEnabled() {
		t.Error("expected manager to be enabled when a channel is requested")
	}
}

func TestNewManagerDisabledWhenNoChannelsRequested(t *testing.T) {
	bus := events.NewBus(nil, nil)
	m := NewManager(bus, Config{})

	if m.IsEnabled() {
		t.Error("expected manager to be disabled with no channels requested")
	}
}

func TestHandleDoesNotPanicOnWatchedEvents(t *testing.T) {
	bus := events.NewBus(nil, nil)
	NewManager(bus, Config{EnableToast: true, EnableTerminal: true})

	bus.Publish(events.New(events.TypeTaskDeadlettered, "test", "T-1", "all", events.PriorityHigh, nil))
	bus.Publish(events.New(events.TypeSLAViolation, "test", "T-2", "all", events.PriorityHigh, map[string]any{"reason": "overdue"}))
	bus.Publish(events.New(events.TypeGateTimedOut, "test", "T-3", "all", events.PriorityHigh, nil))
	bus.Publish(events.New(events.TypeSchedulerAlert, "test", "T-4", "all", events.PriorityHigh, map[string]any{"reason": "backlog stuck"}))
}

func TestHandleIgnoresUnwatchedEvents(t *testing.T) {
	bus := events.NewBus(nil, nil)
	NewManager(bus, Config{EnableToast: true, EnableTerminal: true})

	// task.created isn't in watchedTypes; publishing it must not panic
	// or otherwise surface as a notification.
	bus.Publish(events.New(events.TypeTaskCreated, "test", "T-5", "all", events.PriorityLow, nil))
}

func TestDescribeFormatsSLAViolation(t *testing.T) {
	e := events.New(events.TypeSLAViolation, "test", "T-9", "all", events.PriorityHigh, map[string]any{"reason": "no heartbeat"})
	title, message := describe(e, "a minute ago")

	if title != "SLA violation" {
		t.Errorf("title = %q, want %q", title, "SLA violation")
	}
	if message != "T-9: no heartbeat" {
		t.Errorf("message = %q, want %q", message, "T-9: no heartbeat")
	}
}

func TestWatchedTypesCoversDispatchedAlerts(t *testing.T) {
	for _, typ := range []events.Type{
		events.TypeTaskDeadlettered,
		events.TypeSLAViolation,
		events.TypeGateTimedOut,
		events.TypeSchedulerAlert,
	} {
		if !watched(typ) {
			t.Errorf("expected %q to be watched", typ)
		}
	}
	if watched(events.TypeTaskCreated) {
		t.Error("did not expect task.created to be watched")
	}
}

func TestClearAlertDoesNotPanicWithoutSupport(t *testing.T) {
	bus := events.NewBus(nil, nil)
	m := NewManager(bus, Config{EnableTerminal: true})

	if err := m.ClearAlert(); err != nil {
		// Error is fine if the terminal isn't supported in this
		// environment; the important thing is it doesn't panic.
		_ = err
	}
}

func TestSetOriginalTitleIsSafeBeforeFlash(t *testing.T) {
	bus := events.NewBus(nil, nil)
	m := NewManager(bus, Config{EnableTerminal: true})
	m.SetOriginalTitle("custom-title")
}
