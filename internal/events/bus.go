package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one channel-based listener, optionally filtered by
// event type.
type Subscription struct {
	Ch     chan Event
	Types  []Type
	Target string
}

// Store persists events durably and tracks delivery to channel
// subscribers that were offline when an event was published.
type Store interface {
	Save(event *Event) error
	GetPending(target string, types []Type) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// Backpressure tuning: a slow or absent subscriber gets a few brief
// retries before its event is dropped from the live channel — the
// event itself is never lost, since it was already durably saved.
const (
	MaxBackpressureRetries = 3
	BackpressureRetryDelay = 10 * time.Millisecond
)

// Listener is a synchronous, in-process callback invoked on every
// publish before Publish returns. Unlike channel subscribers,
// listeners cannot apply backpressure and must not block; they exist
// for components (the notification manager) that need
// to react to an event in the same call stack that produced it,
// matching the Notification contract's synchronous delivery guarantee.
type Listener func(event *Event)

// Bus fans events out to channel subscribers and synchronous
// listeners, and persists every event to Store first.
type Bus struct {
	subscribers   map[string][]*Subscription
	listeners     []Listener
	store         Store
	logger        *slog.Logger
	mu            sync.RWMutex
	droppedEvents uint64
}

// NewBus constructs a Bus backed by store, which may be nil to run
// without durability (used in tests).
func NewBus(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		store:       store,
		logger:      logger,
	}
}

// Subscribe registers a channel subscription for target, optionally
// filtered to types. An empty types slice receives everything.
func (b *Bus) Subscribe(target string, types []Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:     make(chan Event, 100),
		Types:  types,
		Target: target,
	}
	b.subscribers[target] = append(b.subscribers[target], sub)
	return sub.Ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[target]
	if !ok {
		return
	}
	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}
			return
		}
	}
}

// OnEvent registers a synchronous listener invoked for every
// published event, in registration order, before Publish returns.
func (b *Bus) OnEvent(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish persists event (if a store is configured), invokes every
// synchronous listener, then fans the event out to matching channel
// subscribers with backpressure-then-drop semantics.
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			b.logger.Error("failed to persist event", "type", event.Type, "id", event.ID, "err", err)
		}
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	var targetSubs []*Subscription
	if event.Target == "all" {
		for _, subs := range b.subscribers {
			targetSubs = append(targetSubs, subs...)
		}
	} else {
		targetSubs = append(targetSubs, b.subscribers[event.Target]...)
		targetSubs = append(targetSubs, b.subscribers["all"]...)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}

	for _, sub := range targetSubs {
		if matchesTypes(event.Type, sub.Types) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

func (b *Bus) sendWithBackpressure(sub *Subscription, event *Event) {
	select {
	case sub.Ch <- *event:
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case sub.Ch <- *event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	b.logger.Warn("dropped event after backpressure retries exhausted",
		"type", event.Type, "target", event.Target, "source", event.Source,
		"id", event.ID, "totalDropped", dropped)
}

// GetPendingEvents returns undelivered events for target from Store.
func (b *Bus) GetPendingEvents(target string, types []Type) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.GetPending(target, types)
}

// MarkDelivered records that eventID has been delivered to target.
func (b *Bus) MarkDelivered(eventID string) error {
	if b.store == nil {
		return nil
	}
	return b.store.MarkDelivered(eventID)
}

// DroppedEventCount returns the number of channel deliveries dropped
// due to sustained backpressure.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}

func matchesTypes(t Type, types []Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
