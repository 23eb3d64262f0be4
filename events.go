package productionline

import (
	"sync"
	"time"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	EventStepStarted   EventKind = "step.started"
	EventStepCompleted EventKind = "step.completed"
	EventStepFailed    EventKind = "step.failed"
	EventRunCompleted  EventKind = "run.completed"
	EventRunFailed     EventKind = "run.failed"
	EventReset         EventKind = "builder.reset"

	EventReady  EventKind = "monitor.ready"
	EventChange EventKind = "monitor.change"
	EventClose  EventKind = "monitor.close"

	EventError EventKind = "error"
)

// Event carries the payload of a notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Time time.Time

	Step *StepInfo

	Action Action
	Path   string

	Err error
}

type EventHandler func(Event)

// SubscriptionID identifies a registered handler for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// eventBus dispatches events synchronously, in subscription order, on the emitting goroutine.
type eventBus struct {
	mu       sync.RWMutex
	nextID   SubscriptionID
	handlers map[EventKind][]subscription
}

func newEventBus() *eventBus {
	return &eventBus{handlers: make(map[EventKind][]subscription)}
}

func (eb *eventBus) subscribe(kind EventKind, handler EventHandler) SubscriptionID {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	eb.handlers[kind] = append(eb.handlers[kind], subscription{id: eb.nextID, handler: handler})
	return eb.nextID
}

func (eb *eventBus) unsubscribe(id SubscriptionID) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for kind, subs := range eb.handlers {
		for i, sub := range subs {
			if sub.id == id {
				eb.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (eb *eventBus) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	subs := append([]subscription(nil), eb.handlers[event.Kind]...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}
