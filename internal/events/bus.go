// Package events provides the in-process pub/sub bus and the append-only
// audit log for queue and workflow lifecycle events.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTaskAdded      EventType = "task_added"
	EventTaskStarted    EventType = "task_started"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskTimeout    EventType = "task_timeout"
	EventTaskRemoved    EventType = "task_removed"
	EventStepStarted    EventType = "step_started"
	EventStepCompleted  EventType = "step_completed"
	EventUsageLimit     EventType = "usage_limit"
	EventTimeoutWarning EventType = "timeout_warning"
	EventQueuePaused    EventType = "queue_paused"
	EventQueueResumed   EventType = "queue_resumed"
	EventShutdown       EventType = "shutdown"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking pub/sub bus. Delivery is asynchronous through
// buffered per-subscriber channels; a full channel drops the event rather
// than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on a dedicated goroutine; panics are contained.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers the event to every subscriber of the type without ever
// blocking the caller.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts every subscriber channel down and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
