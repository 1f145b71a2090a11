// Package events carries task lifecycle events from the scheduling loop to
// observers such as the run history, the JSONL journal and NATS.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/model"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskLaunched is published when a pending instance starts running.
	EventTaskLaunched EventType = "task_launched"
	// EventTaskSucceeded is published when an attempt lands in the success queue.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskFailed is published for failed attempts, including launch failures.
	EventTaskFailed EventType = "task_failed"
	// EventTaskTerminated is published when an operator or shutdown stopped a task.
	EventTaskTerminated EventType = "task_terminated"
	// EventTaskRequeued is published when a fresh pending instance is synthesized.
	EventTaskRequeued EventType = "task_requeued"
	// EventCommandApplied is published for every drained observer command.
	EventCommandApplied EventType = "command_applied"
)

// IsFinal reports whether the event carries a record that reached a finished queue.
func (t EventType) IsFinal() bool {
	return t == EventTaskSucceeded || t == EventTaskFailed || t == EventTaskTerminated
}

// Event represents a system event.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp string            `json:"timestamp"`
	TaskID    string            `json:"task_id,omitempty"`
	Record    *model.TaskRecord `json:"record,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil means every type
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	wg         sync.WaitGroup
	logger     zerolog.Logger
	now        func() time.Time
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
	}
}

// Subscribe registers fn for the given event types.
// The subscriber function is called asynchronously in its own goroutine.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(fn, set)
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.add(fn, nil)
}

func (b *Bus) add(fn Subscriber, types map[EventType]bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, b.bufferSize), types: types}
	if b.closed {
		close(sub.ch)
		return func() {}
	}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", string(event.Type)).Interface("panic", r).Msg("event_subscriber_panic")
		}
	}()
	fn(event)
}

// Publish stamps and fans the event out to every matching subscriber
// without blocking.
func (b *Bus) Publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = model.FormatTimestamp(b.now())
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().Str("event", string(event.Type)).Str("task", event.TaskID).Msg("event_dropped")
		}
	}
}

// Close stops accepting events and waits until every subscriber has drained
// its buffer.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
