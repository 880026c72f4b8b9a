package eventing

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

var (
	// ErrNilEvent is returned when a nil event is published.
	ErrNilEvent = errors.New("eventing: nil event")
	// ErrInvalidEventType is returned when an event has no usable type name.
	ErrInvalidEventType = errors.New("eventing: invalid event type")
)

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event any) error

// EventBus publishes events.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// Bus publishes events and accepts subscriptions keyed by event type name.
type Bus interface {
	EventBus
	Subscribe(eventType string, handler EventHandler)
}

// InMemoryBus delivers events synchronously in subscription order.
type InMemoryBus struct {
	mu     sync.RWMutex
	routes map[string][]EventHandler
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{routes: make(map[string][]EventHandler)}
}

// Publish hands the event to every handler of its type. Pointer events are
// delivered as values so handlers can assert on the struct type. All handlers
// run and their errors are joined.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	event = dereference(event)
	if event == nil {
		return ErrNilEvent
	}
	name := EventType(event)
	if name == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	handlers := b.routes[name]
	b.mu.RUnlock()

	var errs []error
	for _, handle := range handlers {
		if err := handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe adds handler for eventType. Empty types and nil handlers are ignored.
func (b *InMemoryBus) Subscribe(eventType string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// copy on write; Publish ranges over a snapshot
	next := make([]EventHandler, len(b.routes[eventType]), len(b.routes[eventType])+1)
	copy(next, b.routes[eventType])
	b.routes[eventType] = append(next, handler)
}

// EventType names the struct type of event, ignoring pointers.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf names T the way EventType names its values.
func EventTypeOf[T any]() string {
	var zero *T
	return EventType(zero)
}

func dereference(event any) any {
	if event == nil {
		return nil
	}
	v := reflect.ValueOf(event)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}
