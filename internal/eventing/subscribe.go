package eventing

import (
	"context"
	"fmt"
)

// ProcessedStore remembers which consumer handled which event.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe registers handler under consumerName. With a store, redelivered
// outbox events are handled once per consumer.
func Subscribe(bus Bus, eventType, consumerName string, handler EventHandler, store ProcessedStore) {
	if bus == nil || handler == nil {
		return
	}
	if store != nil {
		handler = WrapHandler(consumerName, handler, store)
	}
	bus.Subscribe(eventType, handler)
}

// SubscribeTo is Subscribe for a single event type T.
func SubscribeTo[T any](bus Bus, consumerName string, handler func(ctx context.Context, event T) error, store ProcessedStore) {
	Subscribe(bus, EventTypeOf[T](), consumerName, func(ctx context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("%w: %s got %T", ErrInvalidEventType, consumerName, event)
		}
		return handler(ctx, typed)
	}, store)
}

// WrapHandler skips events the consumer already handled. Events published
// straight to the bus carry no envelope and always run.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		done, err := store.HasProcessed(ctx, env.EventID, consumerName)
		if err != nil || done {
			return err
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env.EventID, consumerName)
	}
}
