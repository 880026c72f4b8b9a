package eventing

import (
	"context"
	"errors"
)

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Publisher stores batch and roll-up events in the outbox. Inside a unit of
// work the row commits with the ledger and invoice writes, so a rolled back
// unit never announces itself. A Dispatcher later delivers to subscribers of
// the wrapped bus.
type Publisher struct {
	outbox   OutboxWriter
	tenantID string
	bus      Bus
}

// NewPublisher constructs a publisher over outbox. Subscriptions go to bus.
func NewPublisher(outbox OutboxWriter, tenantID string, bus Bus) *Publisher {
	return &Publisher{outbox: outbox, tenantID: tenantID, bus: bus}
}

// Publish enqueues the event.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	if p == nil || p.outbox == nil {
		return errors.New("eventing publisher: nil outbox")
	}
	env, err := BuildEnvelope(event, ContextMeta(ctx, p.tenantID))
	if err != nil {
		return err
	}
	_, err = p.outbox.Insert(ctx, env)
	return err
}

// Subscribe registers on the delivery bus.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Subscribe(eventType, handler)
}
