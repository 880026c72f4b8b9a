package eventing

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

type sampleEvent struct {
	SubjectID  string
	RunID      string
	Amount     int
	OccurredAt time.Time
}

func (e sampleEvent) EventKey() Key {
	return Key{Subject: e.SubjectID, Correlation: e.RunID, Period: "03/2025", At: e.OccurredAt}
}

type bareEvent struct {
	Note string
}

type memOutbox struct {
	pending []OutboxRecord
	sent    []string
	failed  []string
}

func (m *memOutbox) Insert(_ context.Context, env Envelope) (string, error) {
	id := NewEventID()
	m.pending = append(m.pending, OutboxRecord{ID: id, Envelope: env})
	return id, nil
}

func (m *memOutbox) ListPending(_ context.Context, limit int) ([]OutboxRecord, error) {
	if len(m.pending) > limit {
		return append([]OutboxRecord(nil), m.pending[:limit]...), nil
	}
	return append([]OutboxRecord(nil), m.pending...), nil
}

func (m *memOutbox) MarkSent(_ context.Context, id string) error {
	m.sent = append(m.sent, id)
	m.drop(id)
	return nil
}

func (m *memOutbox) MarkRetry(_ context.Context, id string) error {
	for i := range m.pending {
		if m.pending[i].ID == id {
			m.pending[i].Attempts++
		}
	}
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id string) error {
	m.failed = append(m.failed, id)
	m.drop(id)
	return nil
}

func (m *memOutbox) drop(id string) {
	out := m.pending[:0]
	for _, rec := range m.pending {
		if rec.ID != id {
			out = append(out, rec)
		}
	}
	m.pending = out
}

type memDLQ struct {
	events []string
}

func (m *memDLQ) RecordFailure(_ context.Context, env Envelope, _ error) error {
	m.events = append(m.events, env.EventID)
	return nil
}

type memProcessed struct {
	seen map[string]bool
}

func (m *memProcessed) HasProcessed(_ context.Context, eventID, consumer string) (bool, error) {
	return m.seen[eventID+"|"+consumer], nil
}

func (m *memProcessed) MarkProcessed(_ context.Context, eventID, consumer string) error {
	m.seen[eventID+"|"+consumer] = true
	return nil
}

func TestInMemoryBus_DeliversByType(t *testing.T) {
	bus := NewInMemoryBus()
	var got []int
	bus.Subscribe(EventTypeOf[sampleEvent](), func(_ context.Context, event any) error {
		got = append(got, event.(sampleEvent).Amount)
		return nil
	})
	bus.Subscribe("other.Event", func(context.Context, any) error {
		t.Fatalf("unexpected delivery to other type")
		return nil
	})

	if err := bus.Publish(context.Background(), sampleEvent{Amount: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), &sampleEvent{Amount: 9}); err != nil {
		t.Fatalf("publish pointer: %v", err)
	}
	if len(got) != 2 || got[0] != 7 || got[1] != 9 {
		t.Fatalf("delivery mismatch: got=%v want=[7 9]", got)
	}
	var missing *sampleEvent
	if err := bus.Publish(context.Background(), missing); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("nil pointer event: got=%v want=%v", err, ErrNilEvent)
	}
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("nil event: got=%v want=%v", err, ErrNilEvent)
	}
}

func TestInMemoryBus_JoinsHandlerErrors(t *testing.T) {
	bus := NewInMemoryBus()
	boom := errors.New("boom")
	late := errors.New("late")
	calls := 0
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error { calls++; return boom })
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error { calls++; return nil })
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error { calls++; return late })

	err := bus.Publish(context.Background(), sampleEvent{})
	if !errors.Is(err, boom) || !errors.Is(err, late) {
		t.Fatalf("error mismatch: got=%v want both %v and %v", err, boom, late)
	}
	if calls != 3 {
		t.Fatalf("calls mismatch: got=%d want=3", calls)
	}
}

func TestRegistry_DecodesEnvelope(t *testing.T) {
	at := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	env, err := BuildEnvelope(sampleEvent{SubjectID: "inst-1", Amount: 42, OccurredAt: at}, Meta{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.SubjectID != "inst-1" || env.TenantID != "t1" || !env.OccurredAt.Equal(at) {
		t.Fatalf("envelope mismatch: got=%+v", env)
	}
	if env.CorrelationID != env.EventID || env.Period != "03/2025" {
		t.Fatalf("correlation mismatch: got=%s want=%s period=%s", env.CorrelationID, env.EventID, env.Period)
	}

	runEnv, _ := BuildEnvelope(sampleEvent{SubjectID: "inst-2", RunID: "run-7"}, Meta{EventID: "evt-fixed"})
	if runEnv.CorrelationID != "run-7" || runEnv.EventID != "evt-fixed" || runEnv.OccurredAt.IsZero() {
		t.Fatalf("run envelope mismatch: got=%+v", runEnv)
	}
	bare, err := BuildEnvelope(bareEvent{Note: "x"}, Meta{})
	if err != nil || bare.SubjectID != "" || bare.EventType != EventTypeOf[bareEvent]() {
		t.Fatalf("bare envelope mismatch: got=%+v err=%v", bare, err)
	}

	registry := NewRegistry()
	if _, err := registry.DecodePayload(env); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
	registry.Register(&sampleEvent{}, bareEvent{})
	if names := registry.Types(); len(names) != 2 {
		t.Fatalf("types mismatch: got=%v", names)
	}
	decoded, err := registry.DecodePayload(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := decoded.(sampleEvent); got.Amount != 42 {
		t.Fatalf("amount mismatch: got=%d want=42", got.Amount)
	}
}

func TestDispatcher_SendsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryBus()
	registry := NewRegistry()
	registry.Register(sampleEvent{})
	outbox := &memOutbox{}
	dlq := &memDLQ{}
	publisher := NewPublisher(outbox, "t1", bus)
	dispatcher := NewDispatcher(bus, outbox, registry, dlq)

	var delivered []int
	publisher.Subscribe(EventTypeOf[sampleEvent](), func(_ context.Context, event any) error {
		ev := event.(sampleEvent)
		if ev.Amount < 0 {
			return errors.New("negative")
		}
		delivered = append(delivered, ev.Amount)
		return nil
	})

	for _, amount := range []int{1, -1, 2} {
		if err := publisher.Publish(ctx, sampleEvent{SubjectID: "s", Amount: amount}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(delivered) != 0 {
		t.Fatalf("delivered before dispatch: %v", delivered)
	}

	res, err := dispatcher.Dispatch(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Claimed != 3 || res.Sent != 2 || res.Failed != 1 || res.DLQ != 1 {
		t.Fatalf("result mismatch: got=%+v", res)
	}
	if len(delivered) != 2 || delivered[0] != 1 || delivered[1] != 2 {
		t.Fatalf("delivery mismatch: got=%v want=[1 2]", delivered)
	}
	if len(outbox.pending) != 0 {
		t.Fatalf("pending mismatch: got=%d want=0", len(outbox.pending))
	}
}

func TestDispatcher_RetriesBeforeDeadLetter(t *testing.T) {
	ctx := context.Background()
	bus := NewInMemoryBus()
	registry := NewRegistry()
	registry.Register(sampleEvent{})
	outbox := &memOutbox{}
	dlq := &memDLQ{}
	publisher := NewPublisher(outbox, "t1", bus)
	dispatcher := NewDispatcher(bus, outbox, registry, dlq, WithMaxAttempts(3), WithDispatchLogger(log.New(io.Discard, "", 0)))

	calls := 0
	bus.Subscribe(EventTypeOf[sampleEvent](), func(context.Context, any) error {
		calls++
		return errors.New("notifier down")
	})
	if err := publisher.Publish(ctx, sampleEvent{SubjectID: "c1", RunID: "run-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for pass := 1; pass <= 2; pass++ {
		res, _ := dispatcher.Dispatch(ctx, 10)
		if res.Retried != 1 || res.DLQ != 0 {
			t.Fatalf("pass %d mismatch: got=%+v", pass, res)
		}
	}
	res, _ := dispatcher.Dispatch(ctx, 10)
	if res.Failed != 1 || res.DLQ != 1 {
		t.Fatalf("final pass mismatch: got=%+v", res)
	}
	if calls != 3 || len(dlq.events) != 1 || len(outbox.pending) != 0 {
		t.Fatalf("state mismatch: calls=%d dlq=%v pending=%d", calls, dlq.events, len(outbox.pending))
	}
}

func TestWrapHandler_SkipsProcessedEvents(t *testing.T) {
	store := &memProcessed{seen: make(map[string]bool)}
	calls := 0
	handler := WrapHandler("consumer-a", func(context.Context, any) error {
		calls++
		return nil
	}, store)

	env := Envelope{EventID: "evt-1"}
	ctx := WithEnvelope(context.Background(), env)
	for i := 0; i < 3; i++ {
		if err := handler(ctx, sampleEvent{}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("calls mismatch: got=%d want=1", calls)
	}

	// Without an envelope there is nothing to deduplicate on.
	if err := handler(context.Background(), sampleEvent{}); err != nil {
		t.Fatalf("handle bare: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls mismatch: got=%d want=2", calls)
	}
}

func TestSubscribeTo_TypedHandler(t *testing.T) {
	bus := NewInMemoryBus()
	store := &memProcessed{seen: make(map[string]bool)}
	var amounts []int
	SubscribeTo(bus, "typed", func(_ context.Context, ev sampleEvent) error {
		amounts = append(amounts, ev.Amount)
		return nil
	}, store)

	ctx := WithEnvelope(context.Background(), Envelope{EventID: "evt-5"})
	for i := 0; i < 2; i++ {
		if err := bus.Publish(ctx, sampleEvent{Amount: 5}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := bus.Publish(context.Background(), sampleEvent{Amount: 6}); err != nil {
		t.Fatalf("publish without envelope: %v", err)
	}
	if len(amounts) != 2 || amounts[0] != 5 || amounts[1] != 6 {
		t.Fatalf("delivery mismatch: got=%v want=[5 6]", amounts)
	}
}

func TestContextMeta_DefaultsTenant(t *testing.T) {
	meta := ContextMeta(context.Background(), "tenant-a")
	if meta.TenantID != "tenant-a" || meta.EventID != "" {
		t.Fatalf("meta mismatch: got=%+v", meta)
	}
	ctx := WithMeta(context.Background(), Meta{EventID: "evt-1", TenantID: "tenant-b"})
	if meta := ContextMeta(ctx, "tenant-a"); meta.TenantID != "tenant-b" || meta.EventID != "evt-1" {
		t.Fatalf("override mismatch: got=%+v", meta)
	}
}
