package eventing

import (
	"context"
	"log"
	"time"

	"solarshare/internal/observability/metrics"
)

const defaultDispatchLimit = 50

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// DLQStore records events that exhausted their attempts.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// OutboxRecord is a pending outbox entry.
type OutboxRecord struct {
	ID       string
	Envelope Envelope
	Attempts int
}

// DispatchResult counts the outcome of one dispatch pass.
type DispatchResult struct {
	Claimed int
	Sent    int
	Retried int
	Failed  int
	DLQ     int
}

// Dispatcher delivers outbox events to the in-process bus.
type Dispatcher struct {
	bus         EventBus
	outbox      OutboxStore
	registry    *Registry
	dlq         DLQStore
	maxAttempts int
	logger      *log.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets how many deliveries a record gets before it is dead-lettered.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher. By default a failed delivery is
// dead-lettered immediately.
func NewDispatcher(bus EventBus, outbox OutboxStore, registry *Registry, dlq DLQStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{bus: bus, outbox: outbox, registry: registry, dlq: dlq, maxAttempts: 1, logger: log.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers up to limit pending records.
func (d *Dispatcher) Dispatch(ctx context.Context, limit int) (DispatchResult, error) {
	start := time.Now()
	var result DispatchResult
	if d == nil || d.outbox == nil || d.bus == nil || d.registry == nil {
		return result, nil
	}
	if limit <= 0 {
		limit = defaultDispatchLimit
	}
	records, err := d.outbox.ListPending(ctx, limit)
	if err != nil {
		metrics.ObserveOutboxDispatch(metrics.ResultError, time.Since(start), 0, 0)
		return result, err
	}
	result.Claimed = len(records)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, record := range records {
		cause := d.deliver(ctx, record)
		if cause == nil {
			if err := d.outbox.MarkSent(ctx, record.ID); err != nil {
				keep(err)
				result.Failed++
				continue
			}
			result.Sent++
			continue
		}
		if record.Attempts+1 < d.maxAttempts {
			keep(d.outbox.MarkRetry(ctx, record.ID))
			result.Retried++
			continue
		}
		result.Failed++
		keep(d.outbox.MarkFailed(ctx, record.ID))
		d.logger.Printf("outbox dead letter: event_id=%s type=%s run_id=%s attempts=%d err=%v",
			record.Envelope.EventID, record.Envelope.EventType, record.Envelope.CorrelationID, record.Attempts+1, cause)
		if d.dlq != nil {
			if err := d.dlq.RecordFailure(ctx, record.Envelope, cause); err == nil {
				result.DLQ++
			} else {
				keep(err)
			}
		}
	}

	outcome := metrics.ResultSuccess
	if firstErr != nil || result.Failed > 0 {
		outcome = metrics.ResultError
	}
	metrics.ObserveOutboxDispatch(outcome, time.Since(start), result.Sent, result.Failed)
	return result, firstErr
}

func (d *Dispatcher) deliver(ctx context.Context, record OutboxRecord) error {
	payload, err := d.registry.DecodePayload(record.Envelope)
	if err != nil {
		return err
	}
	return d.bus.Publish(WithEnvelope(ctx, record.Envelope), payload)
}

// Run dispatches on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, limit int) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Dispatch(ctx, limit); err != nil {
				d.logger.Printf("outbox dispatch error: %v", err)
			}
		}
	}
}
