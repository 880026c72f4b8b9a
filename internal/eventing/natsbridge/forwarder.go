package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"solarshare/internal/eventing"
	"solarshare/internal/observability/metrics"
)

const defaultSubjectPrefix = "solarshare.events"

// Config holds broker connection settings.
type Config struct {
	URL            string
	Name           string
	SubjectPrefix  string
	TenantID       string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// PublishFunc sends one message to a broker subject.
type PublishFunc func(subject string, data []byte) error

// Forwarder copies bus events to the broker as JSON envelopes.
type Forwarder struct {
	publish  PublishFunc
	prefix   string
	tenantID string
	logger   *log.Logger
	conn     *nats.Conn
}

// Connect dials the broker and returns a forwarder bound to it.
func Connect(cfg Config, logger *log.Logger) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats forwarder: empty url")
	}
	if cfg.Name == "" {
		cfg.Name = "solarshare"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats forwarder: connect: %w", err)
	}
	f := NewForwarder(conn.Publish, cfg.SubjectPrefix, cfg.TenantID, logger)
	f.conn = conn
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			f.logger.Printf("nats forwarder: disconnected err=%v", err)
		}
	})
	conn.SetReconnectHandler(func(nc *nats.Conn) {
		f.logger.Printf("nats forwarder: reconnected url=%s", nc.ConnectedUrl())
	})
	return f, nil
}

// NewForwarder builds a forwarder over an arbitrary publish function.
func NewForwarder(publish PublishFunc, prefix, tenantID string, logger *log.Logger) *Forwarder {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Forwarder{publish: publish, prefix: prefix, tenantID: tenantID, logger: logger}
}

// Attach subscribes the forwarder to each event type on bus.
func (f *Forwarder) Attach(bus eventing.Bus, eventTypes ...string) {
	if f == nil || bus == nil {
		return
	}
	for _, eventType := range eventTypes {
		bus.Subscribe(eventType, f.Handle)
	}
}

// Handle publishes one event. Broker failures are counted and logged, never
// returned, so a broker outage does not fail the unit that emitted the event.
func (f *Forwarder) Handle(ctx context.Context, event any) error {
	env, ok := eventing.EnvelopeFromContext(ctx)
	if !ok || env.EventType != eventing.EventType(event) {
		var err error
		env, err = eventing.BuildEnvelope(event, eventing.ContextMeta(ctx, f.tenantID))
		if err != nil {
			metrics.IncEventForwarded(metrics.ResultError)
			f.logger.Printf("nats forwarder: envelope err=%v", err)
			return nil
		}
	}
	data, err := json.Marshal(env)
	if err == nil {
		err = f.publish(f.Subject(env.EventType), data)
	}
	metrics.IncEventForwarded(metrics.ResultOf(err))
	if err != nil {
		f.logger.Printf("nats forwarder: publish type=%s event_id=%s err=%v", env.EventType, env.EventID, err)
	}
	return nil
}

// Subject returns the broker subject for an event type, e.g. solarshare.events.batch.RunCompleted.
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

// Close drains the broker connection if the forwarder owns one.
func (f *Forwarder) Close() error {
	if f == nil || f.conn == nil {
		return nil
	}
	return f.conn.Drain()
}
