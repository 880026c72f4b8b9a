package eventing

import (
	"encoding/json"
	"time"
)

// Envelope is the stored and forwarded form of an event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id"`
	SubjectID     string          `json:"subject_id"`
	Period        string          `json:"period,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Key routes an event: the installation, customer or run it concerns, the
// batch run it belongs to and the billing month it covers.
type Key struct {
	Subject     string
	Correlation string
	Period      string
	At          time.Time
}

// Keyed is implemented by domain events that carry routing fields.
type Keyed interface {
	EventKey() Key
}

// Meta overrides envelope fields.
type Meta struct {
	EventID       string
	TenantID      string
	CorrelationID string
}

const schemaVersion = 1

// BuildEnvelope wraps event. Meta wins over the event key; missing ids are generated.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}
	eventType := EventType(event)
	if eventType == "" {
		return Envelope{}, ErrInvalidEventType
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	var key Key
	if keyed, ok := event.(Keyed); ok {
		key = keyed.EventKey()
	}
	env := Envelope{
		EventID:       firstNonEmpty(meta.EventID, NewEventID()),
		EventType:     eventType,
		OccurredAt:    key.At.UTC(),
		TenantID:      meta.TenantID,
		SubjectID:     key.Subject,
		Period:        key.Period,
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	env.CorrelationID = firstNonEmpty(meta.CorrelationID, key.Correlation, env.EventID)
	return env, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
