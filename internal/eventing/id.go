package eventing

import "github.com/google/uuid"

// NewEventID returns a random event id. Outbox rows use the same generator.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}
