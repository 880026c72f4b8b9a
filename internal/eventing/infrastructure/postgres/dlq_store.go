package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"solarshare/internal/eventing"
)

const defaultDLQTable = "dead_letter_events"

// DLQStore keeps events no consumer could handle.
type DLQStore struct {
	db  *sql.DB
	cfg config
}

// NewDLQStore constructs a dead letter store.
func NewDLQStore(db *sql.DB, opts ...StoreOption) *DLQStore {
	return &DLQStore{db: db, cfg: newConfig(defaultDLQTable, opts)}
}

// RecordFailure upserts the event; a repeated failure bumps attempts.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	tenant_id, event_id, event_type, correlation_id, payload, error,
	first_seen_at, last_seen_at, attempts
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
ON CONFLICT (tenant_id, event_id) DO UPDATE SET
	error = EXCLUDED.error,
	payload = EXCLUDED.payload,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %[1]s.attempts + 1`, s.cfg.table)
	_, err = s.db.ExecContext(ctx, query,
		s.cfg.tenantID, env.EventID, env.EventType, env.CorrelationID, payload, message, time.Now().UTC())
	return err
}
