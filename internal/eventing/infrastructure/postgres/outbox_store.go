package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"solarshare/internal/eventing"
	"solarshare/internal/txn"
)

const defaultOutboxTable = "event_outbox"

// OutboxStore keeps batch and roll-up events until the dispatcher delivers them.
// The run id, subject and month are stored in their own columns so operators
// can trace a run's events without decoding payloads.
type OutboxStore struct {
	db  *sql.DB
	cfg config
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...StoreOption) *OutboxStore {
	return &OutboxStore{db: db, cfg: newConfig(defaultOutboxTable, opts)}
}

// Insert writes env. Inside a unit of work the row joins its transaction.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	id := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id, id, event_id, event_type, correlation_id, subject_id, period,
	payload, status, attempts, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9)`, s.cfg.table)
	_, err = txn.Executor(ctx, s.db).ExecContext(ctx, query,
		s.cfg.tenantID, id, env.EventID, env.EventType, env.CorrelationID, env.SubjectID, env.Period,
		payload, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns the oldest pending records.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, payload, attempts
FROM %s
WHERE tenant_id = $1 AND status = 'pending'
ORDER BY created_at ASC, id ASC
LIMIT $2`, s.cfg.table)
	rows, err := s.db.QueryContext(ctx, query, s.cfg.tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventing.OutboxRecord
	for rows.Next() {
		var (
			rec     eventing.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &payload, &rec.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("outbox store: decode %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, id, `status = 'sent', sent_at = $3`, time.Now().UTC())
}

// MarkRetry keeps the record pending and counts the attempt.
func (s *OutboxStore) MarkRetry(ctx context.Context, id string) error {
	return s.update(ctx, id, `attempts = attempts + 1`)
}

// MarkFailed stops delivery of a record.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.update(ctx, id, `status = 'failed', attempts = attempts + 1`)
}

func (s *OutboxStore) update(ctx context.Context, id, set string, args ...any) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE tenant_id = $1 AND id = $2`, s.cfg.table, set)
	_, err := s.db.ExecContext(ctx, query, append([]any{s.cfg.tenantID, id}, args...)...)
	return err
}
