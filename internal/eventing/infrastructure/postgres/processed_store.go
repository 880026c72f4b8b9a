package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultProcessedTable = "processed_events"

// ProcessedStore records which consumer handled which event.
type ProcessedStore struct {
	db  *sql.DB
	cfg config
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore(db *sql.DB, opts ...StoreOption) *ProcessedStore {
	return &ProcessedStore{db: db, cfg: newConfig(defaultProcessedTable, opts)}
}

// HasProcessed reports whether consumerName already handled eventID.
func (s *ProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if err := s.check(eventID, consumerName); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE tenant_id = $1 AND event_id = $2 AND consumer_name = $3
)`, s.cfg.table)
	var exists bool
	err := s.db.QueryRowContext(ctx, query, s.cfg.tenantID, eventID, consumerName).Scan(&exists)
	return exists, err
}

// MarkProcessed records the pair; repeated marks are ignored.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if err := s.check(eventID, consumerName); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tenant_id, event_id, consumer_name, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, event_id, consumer_name) DO NOTHING`, s.cfg.table)
	_, err := s.db.ExecContext(ctx, query, s.cfg.tenantID, eventID, consumerName, time.Now().UTC())
	return err
}

func (s *ProcessedStore) check(eventID, consumerName string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	if eventID == "" || consumerName == "" {
		return errors.New("processed store: event id and consumer required")
	}
	return nil
}
