package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"solarshare/internal/txn"
)

// Manager runs units of work inside a database transaction.
type Manager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// Option configures the manager.
type Option func(*Manager)

// WithIsolation overrides the default isolation level.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(m *Manager) {
		m.opts = &sql.TxOptions{Isolation: level}
	}
}

// NewManager constructs a manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("txn manager: nil db")
	}
	m := &Manager{db: db, opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// WithinTx begins a transaction, binds it to ctx and commits when fn succeeds.
func (m *Manager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txn.SQLTxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(txn.WithSQLTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
