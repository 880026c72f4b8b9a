// Package txn carries units of work through context so repositories of
// different bounded contexts can commit or roll back together.
package txn

import (
	"context"
	"database/sql"
	"sync"
)

// Manager runs fn as a single unit of work. Nested calls join the outer unit.
type Manager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxKey struct{}

// WithSQLTx binds tx to ctx.
func WithSQLTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, sqlTxKey{}, tx)
}

// SQLTxFromContext returns the bound transaction, if any.
func SQLTxFromContext(ctx context.Context) (*sql.Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Executor returns the transaction bound to ctx, or db outside a unit of work.
func Executor(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := SQLTxFromContext(ctx); ok {
		return tx
	}
	return db
}

// UndoLog collects compensating actions for in-memory stores.
type UndoLog struct {
	mu      sync.Mutex
	actions []func()
}

type undoKey struct{}

// WithUndoLog binds a fresh undo log to ctx.
func WithUndoLog(ctx context.Context) (context.Context, *UndoLog) {
	log := &UndoLog{}
	return context.WithValue(ctx, undoKey{}, log), log
}

// UndoLogFromContext returns the bound undo log, if any.
func UndoLogFromContext(ctx context.Context) (*UndoLog, bool) {
	if ctx == nil {
		return nil, false
	}
	log, ok := ctx.Value(undoKey{}).(*UndoLog)
	return log, ok && log != nil
}

// OnRollback registers undo with the unit bound to ctx. Outside a unit it is a no-op.
func OnRollback(ctx context.Context, undo func()) {
	log, ok := UndoLogFromContext(ctx)
	if !ok || undo == nil {
		return
	}
	log.mu.Lock()
	log.actions = append(log.actions, undo)
	log.mu.Unlock()
}

// Rollback runs the registered actions newest first and clears the log.
func (l *UndoLog) Rollback() {
	l.mu.Lock()
	actions := l.actions
	l.actions = nil
	l.mu.Unlock()
	for i := len(actions) - 1; i >= 0; i-- {
		actions[i]()
	}
}

// Discard forgets the registered actions after a successful unit.
func (l *UndoLog) Discard() {
	l.mu.Lock()
	l.actions = nil
	l.mu.Unlock()
}

// Len returns the number of pending actions.
func (l *UndoLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actions)
}
