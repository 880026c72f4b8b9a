package memory

import (
	"context"

	"solarshare/internal/txn"
)

// Manager runs units of work against in-memory repositories.
// Repositories register undo actions; a failed unit replays them newest first.
type Manager struct{}

// NewManager constructs a manager.
func NewManager() *Manager { return &Manager{} }

// WithinTx runs fn and rolls back every registered write when it fails or panics.
func (m *Manager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txn.UndoLogFromContext(ctx); ok {
		return fn(ctx)
	}
	ctx, log := txn.WithUndoLog(ctx)
	defer func() {
		if p := recover(); p != nil {
			log.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx); err != nil {
		log.Rollback()
		return err
	}
	log.Discard()
	return nil
}
