package memory

import (
	"context"
	"errors"
	"testing"

	"solarshare/internal/txn"
)

func TestManager_RollsBackOnError(t *testing.T) {
	store := map[string]int{"a": 1}
	m := NewManager()

	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		prev := store["a"]
		store["a"] = 2
		txn.OnRollback(ctx, func() { store["a"] = prev })
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if store["a"] != 1 {
		t.Fatalf("write not rolled back: got=%d want=1", store["a"])
	}
}

func TestManager_NestedUnitsJoin(t *testing.T) {
	store := map[string]int{}
	m := NewManager()

	err := m.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := m.WithinTx(ctx, func(ctx context.Context) error {
			store["inner"] = 1
			txn.OnRollback(ctx, func() { delete(store, "inner") })
			return nil
		}); err != nil {
			return err
		}
		return errors.New("outer failed")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := store["inner"]; ok {
		t.Fatalf("inner write survived outer rollback")
	}
}
