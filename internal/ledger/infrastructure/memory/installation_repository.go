package memory

import (
	"context"
	"sort"
	"sync"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

// InstallationRepository is an in-memory repository for demo/testing.
type InstallationRepository struct {
	mu       sync.RWMutex
	byID     map[string]ledger.Installation
	byNumber map[string]string
}

// NewInstallationRepository constructs a repository.
func NewInstallationRepository(seed ...ledger.Installation) *InstallationRepository {
	repo := &InstallationRepository{
		byID:     make(map[string]ledger.Installation),
		byNumber: make(map[string]string),
	}
	for _, inst := range seed {
		_ = repo.Save(context.Background(), inst)
	}
	return repo
}

// Get loads an installation by id.
func (r *InstallationRepository) Get(ctx context.Context, id string) (ledger.Installation, error) {
	_ = ctx
	if id == "" {
		return ledger.Installation{}, ledger.ErrEmptyInstallationID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	if !ok {
		return ledger.Installation{}, ledger.ErrInstallationNotFound
	}
	return inst, nil
}

// FindByNumber resolves the distributor installation number.
func (r *InstallationRepository) FindByNumber(ctx context.Context, number string) (ledger.Installation, error) {
	r.mu.RLock()
	id, ok := r.byNumber[number]
	r.mu.RUnlock()
	if !ok {
		return ledger.Installation{}, ledger.ErrInstallationNotFound
	}
	return r.Get(ctx, id)
}

// List returns every installation ordered by id.
func (r *InstallationRepository) List(ctx context.Context) ([]ledger.Installation, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.Installation, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByCustomer returns the installations owned by a customer.
func (r *InstallationRepository) ListByCustomer(ctx context.Context, customerID string) ([]ledger.Installation, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Installation, 0)
	for _, inst := range all {
		if inst.CustomerID == customerID {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Save upserts an installation. The kind of an existing installation cannot change.
func (r *InstallationRepository) Save(ctx context.Context, inst ledger.Installation) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.byID[inst.ID]
	if existed && prev.Kind != inst.Kind {
		return ledger.NewValidationError("kind", "installation kind is immutable")
	}
	if existed && prev.Number != inst.Number {
		delete(r.byNumber, prev.Number)
	}
	r.byID[inst.ID] = inst
	if inst.Number != "" {
		r.byNumber[inst.Number] = inst.ID
	}
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.byNumber, inst.Number)
		if existed {
			r.byID[prev.ID] = prev
			r.byNumber[prev.Number] = prev.ID
			return
		}
		delete(r.byID, inst.ID)
	})
	return nil
}
