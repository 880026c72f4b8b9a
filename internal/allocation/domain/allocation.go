package allocation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

var (
	// ErrQuotaOverflow is returned when active quotas of one generator exceed 100%.
	ErrQuotaOverflow = errors.New("allocation: quota overflow")
	// ErrEmptyGeneratorID is returned when a generator id is missing.
	ErrEmptyGeneratorID = errors.New("allocation: empty generator id")
	// ErrResultNotFound is returned when no allocation result was stored.
	ErrResultNotFound = errors.New("allocation: result not found")
)

var hundred = decimal.NewFromInt(100)

// Allocation links a generator to a consumer with a percentage quota.
// Versions are append-only: an edit is a new version effective from UpdatedAt.
type Allocation struct {
	ID          string          `json:"id"`
	GeneratorID string          `json:"generator_id"`
	ConsumerID  string          `json:"consumer_id"`
	Quota       decimal.Decimal `json:"quota"`
	Active      bool            `json:"active"`
	UpdatedBy   string          `json:"updated_by,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Validate checks identity and 0 < quota <= 100.
func (a Allocation) Validate() error {
	if a.GeneratorID == "" {
		return ErrEmptyGeneratorID
	}
	if a.ConsumerID == "" {
		return ledger.NewValidationError("consumer_id", "required")
	}
	if a.ConsumerID == a.GeneratorID {
		return ledger.NewValidationError("consumer_id", "generator cannot allocate to itself")
	}
	if !a.Active {
		return nil
	}
	if !a.Quota.IsPositive() || a.Quota.GreaterThan(hundred) {
		return ledger.NewValidationError("quota", fmt.Sprintf("quota %s outside (0, 100]", a.Quota))
	}
	return nil
}

// supersedes reports whether v replaces current. Versions are listed oldest
// first, so on equal UpdatedAt the later entry wins.
func supersedes(v, current Allocation) bool {
	return !v.UpdatedAt.Before(current.UpdatedAt)
}

// EffectiveAt resolves the allocations in force for a generator period: per consumer,
// the newest version updated before the period ends, dropped when inactive.
// versions must be in append order.
func EffectiveAt(versions []Allocation, period ledger.Period) []Allocation {
	cutoff := period.End()
	latest := make(map[string]Allocation)
	for _, v := range versions {
		if !v.UpdatedAt.IsZero() && !v.UpdatedAt.Before(cutoff) {
			continue
		}
		current, ok := latest[v.ConsumerID]
		if !ok || supersedes(v, current) {
			latest[v.ConsumerID] = v
		}
	}
	out := make([]Allocation, 0, len(latest))
	for _, v := range latest {
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out
}

// Current resolves the allocations in force now. versions must be in append order.
func Current(versions []Allocation) []Allocation {
	latest := make(map[string]Allocation)
	for _, v := range versions {
		current, ok := latest[v.ConsumerID]
		if !ok || supersedes(v, current) {
			latest[v.ConsumerID] = v
		}
	}
	out := make([]Allocation, 0, len(latest))
	for _, v := range latest {
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out
}

// TotalQuota sums the quota of active allocations.
func TotalQuota(allocations []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocations {
		if a.Active {
			total = total.Add(a.Quota)
		}
	}
	return total
}

// CheckQuotas validates every allocation and the 100% ceiling.
func CheckQuotas(allocations []Allocation) error {
	seen := make(map[string]struct{}, len(allocations))
	for _, a := range allocations {
		if err := a.Validate(); err != nil {
			return err
		}
		if _, dup := seen[a.ConsumerID]; dup {
			return ledger.NewValidationError("consumer_id", "duplicate consumer "+a.ConsumerID)
		}
		seen[a.ConsumerID] = struct{}{}
	}
	if total := TotalQuota(allocations); total.GreaterThan(hundred) {
		return fmt.Errorf("%w: total %s%%", ErrQuotaOverflow, total)
	}
	return nil
}
