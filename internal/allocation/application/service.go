package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	allocation "solarshare/internal/allocation/domain"
	"solarshare/internal/audit"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service manages allocation edits and splits generator balances.
type Service struct {
	repo          allocation.Repository
	results       allocation.ResultRepository
	installations ledger.InstallationRepository
	engine        *allocation.Engine
	tx            txn.Manager
	audit         audit.Logger
	clock         Clock
	logger        *log.Logger
}

// NewService constructs the service. The audit logger is optional.
func NewService(
	repo allocation.Repository,
	results allocation.ResultRepository,
	installations ledger.InstallationRepository,
	engine *allocation.Engine,
	tx txn.Manager,
	auditLogger audit.Logger,
	clock Clock,
	logger *log.Logger,
) (*Service, error) {
	if repo == nil {
		return nil, errors.New("allocation service: nil repo")
	}
	if results == nil {
		return nil, errors.New("allocation service: nil result repo")
	}
	if installations == nil {
		return nil, errors.New("allocation service: nil installation repo")
	}
	if engine == nil {
		return nil, errors.New("allocation service: nil engine")
	}
	if tx == nil {
		return nil, errors.New("allocation service: nil txn manager")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		repo:          repo,
		results:       results,
		installations: installations,
		engine:        engine,
		tx:            tx,
		audit:         auditLogger,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Current returns the allocations in force for a generator.
func (s *Service) Current(ctx context.Context, generatorID string) ([]allocation.Allocation, error) {
	if generatorID == "" {
		return nil, allocation.ErrEmptyGeneratorID
	}
	versions, err := s.repo.ListVersions(ctx, generatorID)
	if err != nil {
		return nil, err
	}
	return allocation.Current(versions), nil
}

// Replace sets the full allocation list of a generator. Consumers missing from the
// list are deactivated. Changes take effect from now on, never retroactively.
func (s *Service) Replace(ctx context.Context, actor audit.Actor, generatorID string, desired []allocation.Allocation) ([]allocation.Allocation, error) {
	if err := s.checkInstallation(ctx, generatorID, ledger.KindGenerator); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range desired {
		desired[i].GeneratorID = generatorID
		desired[i].Active = true
		desired[i].UpdatedAt = now
		desired[i].UpdatedBy = actor.ID
		if err := s.checkInstallation(ctx, desired[i].ConsumerID, ledger.KindConsumer); err != nil {
			return nil, err
		}
	}
	if err := allocation.CheckQuotas(desired); err != nil {
		return nil, err
	}

	var result []allocation.Allocation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.Current(ctx, generatorID)
		if err != nil {
			return err
		}
		byConsumer := make(map[string]allocation.Allocation, len(current))
		for _, a := range current {
			byConsumer[a.ConsumerID] = a
		}

		versions := make([]allocation.Allocation, 0, len(desired)+len(current))
		for _, a := range desired {
			prev, ok := byConsumer[a.ConsumerID]
			if ok {
				a.ID = prev.ID
				delete(byConsumer, a.ConsumerID)
				if prev.Quota.Equal(a.Quota) {
					continue
				}
			} else if a.ID == "" {
				a.ID = uuid.NewString()
			}
			versions = append(versions, a)
		}
		for _, removed := range byConsumer {
			removed.Active = false
			removed.UpdatedAt = now
			removed.UpdatedBy = actor.ID
			versions = append(versions, removed)
		}
		if err := s.repo.AppendVersions(ctx, versions); err != nil {
			return err
		}

		if s.audit != nil {
			entry := actor.Entry(audit.ActionAllocationReplace, "generator", generatorID, desired, now)
			if err := s.audit.Log(ctx, entry); err != nil {
				return err
			}
		}
		result, err = s.Current(ctx, generatorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("allocations replaced: generator=%s actor=%s total_quota=%s", generatorID, actor.ID, allocation.TotalQuota(result))
	return result, nil
}

// Allocate splits a generator period balance using the allocations in force for
// that period.
func (s *Service) Allocate(ctx context.Context, generatorID string, period ledger.Period, balance decimal.Decimal) (allocation.Result, error) {
	versions, err := s.repo.ListVersions(ctx, generatorID)
	if err != nil {
		return allocation.Result{}, err
	}
	result, err := s.engine.Allocate(generatorID, period, balance, allocation.EffectiveAt(versions, period))
	metrics.IncAllocation(metrics.ResultOf(err))
	if err != nil {
		return allocation.Result{}, fmt.Errorf("allocate %s %s: %w", generatorID, period, err)
	}
	return result, nil
}

// Recipients lists the consumers targeted by the generator's allocations in force
// for period, sorted by id.
func (s *Service) Recipients(ctx context.Context, generatorID string, period ledger.Period) ([]string, error) {
	versions, err := s.repo.ListVersions(ctx, generatorID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, a := range allocation.EffectiveAt(versions, period) {
		if _, ok := seen[a.ConsumerID]; ok {
			continue
		}
		seen[a.ConsumerID] = struct{}{}
		out = append(out, a.ConsumerID)
	}
	sort.Strings(out)
	return out, nil
}

// SaveResult stores the split of a generator period.
func (s *Service) SaveResult(ctx context.Context, result allocation.Result) error {
	return s.results.Save(ctx, result)
}

// Result loads the stored split of a generator period.
func (s *Service) Result(ctx context.Context, generatorID string, period ledger.Period) (allocation.Result, error) {
	return s.results.Get(ctx, generatorID, period)
}

// ReceivedFor sums the credit allocated to a consumer in period. It is invalid when
// no generator allocated to the consumer.
func (s *Service) ReceivedFor(ctx context.Context, consumerID string, period ledger.Period) (decimal.NullDecimal, error) {
	received, _, err := s.ReceivedCredit(ctx, consumerID, period)
	return received, err
}

// ReceivedCredit is ReceivedFor plus the generator vintages the credit was drawn
// from. Vintages are nil when some result predates vintage tracking.
func (s *Service) ReceivedCredit(ctx context.Context, consumerID string, period ledger.Period) (decimal.NullDecimal, []ledger.Vintage, error) {
	results, err := s.results.ListByPeriod(ctx, period)
	if err != nil {
		return decimal.NullDecimal{}, nil, err
	}
	total := decimal.Zero
	found, dated := false, true
	var vintages []ledger.Vintage
	for _, result := range results {
		received, ok := result.ReceivedBy(consumerID)
		if !ok {
			continue
		}
		total = total.Add(received)
		found = true
		if !received.IsPositive() {
			continue
		}
		parts := result.ReceivedVintages(consumerID)
		if parts == nil {
			dated = false
		}
		vintages = append(vintages, parts...)
	}
	if !dated {
		vintages = nil
	}
	return decimal.NullDecimal{Decimal: total, Valid: found}, vintages, nil
}

// TargetedConsumers lists consumers that received an allocation line in period.
func (s *Service) TargetedConsumers(ctx context.Context, period ledger.Period) (map[string][]string, error) {
	results, err := s.results.ListByPeriod(ctx, period)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, result := range results {
		for _, line := range result.Lines {
			out[line.ConsumerID] = append(out[line.ConsumerID], result.GeneratorID)
		}
	}
	return out, nil
}

func (s *Service) checkInstallation(ctx context.Context, id string, kind ledger.Kind) error {
	if id == "" {
		return ledger.NewValidationError("installation_id", "required")
	}
	inst, err := s.installations.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Kind != kind {
		return ledger.NewValidationError("installation_id", fmt.Sprintf("%s is not a %s", id, kind))
	}
	if inst.Retired {
		return ledger.NewValidationError("installation_id", id+" is retired")
	}
	return nil
}
