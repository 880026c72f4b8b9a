package statistic

import (
	"context"
	"errors"
	"log"
	"time"

	"solarshare/internal/analytics/application/events"
	domainstatistic "solarshare/internal/analytics/domain/statistic"
	billing "solarshare/internal/billing/domain"
	"solarshare/internal/eventing"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RollupService recomputes scope statistics from completed records and invoices.
type RollupService struct {
	installations ledger.InstallationRepository
	records       ledger.RecordRepository
	invoices      billing.InvoiceRepository
	snapshots     domainstatistic.SnapshotRepository
	bus           eventing.EventBus
	clock         Clock
	logger        *log.Logger
}

// NewRollupService constructs the application service. The bus is optional.
func NewRollupService(
	installations ledger.InstallationRepository,
	records ledger.RecordRepository,
	invoices billing.InvoiceRepository,
	snapshots domainstatistic.SnapshotRepository,
	bus eventing.EventBus,
	clock Clock,
	logger *log.Logger,
) (*RollupService, error) {
	if installations == nil {
		return nil, errors.New("rollup service: nil installation repo")
	}
	if records == nil {
		return nil, errors.New("rollup service: nil record repo")
	}
	if invoices == nil {
		return nil, errors.New("rollup service: nil invoice repo")
	}
	if snapshots == nil {
		return nil, errors.New("rollup service: nil snapshot repo")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RollupService{
		installations: installations,
		records:       records,
		invoices:      invoices,
		snapshots:     snapshots,
		bus:           bus,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Recompute rebuilds and stores the snapshot of scope over span.
// Running it again over unchanged data stores the same figures.
func (s *RollupService) Recompute(ctx context.Context, scope domainstatistic.Scope, span ledger.PeriodRange) (domainstatistic.AggregateStats, error) {
	start := time.Now()
	stats, err := s.recompute(ctx, scope, span)
	metrics.ObserveStatsRecompute(metrics.ResultOf(err), time.Since(start))
	if err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	s.logger.Printf("stats recomputed: scope=%s from=%s to=%s installations=%d invoices=%d",
		scope.Key(), span.From, span.To, stats.InstallationCount, stats.InvoiceCount)

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.StatsRecomputed{
			Scope:      scope,
			Range:      span,
			OccurredAt: stats.ComputedAt,
		}); err != nil {
			s.logger.Printf("stats event error: scope=%s err=%v", scope.Key(), err)
		}
	}
	return stats, nil
}

func (s *RollupService) recompute(ctx context.Context, scope domainstatistic.Scope, span ledger.PeriodRange) (domainstatistic.AggregateStats, error) {
	if err := scope.Validate(); err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	if err := span.Validate(); err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	installations, err := s.installations.List(ctx)
	if err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	records, err := s.records.ListCompletedByPeriod(ctx, span.From, span.To)
	if err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	invoices, err := s.invoices.ListByPeriod(ctx, span.From, span.To)
	if err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	stats, err := domainstatistic.Recompute(scope, span, installations, records, invoices, s.clock.Now())
	if err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	if err := s.snapshots.Save(ctx, stats); err != nil {
		return domainstatistic.AggregateStats{}, err
	}
	return stats, nil
}

// Get returns the stored snapshot, computing it on first access.
func (s *RollupService) Get(ctx context.Context, scope domainstatistic.Scope, span ledger.PeriodRange) (domainstatistic.AggregateStats, error) {
	stats, err := s.snapshots.Get(ctx, scope, span)
	if errors.Is(err, domainstatistic.ErrStatisticNotFound) {
		return s.Recompute(ctx, scope, span)
	}
	return stats, err
}

// Scopes lists ALL plus every customer and distributor that owns an installation.
func (s *RollupService) Scopes(ctx context.Context) ([]domainstatistic.Scope, error) {
	installations, err := s.installations.List(ctx)
	if err != nil {
		return nil, err
	}
	scopes := []domainstatistic.Scope{{Kind: domainstatistic.ScopeAll}}
	seen := make(map[string]struct{})
	add := func(scope domainstatistic.Scope) {
		if scope.ID == "" {
			return
		}
		if _, ok := seen[scope.Key()]; ok {
			return
		}
		seen[scope.Key()] = struct{}{}
		scopes = append(scopes, scope)
	}
	for _, inst := range installations {
		add(domainstatistic.Scope{Kind: domainstatistic.ScopeCustomer, ID: inst.CustomerID})
	}
	for _, inst := range installations {
		add(domainstatistic.Scope{Kind: domainstatistic.ScopeDistributor, ID: inst.DistributorID})
	}
	return scopes, nil
}
