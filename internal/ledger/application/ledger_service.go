package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Posting is a ledgered period that has not been saved yet.
type Posting struct {
	Installation ledger.Installation
	State        ledger.LedgerState
	Record       ledger.PeriodRecord
	// Drawn holds the generator vintages taken by Allocate, oldest first.
	Drawn []ledger.Vintage
}

// LedgerService applies uploaded readings to installation ledgers.
type LedgerService struct {
	installations ledger.InstallationRepository
	readings      ledger.ReadingRepository
	records       ledger.RecordRepository
	engine        *ledger.Engine
	tx            txn.Manager
	locks         *txn.KeyedLocker
	clock         Clock
	logger        *log.Logger
}

// NewLedgerService constructs the service.
func NewLedgerService(
	installations ledger.InstallationRepository,
	readings ledger.ReadingRepository,
	records ledger.RecordRepository,
	engine *ledger.Engine,
	tx txn.Manager,
	locks *txn.KeyedLocker,
	clock Clock,
	logger *log.Logger,
) (*LedgerService, error) {
	if installations == nil {
		return nil, errors.New("ledger service: nil installation repo")
	}
	if readings == nil {
		return nil, errors.New("ledger service: nil reading repo")
	}
	if records == nil {
		return nil, errors.New("ledger service: nil record repo")
	}
	if engine == nil {
		return nil, errors.New("ledger service: nil engine")
	}
	if tx == nil {
		return nil, errors.New("ledger service: nil txn manager")
	}
	if locks == nil {
		locks = txn.NewKeyedLocker()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &LedgerService{
		installations: installations,
		readings:      readings,
		records:       records,
		engine:        engine,
		tx:            tx,
		locks:         locks,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Engine exposes the configured ledger engine.
func (s *LedgerService) Engine() *ledger.Engine { return s.engine }

// Prior returns the carry-forward the period builds on: the newest record before it,
// or an empty state for the installation's first period.
func (s *LedgerService) Prior(ctx context.Context, installationID string, period ledger.Period) (ledger.LedgerState, error) {
	record, err := s.records.LatestBefore(ctx, installationID, period)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.LedgerState{}, nil
	}
	if err != nil {
		return ledger.LedgerState{}, err
	}
	return record.State(), nil
}

// Post ledgers reading on top of the stored prior state without saving.
func (s *LedgerService) Post(ctx context.Context, inst ledger.Installation, reading ledger.Reading) (*Posting, error) {
	start := time.Now()
	posting, err := s.post(ctx, inst, reading)
	metrics.ObserveLedgerApply(string(inst.Kind), metrics.ResultOf(err), time.Since(start))
	return posting, err
}

func (s *LedgerService) post(ctx context.Context, inst ledger.Installation, reading ledger.Reading) (*Posting, error) {
	if inst.Retired {
		return nil, ledger.NewValidationError("installation_id", "installation is retired")
	}
	prior, err := s.Prior(ctx, inst.ID, reading.Period)
	if err != nil {
		return nil, err
	}
	state, record, err := s.engine.ApplyPeriod(inst, prior, reading)
	if err != nil {
		return nil, err
	}
	return &Posting{Installation: inst, State: state, Record: record}, nil
}

// Allocate debits the generator posting by the allocated total.
func (s *LedgerService) Allocate(posting *Posting, allocated decimal.Decimal) error {
	if posting == nil {
		return ledger.ErrNilRecord
	}
	parts, err := ledger.SplitVintages(posting.State.Vintages, []decimal.Decimal{allocated})
	if err != nil {
		return err
	}
	state, record, err := s.engine.ApplyAllocation(posting.State, posting.Record, allocated)
	if err != nil {
		return err
	}
	posting.State = state
	posting.Record = record
	posting.Drawn = parts[0]
	return nil
}

// Commit saves the posting's record without the completion marker.
func (s *LedgerService) Commit(ctx context.Context, posting *Posting) error {
	if posting == nil {
		return ledger.ErrNilRecord
	}
	posting.Record.UpdatedAt = s.clock.Now()
	return s.records.Save(ctx, &posting.Record)
}

// Complete sets the completion marker once every write of the unit is done.
func (s *LedgerService) Complete(ctx context.Context, installationID string, period ledger.Period) error {
	return s.records.MarkCompleted(ctx, installationID, period, s.clock.Now())
}

// ApplyReading ledgers the stored reading of one installation and period as a unit.
func (s *LedgerService) ApplyReading(ctx context.Context, installationID string, period ledger.Period) (ledger.PeriodRecord, error) {
	unlock := s.locks.Lock("installation:" + installationID)
	defer unlock()

	var out ledger.PeriodRecord
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, err := s.installations.Get(ctx, installationID)
		if err != nil {
			return err
		}
		reading, err := s.readings.Get(ctx, installationID, period)
		if err != nil {
			return err
		}
		posting, err := s.Post(ctx, inst, reading)
		if err != nil {
			return err
		}
		if err := s.Commit(ctx, posting); err != nil {
			return err
		}
		if err := s.Complete(ctx, installationID, period); err != nil {
			return err
		}
		out = posting.Record
		return nil
	})
	if err != nil {
		s.logger.Printf("ledger apply failed: installation=%s period=%s err=%v", installationID, period, err)
		return ledger.PeriodRecord{}, fmt.Errorf("apply %s %s: %w", installationID, period, err)
	}
	return s.records.Get(ctx, out.InstallationID, out.Period)
}

// Balance returns the newest record of the installation.
func (s *LedgerService) Balance(ctx context.Context, installationID string) (ledger.PeriodRecord, error) {
	return s.records.Latest(ctx, installationID)
}

// History returns the installation's records in the range, oldest first.
func (s *LedgerService) History(ctx context.Context, installationID string, span ledger.PeriodRange) ([]ledger.PeriodRecord, error) {
	if err := span.Validate(); err != nil {
		return nil, err
	}
	return s.records.ListRange(ctx, installationID, span.From, span.To)
}

// LaterPeriods lists ledgered periods after period, used to replay corrections.
func (s *LedgerService) LaterPeriods(ctx context.Context, installationID string, period ledger.Period) ([]ledger.Period, error) {
	latest, err := s.records.Latest(ctx, installationID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !latest.Period.After(period) {
		return nil, nil
	}
	records, err := s.records.ListRange(ctx, installationID, period.Next(), latest.Period)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Period, 0, len(records))
	for _, record := range records {
		out = append(out, record.Period)
	}
	return out, nil
}
