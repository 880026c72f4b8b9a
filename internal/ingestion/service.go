package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"solarshare/internal/audit"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
)

// Submitter queues batch runs.
type Submitter interface {
	Submit(ctx context.Context, months []ledger.Period, subjects []string, trigger string) ([]string, error)
}

// PeriodLister reports ledgered periods after a period, which a correction must replay.
type PeriodLister interface {
	LaterPeriods(ctx context.Context, installationID string, period ledger.Period) ([]ledger.Period, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Result is the acknowledgement of an upload.
type Result struct {
	UploadID string          `json:"upload_id"`
	Accepted int             `json:"accepted"`
	Rejected []Rejection     `json:"rejected"`
	Months   []ledger.Period `json:"months"`
	RunIDs   []string        `json:"run_ids"`
}

// Service stores uploaded readings and queues the runs they affect.
type Service struct {
	installations ledger.InstallationRepository
	readings      ledger.ReadingRepository
	ledger        PeriodLister
	runner        Submitter
	tx            txn.Manager
	audit         audit.Logger
	clock         Clock
	logger        *log.Logger
	validate      *validator.Validate
}

// NewService constructs the service. The audit logger is optional.
func NewService(
	installations ledger.InstallationRepository,
	readings ledger.ReadingRepository,
	periods PeriodLister,
	runner Submitter,
	tx txn.Manager,
	auditLogger audit.Logger,
	clock Clock,
	logger *log.Logger,
) (*Service, error) {
	if installations == nil {
		return nil, errors.New("ingestion service: nil installation repo")
	}
	if readings == nil {
		return nil, errors.New("ingestion service: nil reading repo")
	}
	if periods == nil {
		return nil, errors.New("ingestion service: nil period lister")
	}
	if runner == nil {
		return nil, errors.New("ingestion service: nil runner")
	}
	if tx == nil {
		return nil, errors.New("ingestion service: nil txn manager")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		installations: installations,
		readings:      readings,
		ledger:        periods,
		runner:        runner,
		tx:            tx,
		audit:         auditLogger,
		clock:         clock,
		logger:        logger,
		validate:      NewValidator(),
	}, nil
}

// Accept validates rows, upserts the good ones and queues one run per affected month,
// including ledgered months after a corrected one. Bad rows are reported, not fatal.
func (s *Service) Accept(ctx context.Context, actor audit.Actor, rows []Row, rejected []Rejection) (Result, error) {
	if len(rows) == 0 && len(rejected) == 0 {
		return Result{}, ErrEmptyUpload
	}
	now := s.clock.Now()
	res := Result{UploadID: uuid.NewString(), Rejected: append([]Rejection(nil), rejected...)}

	type key struct {
		installationID string
		period         ledger.Period
	}
	// A later line for the same key wins, matching re-upload semantics.
	accepted := make(map[key]ledger.Reading)
	order := make([]key, 0, len(rows))
	for i, row := range rows {
		if row.Line == 0 {
			row.Line = i + 1
		}
		reading, err := s.resolve(ctx, row)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{
				Line:               row.Line,
				InstallationNumber: row.InstallationNumber,
				Period:             row.Period,
				Reason:             err.Error(),
			})
			continue
		}
		reading.UploadID = res.UploadID
		reading.UploadedAt = now
		k := key{installationID: reading.InstallationID, period: reading.Period}
		if _, seen := accepted[k]; !seen {
			order = append(order, k)
		}
		accepted[k] = reading
	}
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].Line < res.Rejected[j].Line })
	res.Accepted = len(order)
	metrics.AddUploadRows(len(rows)-(len(res.Rejected)-len(rejected)), len(res.Rejected))

	if len(order) == 0 {
		s.logger.Printf("upload rejected: upload_id=%s rejected=%d", res.UploadID, len(res.Rejected))
		return res, nil
	}

	months := make(map[ledger.Period]struct{})
	subjects := make(map[string]struct{})
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, k := range order {
			if err := s.readings.Upsert(ctx, accepted[k]); err != nil {
				return fmt.Errorf("upsert %s %s: %w", k.installationID, k.period, err)
			}
			months[k.period] = struct{}{}
			subjects[k.installationID] = struct{}{}
			later, err := s.ledger.LaterPeriods(ctx, k.installationID, k.period)
			if err != nil {
				return err
			}
			for _, p := range later {
				months[p] = struct{}{}
			}
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.Log(ctx, actor.Entry(audit.ActionUploadAccepted, "upload", res.UploadID, map[string]int{
			"accepted": res.Accepted,
			"rejected": len(res.Rejected),
			"months":   len(months),
		}, now))
	})
	if err != nil {
		return Result{}, err
	}

	for p := range months {
		res.Months = append(res.Months, p)
	}
	sort.Slice(res.Months, func(i, j int) bool { return res.Months[i].Before(res.Months[j]) })
	ids := make([]string, 0, len(subjects))
	for id := range subjects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res.RunIDs, err = s.runner.Submit(ctx, res.Months, ids, "upload:"+res.UploadID)
	if err != nil {
		return res, fmt.Errorf("queue runs: %w", err)
	}
	s.logger.Printf("upload accepted: upload_id=%s accepted=%d rejected=%d months=%d runs=%d",
		res.UploadID, res.Accepted, len(res.Rejected), len(res.Months), len(res.RunIDs))
	return res, nil
}

func (s *Service) resolve(ctx context.Context, row Row) (ledger.Reading, error) {
	if err := row.Check(s.validate); err != nil {
		return ledger.Reading{}, err
	}
	inst, err := s.installations.FindByNumber(ctx, row.InstallationNumber)
	if err != nil {
		return ledger.Reading{}, err
	}
	if inst.Retired {
		return ledger.Reading{}, ledger.NewValidationError("installation_number", "installation is retired")
	}
	return row.Reading(inst.ID)
}
