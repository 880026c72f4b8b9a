package statistic

import (
	"context"
	"log"
	"time"

	ledger "solarshare/internal/ledger/domain"
)

const trailingMonths = 12

// DailyJob is extra work run at the daily slot after the roll-ups.
type DailyJob struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Scheduler recomputes the trailing twelve months of every scope once a day.
type Scheduler struct {
	rollup  *RollupService
	dailyAt string
	jobs    []DailyJob
	logger  *log.Logger
}

// NewScheduler constructs a Scheduler. dailyAt uses the 15:04 layout in UTC.
func NewScheduler(rollup *RollupService, dailyAt string, logger *log.Logger, jobs ...DailyJob) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{rollup: rollup, dailyAt: dailyAt, jobs: jobs, logger: logger}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.rollup == nil {
		return
	}
	if _, _, err := parseDailyAt(s.dailyAt); err != nil {
		s.logger.Printf("stats schedule disabled: daily_at=%q err=%v", s.dailyAt, err)
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.shouldRun(now.UTC()) {
				continue
			}
			s.RunOnce(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) shouldRun(now time.Time) bool {
	hour, minute, err := parseDailyAt(s.dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == hour && now.Minute() == minute
}

// RunOnce recomputes every scope and then runs the daily jobs.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	span := TrailingRange(now)
	scopes, err := s.rollup.Scopes(ctx)
	if err != nil {
		s.logger.Printf("stats schedule error: err=%v", err)
		return
	}
	for _, scope := range scopes {
		if _, err := s.rollup.Recompute(ctx, scope, span); err != nil {
			s.logger.Printf("stats schedule error: scope=%s err=%v", scope.Key(), err)
		}
	}
	for _, job := range s.jobs {
		if job.Run == nil {
			continue
		}
		if err := job.Run(ctx, now); err != nil {
			s.logger.Printf("daily job error: job=%s err=%v", job.Name, err)
		}
	}
}

// TrailingRange returns the twelve full months ending the month before now.
func TrailingRange(now time.Time) ledger.PeriodRange {
	last := ledger.NewPeriod(now.UTC()).Prev()
	return ledger.PeriodRange{From: last.AddMonths(-(trailingMonths - 1)), To: last}
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
