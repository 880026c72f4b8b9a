package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	allocation "solarshare/internal/allocation/domain"
	allocmemory "solarshare/internal/allocation/infrastructure/memory"
	"solarshare/internal/audit"
	ledger "solarshare/internal/ledger/domain"
	ledgermemory "solarshare/internal/ledger/infrastructure/memory"
	memtxn "solarshare/internal/txn/memory"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func newAllocationService(t *testing.T, clock *stepClock, auditLog *audit.MemoryLogger) *Service {
	t.Helper()
	installations := ledgermemory.NewInstallationRepository(
		ledger.Installation{ID: "g1", Kind: ledger.KindGenerator, DistributorID: "d1"},
		ledger.Installation{ID: "c1", Kind: ledger.KindConsumer, CustomerID: "cust-1", DistributorID: "d1"},
		ledger.Installation{ID: "c2", Kind: ledger.KindConsumer, CustomerID: "cust-2", DistributorID: "d1"},
	)
	var auditLogger audit.Logger
	if auditLog != nil {
		auditLogger = auditLog
	}
	svc, err := NewService(
		allocmemory.NewRepository(),
		allocmemory.NewResultRepository(),
		installations,
		allocation.NewEngine(0),
		memtxn.NewManager(),
		auditLogger,
		clock,
		log.New(io.Discard, "", 0),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func pct(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestService_ReplaceRejectsOverflow(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)}
	auditLog := audit.NewMemoryLogger()
	svc := newAllocationService(t, clock, auditLog)
	ctx := context.Background()

	_, err := svc.Replace(ctx, audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: pct("70")},
		{ConsumerID: "c2", Quota: pct("40")},
	})
	if !errors.Is(err, allocation.ErrQuotaOverflow) {
		t.Fatalf("expected quota overflow, got %v", err)
	}
	current, _ := svc.Current(ctx, "g1")
	if len(current) != 0 {
		t.Fatalf("overflowing edit must not be stored: %+v", current)
	}
	if len(mustList(t, auditLog, audit.Filter{})) != 0 {
		t.Fatalf("rejected edit must not be audited")
	}
}

func TestService_ReplaceRejectsWrongKind(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)}
	svc := newAllocationService(t, clock, nil)
	_, err := svc.Replace(context.Background(), audit.Actor{ID: "admin"}, "c1", []allocation.Allocation{
		{ConsumerID: "c2", Quota: pct("10")},
	})
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_EditsApplyFromUpdateForward(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)}
	auditLog := audit.NewMemoryLogger()
	svc := newAllocationService(t, clock, auditLog)
	ctx := context.Background()

	if _, err := svc.Replace(ctx, audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: pct("60")},
		{ConsumerID: "c2", Quota: pct("40")},
	}); err != nil {
		t.Fatalf("replace v1: %v", err)
	}
	clock.now = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	current, err := svc.Replace(ctx, audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: pct("100")},
	})
	if err != nil {
		t.Fatalf("replace v2: %v", err)
	}
	if len(current) != 1 || current[0].ConsumerID != "c1" {
		t.Fatalf("current mismatch: %+v", current)
	}

	feb, err := svc.Allocate(ctx, "g1", ledger.MustParsePeriod("02/2025"), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("allocate feb: %v", err)
	}
	if got, _ := feb.ReceivedBy("c2"); !got.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("feb must use old quotas: c2 got=%s want=400", got)
	}
	mar, err := svc.Allocate(ctx, "g1", ledger.MustParsePeriod("03/2025"), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("allocate mar: %v", err)
	}
	if _, ok := mar.ReceivedBy("c2"); ok {
		t.Fatalf("c2 removed in march must not receive")
	}
	if got, _ := mar.ReceivedBy("c1"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("march c1 got=%s want=1000", got)
	}

	if err := svc.SaveResult(ctx, mar); err != nil {
		t.Fatalf("save result: %v", err)
	}
	received, err := svc.ReceivedFor(ctx, "c1", ledger.MustParsePeriod("03/2025"))
	if err != nil || !received.Valid || !received.Decimal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("received mismatch: %+v err=%v", received, err)
	}
	none, _ := svc.ReceivedFor(ctx, "c2", ledger.MustParsePeriod("03/2025"))
	if none.Valid {
		t.Fatalf("c2 must not be targeted")
	}
	if n := len(mustList(t, auditLog, audit.Filter{ResourceType: "generator", ResourceID: "g1"})); n != 2 {
		t.Fatalf("audit entries mismatch: got=%d want=2", n)
	}
}

func mustList(t *testing.T, reader audit.Reader, filter audit.Filter) []audit.Entry {
	t.Helper()
	entries, err := reader.List(context.Background(), filter)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	return entries
}

func TestService_SameInstantReplaceAllocatesLatest(t *testing.T) {
	clock := &stepClock{now: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)}
	svc := newAllocationService(t, clock, nil)
	ctx := context.Background()

	if _, err := svc.Replace(ctx, audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: pct("60")},
	}); err != nil {
		t.Fatalf("replace v1: %v", err)
	}
	if _, err := svc.Replace(ctx, audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: pct("30")},
		{ConsumerID: "c2", Quota: pct("70")},
	}); err != nil {
		t.Fatalf("replace v2: %v", err)
	}

	result, err := svc.Allocate(ctx, "g1", ledger.MustParsePeriod("03/2025"), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got, _ := result.ReceivedBy("c1"); !got.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("c1 received mismatch: got=%s want=300", got)
	}
	if got, _ := result.ReceivedBy("c2"); !got.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("c2 received mismatch: got=%s want=700", got)
	}
}
