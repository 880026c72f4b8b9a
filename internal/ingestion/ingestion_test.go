package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"solarshare/internal/audit"
	ledger "solarshare/internal/ledger/domain"
	ledgermemory "solarshare/internal/ledger/infrastructure/memory"
	memtxn "solarshare/internal/txn/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingSubmitter struct {
	months   []ledger.Period
	subjects []string
	trigger  string
}

func (s *recordingSubmitter) Submit(_ context.Context, months []ledger.Period, subjects []string, trigger string) ([]string, error) {
	s.months = months
	s.subjects = subjects
	s.trigger = trigger
	ids := make([]string, len(months))
	for i := range months {
		ids[i] = "run-" + months[i].TimeKey()
	}
	return ids, nil
}

type stubPeriods map[string][]ledger.Period

func (s stubPeriods) LaterPeriods(_ context.Context, installationID string, _ ledger.Period) ([]ledger.Period, error) {
	return s[installationID], nil
}

func kwh(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestRow_Check(t *testing.T) {
	v := NewValidator()
	cases := []struct {
		name  string
		row   Row
		field string
	}{
		{"ok", Row{InstallationNumber: "1001", Period: "03/2025", Consumption: kwh("10")}, ""},
		{"api period", Row{InstallationNumber: "1001", Period: "2025-03", Consumption: kwh("0")}, ""},
		{"missing number", Row{Period: "03/2025", Consumption: kwh("10")}, "installation_number"},
		{"bad period", Row{InstallationNumber: "1001", Period: "13/2025", Consumption: kwh("10")}, "period"},
		{"negative", Row{InstallationNumber: "1001", Period: "03/2025", Generation: kwh("-1")}, "generation"},
		{"no values", Row{InstallationNumber: "1001", Period: "03/2025"}, "row"},
	}
	for _, tc := range cases {
		err := tc.row.Check(v)
		if tc.field == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		var ve *ledger.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s field mismatch: got=%v want=%s", tc.name, err, tc.field)
		}
	}
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	grid := [][]any{
		{"UC", "Referencia", "Geracao", "Consumo", "Transferido"},
		{"9001", "03/2025", "1.200,5", "200", "1000"},
		{},
		{"1001", "03/2025", "", "800", ""},
		{"1002", "03/2025", "", "abc", ""},
	}
	for i, row := range grid {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cellRef, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	rows, rejected, err := ReadXLSX(&buf)
	if err != nil {
		t.Fatalf("read xlsx: %v", err)
	}
	if len(rows) != 2 || len(rejected) != 1 {
		t.Fatalf("row split mismatch: rows=%d rejected=%d", len(rows), len(rejected))
	}
	if !rows[0].Generation.Equal(decimal.RequireFromString("1200.5")) || rows[0].Received != nil {
		t.Fatalf("generator row mismatch: %+v", rows[0])
	}
	if rows[1].Line != 4 || rows[1].Generation != nil || !rows[1].Consumption.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("consumer row mismatch: %+v", rows[1])
	}
	if rejected[0].Line != 5 || rejected[0].InstallationNumber != "1002" {
		t.Fatalf("rejection mismatch: %+v", rejected[0])
	}
}

func TestReadXLSX_MissingColumn(t *testing.T) {
	f := excelize.NewFile()
	_ = f.SetSheetRow(f.GetSheetName(0), "A1", &[]any{"consumo"})
	var buf bytes.Buffer
	_ = f.Write(&buf)
	if _, _, err := ReadXLSX(&buf); !errors.Is(err, ErrMissingColumn) {
		t.Fatalf("error mismatch: got=%v want=%v", err, ErrMissingColumn)
	}
}

func TestService_Accept(t *testing.T) {
	installations := ledgermemory.NewInstallationRepository(
		ledger.Installation{ID: "g1", Number: "9001", Kind: ledger.KindGenerator},
		ledger.Installation{ID: "c1", Number: "1001", Kind: ledger.KindConsumer, CustomerID: "cust-1"},
		ledger.Installation{ID: "c9", Number: "1009", Kind: ledger.KindConsumer, Retired: true},
	)
	readings := ledgermemory.NewReadingRepository()
	submitter := &recordingSubmitter{}
	auditLog := audit.NewMemoryLogger()
	periods := stubPeriods{"c1": {ledger.MustParsePeriod("04/2025"), ledger.MustParsePeriod("05/2025")}}
	svc, err := NewService(installations, readings, periods, submitter, memtxn.NewManager(), auditLog,
		fixedClock{now: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rows := []Row{
		{Line: 2, InstallationNumber: "9001", Period: "03/2025", Generation: kwh("1200"), Transferred: kwh("1000")},
		{Line: 3, InstallationNumber: "1001", Period: "03/2025", Consumption: kwh("700")},
		{Line: 4, InstallationNumber: "1001", Period: "03/2025", Consumption: kwh("800")},
		{Line: 5, InstallationNumber: "4040", Period: "03/2025", Consumption: kwh("1")},
		{Line: 6, InstallationNumber: "1009", Period: "03/2025", Consumption: kwh("1")},
	}
	pre := []Rejection{{Line: 7, InstallationNumber: "1002", Reason: "consumption: \"abc\" is not a number"}}
	res, err := svc.Accept(context.Background(), audit.Actor{ID: "op-1", Role: "operator"}, rows, pre)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 3 {
		t.Fatalf("accept mismatch: accepted=%d rejected=%+v", res.Accepted, res.Rejected)
	}
	if res.Rejected[0].Line != 5 || res.Rejected[1].Line != 6 || res.Rejected[2].Line != 7 {
		t.Fatalf("rejection order mismatch: %+v", res.Rejected)
	}

	stored, err := readings.Get(context.Background(), "c1", ledger.MustParsePeriod("03/2025"))
	if err != nil {
		t.Fatalf("get reading: %v", err)
	}
	if !stored.Consumption.Decimal.Equal(decimal.NewFromInt(800)) || stored.UploadID != res.UploadID {
		t.Fatalf("stored reading mismatch: %+v", stored)
	}

	wantMonths := []string{"03/2025", "04/2025", "05/2025"}
	if len(submitter.months) != len(wantMonths) {
		t.Fatalf("months mismatch: got=%v want=%v", submitter.months, wantMonths)
	}
	for i, m := range wantMonths {
		if submitter.months[i].String() != m {
			t.Fatalf("month %d mismatch: got=%s want=%s", i, submitter.months[i], m)
		}
	}
	if len(submitter.subjects) != 2 || submitter.subjects[0] != "c1" || submitter.subjects[1] != "g1" {
		t.Fatalf("subjects mismatch: got=%v", submitter.subjects)
	}
	if len(res.RunIDs) != 3 {
		t.Fatalf("run ids mismatch: got=%v", res.RunIDs)
	}
	if entries, _ := auditLog.List(context.Background(), audit.Filter{ResourceType: "upload", ResourceID: res.UploadID}); len(entries) != 1 {
		t.Fatalf("audit mismatch: got=%d want=1", len(entries))
	}
}

func TestService_AcceptEmpty(t *testing.T) {
	svc, err := NewService(ledgermemory.NewInstallationRepository(), ledgermemory.NewReadingRepository(),
		stubPeriods{}, &recordingSubmitter{}, memtxn.NewManager(), nil, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := svc.Accept(context.Background(), audit.Actor{}, nil, nil); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("error mismatch: got=%v want=%v", err, ErrEmptyUpload)
	}
}
