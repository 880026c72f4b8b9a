package interfaces

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

func sampleInvoice() *billing.Invoice {
	return &billing.Invoice{
		ID:                 "0b7e6c1e-5d5f-4f57-9c59-7d2d6f1f2a10",
		CustomerID:         "cust-1",
		InstallationID:     "c1",
		ReferenceMonth:     ledger.MustParsePeriod("03/2025"),
		DueDate:            time.Date(2025, 4, 10, 23, 59, 59, 0, time.UTC),
		EnergyKWh:          decimal.RequireFromString("1000"),
		Rate:               decimal.RequireFromString("0.976"),
		EffectiveRate:      decimal.RequireFromString("0.7808"),
		DiscountPercentage: decimal.RequireFromString("0.20"),
		InvoiceAmount:      decimal.RequireFromString("780.80"),
		TotalAmount:        decimal.RequireFromString("976.00"),
		Savings:            decimal.RequireFromString("195.20"),
		Currency:           "BRL",
		Status:             billing.StatusPending,
		CreatedAt:          time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestCRC16CCITT(t *testing.T) {
	if got := crc16CCITT([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("crc mismatch: got=%04X want=29B1", got)
	}
}

func TestBuildPixPayload(t *testing.T) {
	inv := sampleInvoice()
	if got := BuildPixPayload(PaymentInfo{}, inv); got != "" {
		t.Fatalf("expected empty payload without key, got %q", got)
	}
	payload := BuildPixPayload(PaymentInfo{Key: "pix@solarshare.example", MerchantName: "SolarShare", City: "Curitiba"}, inv)
	for _, part := range []string{"000201", "0014br.gov.bcb.pix", "5303986", "5406780.80", "5802BR", "6008Curitiba"} {
		if !strings.Contains(payload, part) {
			t.Fatalf("payload missing %q: %s", part, payload)
		}
	}
	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, "6304") {
		t.Fatalf("payload must end with the crc field: %s", payload)
	}
	if want := sprintCRC(body); crc != want {
		t.Fatalf("crc mismatch: got=%s want=%s", crc, want)
	}
}

func sprintCRC(body string) string {
	const hex = "0123456789ABCDEF"
	v := crc16CCITT([]byte(body))
	return string([]byte{hex[v>>12&0xF], hex[v>>8&0xF], hex[v>>4&0xF], hex[v&0xF]})
}

func TestBuildInvoicePDF(t *testing.T) {
	customer := billing.Customer{ID: "cust-1", Name: "Padaria Sol"}
	for _, payment := range []PaymentInfo{{}, {Key: "pix@solarshare.example"}} {
		data, err := BuildInvoicePDF(sampleInvoice(), customer, payment)
		if err != nil {
			t.Fatalf("pdf: %v", err)
		}
		if !bytes.HasPrefix(data, []byte("%PDF")) {
			t.Fatalf("output is not a pdf")
		}
	}
	if _, err := BuildInvoicePDF(nil, customer, PaymentInfo{}); err == nil {
		t.Fatalf("expected error for nil invoice")
	}
}

func TestBuildInvoicesXLSX(t *testing.T) {
	data, err := BuildInvoicesXLSX([]*billing.Invoice{sampleInvoice()})
	if err != nil {
		t.Fatalf("xlsx: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("invoices")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("row count mismatch: got=%d want=2", len(rows))
	}
	if rows[1][1] != "cust-1" || rows[1][3] != "03/2025" || rows[1][13] != "PENDING" {
		t.Fatalf("row mismatch: %v", rows[1])
	}
}
