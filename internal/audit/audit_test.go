package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	memtxn "solarshare/internal/txn/memory"
)

func TestMemoryLogger_DropsEntriesOfRolledBackUnit(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := context.Background()

	if err := logger.Log(ctx, Entry{Action: ActionUploadAccepted, ResourceType: "upload", ResourceID: "u1"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	err := memtxn.NewManager().WithinTx(ctx, func(ctx context.Context) error {
		_ = logger.Log(ctx, Entry{Action: ActionInvoiceTransition, ResourceType: "invoice", ResourceID: "i1"})
		return errors.New("unit failed")
	})
	if err == nil {
		t.Fatalf("expected error")
	}

	entries, err := logger.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ResourceID != "u1" {
		t.Fatalf("entries mismatch: got=%+v", entries)
	}
	if entries[0].ID == "" || entries[0].CreatedAt.IsZero() {
		t.Fatalf("entry not normalized: %+v", entries[0])
	}
}

func TestDigestJSON(t *testing.T) {
	if DigestJSON(nil) != "" {
		t.Fatalf("expected empty digest for empty payload")
	}
	a := DigestJSON(Metadata(map[string]string{"status": "PAID"}))
	b := DigestJSON(Metadata(map[string]string{"status": "PAID"}))
	if a == "" || a != b {
		t.Fatalf("digest not stable: %s %s", a, b)
	}
}

func TestActor_EntryFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/allocations/g1", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	req.Header.Set("User-Agent", "ops-console")
	at := time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)

	actor := Actor{ID: "ana", Role: "admin", TenantID: "tenant-a"}.WithRequest(req)
	entry := actor.Entry(ActionAllocationReplace, "generator", "g1", map[string]string{"c1": "60"}, at)
	if entry.IP != "10.0.0.7" || entry.UserAgent != "ops-console" {
		t.Fatalf("request fields mismatch: got=%s %s", entry.IP, entry.UserAgent)
	}
	if entry.Actor != "ana" || entry.TenantID != "tenant-a" || !entry.CreatedAt.Equal(at) {
		t.Fatalf("entry mismatch: got=%+v", entry)
	}
	if string(entry.Metadata) != `{"c1":"60"}` {
		t.Fatalf("metadata mismatch: got=%s", entry.Metadata)
	}

	system := SystemActor("tenant-a", "scheduler").Entry(ActionInvoiceTransition, "invoice", "i1", nil, at)
	if system.Role != "system" || system.Metadata != nil {
		t.Fatalf("system entry mismatch: got=%+v", system)
	}
}

func TestMemoryLogger_ListFilterAndLimit(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = logger.Log(ctx, Entry{ResourceType: "invoice", ResourceID: "i1", CreatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	_ = logger.Log(ctx, Entry{ResourceType: "generator", ResourceID: "g1", CreatedAt: base})

	entries, _ := logger.List(ctx, Filter{ResourceType: "invoice", ResourceID: "i1", Limit: 2})
	if len(entries) != 2 {
		t.Fatalf("entries mismatch: got=%d want=2", len(entries))
	}
	if !entries[0].CreatedAt.After(entries[1].CreatedAt) {
		t.Fatalf("expected newest first: got=%s then %s", entries[0].CreatedAt, entries[1].CreatedAt)
	}
}

func TestHandler_ListsEntries(t *testing.T) {
	logger := NewMemoryLogger()
	ctx := context.Background()
	_ = logger.Log(ctx, Entry{Actor: "ana", Action: ActionUploadAccepted, ResourceType: "upload", ResourceID: "u1"})
	_ = logger.Log(ctx, Entry{Actor: "ana", Action: ActionRunSubmitted, ResourceType: "run", ResourceID: "r1"})

	handler, err := NewHandler(logger, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?resource_type=upload", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status mismatch: got=%d want=200", resp.Code)
	}
	var body struct {
		Entries []entryView `json:"entries"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].ResourceID != "u1" {
		t.Fatalf("entries mismatch: got=%+v", body.Entries)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=-1", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status mismatch: got=%d want=400", resp.Code)
	}
}
