package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SOLARSHARE_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("MEMORY_STORE", "true")
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.CreditExpiryMonths != 60 {
		t.Fatalf("expiry mismatch: got=%d want=60", cfg.Ledger.CreditExpiryMonths)
	}
	if cfg.Billing.Currency != "BRL" || cfg.Billing.DueDay != 10 {
		t.Fatalf("billing defaults mismatch: got=%+v", cfg.Billing)
	}
	if cfg.Stats.DailyAt != "03:00" {
		t.Fatalf("daily_at mismatch: got=%s want=03:00", cfg.Stats.DailyAt)
	}
	if !cfg.MemoryStore {
		t.Fatalf("expected memory store")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SOLARSHARE_CONFIG", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/solarshare")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("CREDIT_EXPIRY_MONTHS", "36")
	t.Setenv("ALLOCATION_SCALE", "2")
	t.Setenv("BATCH_WORKERS", "8")
	t.Setenv("NOTIFY_DEDUPE_WINDOW", "30s")
	t.Setenv("INVOICE_DUE_DAY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.CreditExpiryMonths != 36 || cfg.Ledger.AllocationScale != 2 {
		t.Fatalf("ledger mismatch: got=%+v", cfg.Ledger)
	}
	if cfg.Batch.Workers != 8 {
		t.Fatalf("workers mismatch: got=%d want=8", cfg.Batch.Workers)
	}
	if cfg.Notify.DedupeWindow != 30*time.Second {
		t.Fatalf("dedupe mismatch: got=%s want=30s", cfg.Notify.DedupeWindow)
	}
	if cfg.Billing.DueDay != 10 {
		t.Fatalf("invalid int should fall back: got=%d want=10", cfg.Billing.DueDay)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solarshare.yaml")
	data := []byte(`
memory_store: true
ledger:
  credit_expiry_months: 24
billing:
  currency: USD
  pix_key: key@example.com
stats:
  daily_at: "04:30"
notify:
  dedupe_window: 2m
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SOLARSHARE_CONFIG", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("CURRENCY", "BRL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.CreditExpiryMonths != 24 {
		t.Fatalf("expiry mismatch: got=%d want=24", cfg.Ledger.CreditExpiryMonths)
	}
	if cfg.Billing.Currency != "USD" || cfg.Billing.PixKey != "key@example.com" {
		t.Fatalf("billing mismatch: got=%+v", cfg.Billing)
	}
	if cfg.Billing.DueDay != 10 {
		t.Fatalf("unset yaml key should keep env value: got=%d", cfg.Billing.DueDay)
	}
	if cfg.Stats.DailyAt != "04:30" || cfg.Notify.DedupeWindow != 2*time.Minute {
		t.Fatalf("schedule mismatch: got=%s %s", cfg.Stats.DailyAt, cfg.Notify.DedupeWindow)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		DatabaseURL: "postgres://localhost/solarshare",
		TenantID:    "tenant-a",
		JWTSecret:   "secret",
		Ledger:      LedgerConfig{CreditExpiryMonths: 60},
		Billing:     BillingConfig{DueDay: 10},
		Batch:       BatchConfig{Workers: 4},
		Stats:       StatsConfig{DailyAt: "03:00"},
		Events:      EventsConfig{MaxAttempts: 5},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no database", func(c *Config) { c.DatabaseURL = "" }},
		{"no secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero expiry", func(c *Config) { c.Ledger.CreditExpiryMonths = 0 }},
		{"negative scale", func(c *Config) { c.Ledger.AllocationScale = -1 }},
		{"due day 31", func(c *Config) { c.Billing.DueDay = 31 }},
		{"bad daily_at", func(c *Config) { c.Stats.DailyAt = "25:00" }},
		{"no workers", func(c *Config) { c.Batch.Workers = 0 }},
		{"no attempts", func(c *Config) { c.Events.MaxAttempts = 0 }},
	}
	for _, c := range cases {
		cfg := base
		c.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}

	memory := base
	memory.DatabaseURL = ""
	memory.MemoryStore = true
	if err := memory.Validate(); err != nil {
		t.Fatalf("memory store without database rejected: %v", err)
	}
}

func TestSeed_Convert(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := Seed{
		Distributors: []SeedDistributor{{
			ID: "d1",
			Rates: []SeedRate{
				{EffectiveFrom: "2024-06", PricePerKWh: "1.10"},
				{EffectiveFrom: "01/2024", PricePerKWh: "0.976"},
			},
		}},
		Customers:     []SeedCustomer{{ID: "cust-1", Name: "Padaria", Discount: "0.20"}},
		Installations: []SeedInstallation{{ID: "g1", Kind: "GENERATOR", DistributorID: "d1"}},
	}

	distributors, err := seed.DistributorList()
	if err != nil {
		t.Fatalf("distributors: %v", err)
	}
	if len(distributors) != 1 || distributors[0].Rates[0].PricePerKWh.String() != "0.976" {
		t.Fatalf("rates should be sorted: got=%+v", distributors)
	}
	customers, err := seed.CustomerList(now)
	if err != nil {
		t.Fatalf("customers: %v", err)
	}
	if customers[0].Discount.String() != "0.2" {
		t.Fatalf("discount mismatch: got=%s want=0.2", customers[0].Discount)
	}
	installations, err := seed.InstallationList(now)
	if err != nil {
		t.Fatalf("installations: %v", err)
	}
	if installations[0].Number != "g1" {
		t.Fatalf("number should default to id: got=%s", installations[0].Number)
	}

	bad := Seed{Customers: []SeedCustomer{{ID: "cust-2", Discount: "1.5"}}}
	if _, err := bad.CustomerList(now); err == nil {
		t.Fatalf("expected discount error")
	}
	badKind := Seed{Installations: []SeedInstallation{{ID: "x", Kind: "BATTERY"}}}
	if _, err := badKind.InstallationList(now); err == nil {
		t.Fatalf("expected kind error")
	}
}
