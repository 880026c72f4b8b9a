package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service settings. Environment values are read first and a
// YAML file named by SOLARSHARE_CONFIG overrides them.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`
	TenantID    string `yaml:"tenant_id"`
	JWTSecret   string `yaml:"jwt_secret"`
	MemoryStore bool   `yaml:"memory_store"`

	Ledger  LedgerConfig  `yaml:"ledger"`
	Billing BillingConfig `yaml:"billing"`
	Batch   BatchConfig   `yaml:"batch"`
	Stats   StatsConfig   `yaml:"stats"`
	Upload  UploadConfig  `yaml:"upload"`
	Events  EventsConfig  `yaml:"events"`
	Notify  NotifyConfig  `yaml:"notify"`

	// Seed is only loaded into the memory store.
	Seed Seed `yaml:"seed"`
}

// LedgerConfig tunes credit bookkeeping.
type LedgerConfig struct {
	CreditExpiryMonths int   `yaml:"credit_expiry_months"`
	AllocationScale    int32 `yaml:"allocation_scale"`
}

// BillingConfig holds invoice defaults and the payee of the payment code.
type BillingConfig struct {
	Currency     string  `yaml:"currency"`
	DueDay       int     `yaml:"due_day"`
	PricePerKWh  float64 `yaml:"price_per_kwh"`
	PixKey       string  `yaml:"pix_key"`
	MerchantName string  `yaml:"merchant_name"`
	MerchantCity string  `yaml:"merchant_city"`
}

// BatchConfig sizes the run queue and worker limit.
type BatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// StatsConfig schedules the daily roll-up.
type StatsConfig struct {
	DailyAt string `yaml:"daily_at"`
}

// UploadConfig authenticates signed machine uploads.
type UploadConfig struct {
	SigningSecret string        `yaml:"signing_secret"`
	MaxSkew       time.Duration `yaml:"max_skew"`
}

// EventsConfig controls outbox dispatch and broker forwarding.
type EventsConfig struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	DispatchBatch    int           `yaml:"dispatch_batch"`
	MaxAttempts      int           `yaml:"max_attempts"`
	NatsURL          string        `yaml:"nats_url"`
	NatsSubject      string        `yaml:"nats_subject"`
}

// NotifyConfig controls run completion notices.
type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	Template      string        `yaml:"template"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	PublicBaseURL string        `yaml:"public_base_url"`
}

// Load builds the configuration from the environment and the optional YAML file.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		TenantID:    getenvDefault("TENANT_ID", "tenant-demo"),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		MemoryStore: getenvBool("MEMORY_STORE", false),
		Ledger: LedgerConfig{
			CreditExpiryMonths: getenvIntDefault("CREDIT_EXPIRY_MONTHS", 60),
			AllocationScale:    int32(getenvIntDefault("ALLOCATION_SCALE", 0)),
		},
		Billing: BillingConfig{
			Currency:     getenvDefault("CURRENCY", "BRL"),
			DueDay:       getenvIntDefault("INVOICE_DUE_DAY", 10),
			PricePerKWh:  getenvFloatDefault("PRICE_PER_KWH", 0),
			PixKey:       getenvDefault("PIX_KEY", ""),
			MerchantName: getenvDefault("PIX_MERCHANT_NAME", "SOLARSHARE"),
			MerchantCity: getenvDefault("PIX_MERCHANT_CITY", "SAO PAULO"),
		},
		Batch: BatchConfig{
			Workers:   getenvIntDefault("BATCH_WORKERS", 4),
			QueueSize: getenvIntDefault("BATCH_QUEUE_SIZE", 64),
		},
		Stats: StatsConfig{
			DailyAt: getenvDefault("STATS_DAILY_AT", "03:00"),
		},
		Upload: UploadConfig{
			SigningSecret: getenvDefault("UPLOAD_SIGNING_SECRET", ""),
			MaxSkew:       getenvDuration("UPLOAD_MAX_SKEW", 5*time.Minute),
		},
		Events: EventsConfig{
			DispatchInterval: getenvDuration("OUTBOX_DISPATCH_INTERVAL", 2*time.Second),
			DispatchBatch:    getenvIntDefault("OUTBOX_DISPATCH_BATCH", 100),
			MaxAttempts:      getenvIntDefault("OUTBOX_MAX_ATTEMPTS", 5),
			NatsURL:          getenvDefault("NATS_URL", ""),
			NatsSubject:      getenvDefault("NATS_SUBJECT", "solarshare.events"),
		},
		Notify: NotifyConfig{
			WebhookURL:    getenvDefault("NOTIFY_WEBHOOK_URL", ""),
			Template:      getenvDefault("NOTIFY_TEMPLATE", ""),
			DedupeWindow:  getenvDuration("NOTIFY_DEDUPE_WINDOW", 10*time.Minute),
			PublicBaseURL: getenvDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		},
	}

	if path := os.Getenv("SOLARSHARE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && !c.MemoryStore {
		errs = append(errs, errors.New("config: DATABASE_URL or PG_DSN is required unless MEMORY_STORE is set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: AUTH_JWT_SECRET is required"))
	}
	if c.TenantID == "" {
		errs = append(errs, errors.New("config: tenant id is required"))
	}
	if c.Ledger.CreditExpiryMonths <= 0 {
		errs = append(errs, errors.New("config: credit expiry months must be positive"))
	}
	if c.Ledger.AllocationScale < 0 || c.Ledger.AllocationScale > 6 {
		errs = append(errs, errors.New("config: allocation scale must be between 0 and 6"))
	}
	if c.Billing.DueDay < 1 || c.Billing.DueDay > 28 {
		errs = append(errs, errors.New("config: invoice due day must be between 1 and 28"))
	}
	if c.Billing.PricePerKWh < 0 {
		errs = append(errs, errors.New("config: price per kwh must not be negative"))
	}
	if c.Batch.Workers <= 0 {
		errs = append(errs, errors.New("config: batch workers must be positive"))
	}
	if c.Events.MaxAttempts < 1 {
		errs = append(errs, errors.New("config: outbox max attempts must be at least 1"))
	}
	if _, err := time.Parse("15:04", c.Stats.DailyAt); err != nil {
		errs = append(errs, fmt.Errorf("config: stats daily_at %q: %w", c.Stats.DailyAt, err))
	}
	return errors.Join(errs...)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
