package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

// Seed is master data loaded into the memory store at startup.
type Seed struct {
	Distributors  []SeedDistributor  `yaml:"distributors"`
	Customers     []SeedCustomer     `yaml:"customers"`
	Installations []SeedInstallation `yaml:"installations"`
}

// SeedDistributor is a distributor with its rate history.
type SeedDistributor struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Rates []SeedRate `yaml:"rates"`
}

// SeedRate is one price effective from a month (MM/YYYY or YYYY-MM).
type SeedRate struct {
	EffectiveFrom string `yaml:"effective_from"`
	PricePerKWh   string `yaml:"price_per_kwh"`
}

// SeedCustomer is a customer with its discount as a fraction.
type SeedCustomer struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Document string `yaml:"document"`
	Discount string `yaml:"discount"`
}

// SeedInstallation is a metered site.
type SeedInstallation struct {
	ID            string `yaml:"id"`
	Number        string `yaml:"number"`
	Kind          string `yaml:"kind"`
	CustomerID    string `yaml:"customer_id"`
	DistributorID string `yaml:"distributor_id"`
}

// DistributorList converts the seed distributors.
func (s Seed) DistributorList() ([]billing.Distributor, error) {
	out := make([]billing.Distributor, 0, len(s.Distributors))
	for _, d := range s.Distributors {
		rates := make(billing.RateHistory, 0, len(d.Rates))
		for _, r := range d.Rates {
			from, err := ledger.ParsePeriod(r.EffectiveFrom)
			if err != nil {
				return nil, fmt.Errorf("seed distributor %s: %w", d.ID, err)
			}
			price, err := decimal.NewFromString(r.PricePerKWh)
			if err != nil {
				return nil, fmt.Errorf("seed distributor %s: price %q: %w", d.ID, r.PricePerKWh, err)
			}
			rates = append(rates, billing.Rate{EffectiveFrom: from.Start(), PricePerKWh: price})
		}
		if err := rates.Validate(); err != nil {
			return nil, fmt.Errorf("seed distributor %s: %w", d.ID, err)
		}
		out = append(out, billing.Distributor{ID: d.ID, Name: d.Name, Rates: rates.Sorted()})
	}
	return out, nil
}

// CustomerList converts the seed customers.
func (s Seed) CustomerList(now time.Time) ([]billing.Customer, error) {
	out := make([]billing.Customer, 0, len(s.Customers))
	for _, c := range s.Customers {
		discount := decimal.Zero
		if c.Discount != "" {
			parsed, err := decimal.NewFromString(c.Discount)
			if err != nil {
				return nil, fmt.Errorf("seed customer %s: discount %q: %w", c.ID, c.Discount, err)
			}
			discount = parsed
		}
		customer := billing.Customer{
			ID:        c.ID,
			Name:      c.Name,
			Email:     c.Email,
			Document:  c.Document,
			Discount:  discount,
			CreatedAt: now,
		}
		if err := customer.Validate(); err != nil {
			return nil, fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
		out = append(out, customer)
	}
	return out, nil
}

// InstallationList converts the seed installations.
func (s Seed) InstallationList(now time.Time) ([]ledger.Installation, error) {
	out := make([]ledger.Installation, 0, len(s.Installations))
	for _, i := range s.Installations {
		inst := ledger.Installation{
			ID:            i.ID,
			Number:        i.Number,
			Kind:          ledger.Kind(i.Kind),
			CustomerID:    i.CustomerID,
			DistributorID: i.DistributorID,
			CreatedAt:     now,
		}
		if inst.Number == "" {
			inst.Number = inst.ID
		}
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("seed installation %s: %w", i.ID, err)
		}
		out = append(out, inst)
	}
	return out, nil
}
