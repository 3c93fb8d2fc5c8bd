// Package catalog holds the priced credit packages and subscription plans.
package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Currency is the settlement currency for mobile-money charges.
// Amounts are whole Tanzanian shillings; TZS has no minor unit in practice.
const Currency = "TZS"

// ErrUnknownKey is returned when a package or plan key is not in the catalog.
var ErrUnknownKey = errors.New("unknown catalog key")

// CreditPackage is a one-off purchase of assessment/mentorship credits.
type CreditPackage struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Credits int64  `json:"credits"`
	Price   int64  `json:"price"`
}

// Plan is a recurring subscription tier.
type Plan struct {
	Key        string        `json:"key"`
	Tier       string        `json:"tier"`
	Name       string        `json:"name"`
	Price      int64         `json:"price"`
	Period     time.Duration `json:"-"`
	PeriodDays int           `json:"period_days"`
}

var creditPackages = []CreditPackage{
	{Key: "credits_10", Name: "Starter Pack", Credits: 10, Price: 600},
	{Key: "credits_50", Name: "Growth Pack", Credits: 50, Price: 2500},
	{Key: "credits_100", Name: "Scholar Pack", Credits: 100, Price: 4500},
}

var plans = []Plan{
	{Key: "premium_monthly", Tier: "premium", Name: "Premium Monthly", Price: 5000, Period: 30 * 24 * time.Hour, PeriodDays: 30},
	{Key: "premium_yearly", Tier: "premium", Name: "Premium Yearly", Price: 48000, Period: 365 * 24 * time.Hour, PeriodDays: 365},
}

// Packages returns all purchasable credit packages.
func Packages() []CreditPackage {
	out := make([]CreditPackage, len(creditPackages))
	copy(out, creditPackages)
	return out
}

// Plans returns all purchasable subscription plans.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PackageByKey looks up a credit package.
func PackageByKey(key string) (CreditPackage, error) {
	for _, p := range creditPackages {
		if p.Key == key {
			return p, nil
		}
	}
	return CreditPackage{}, fmt.Errorf("package %q: %w", key, ErrUnknownKey)
}

// PlanByKey looks up a subscription plan.
func PlanByKey(key string) (Plan, error) {
	for _, p := range plans {
		if p.Key == key {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("plan %q: %w", key, ErrUnknownKey)
}
