// Package billing tracks mobile-money payment attempts and converts confirmed
// payments into credit grants and subscription activations, exactly once.
package billing

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes what a payment purchases.
type Kind string

const (
	KindCredits      Kind = "credits"
	KindSubscription Kind = "subscription"
)

// Status represents the lifecycle state of a payment attempt.
// Transitions are monotonic: pending -> completed | failed, nothing after.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseProviderStatus maps a provider status string to the internal enum,
// case-insensitively. Unknown and in-flight provider statuses map to pending.
func ParseProviderStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "success", "settled", "paid":
		return StatusCompleted
	case "failed", "cancelled", "canceled", "expired", "rejected":
		return StatusFailed
	default:
		return StatusPending
	}
}

// PaymentAttempt is a single request to charge a user via mobile money.
// Rows are append-only: attempts are never deleted, failed attempts are never
// reused, retries create fresh attempts.
type PaymentAttempt struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Kind         Kind           `json:"kind"`
	CatalogKey   string         `json:"catalog_key"`
	Amount       int64          `json:"amount"`
	Currency     string         `json:"currency"`
	Phone        string         `json:"phone"`
	Status       Status         `json:"status"`
	Provider     string         `json:"provider,omitempty"`
	ProviderRef  string         `json:"provider_ref,omitempty"`
	ProviderData map[string]any `json:"provider_data,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewPaymentAttempt creates a pending payment attempt.
func NewPaymentAttempt(id, userID string, kind Kind, catalogKey string, amount int64, currency, normalizedPhone string) (*PaymentAttempt, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if catalogKey == "" {
		return nil, errors.New("catalog_key is required")
	}
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if normalizedPhone == "" {
		return nil, errors.New("phone is required")
	}

	now := time.Now().UTC()
	return &PaymentAttempt{
		ID:         id,
		UserID:     userID,
		Kind:       kind,
		CatalogKey: catalogKey,
		Amount:     amount,
		Currency:   currency,
		Phone:      normalizedPhone,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Account is a user's credit balance and subscription state. It is mutated
// only by the activation procedure.
type Account struct {
	UserID           string     `json:"user_id"`
	CreditBalance    int64      `json:"credit_balance"`
	PlanTier         string     `json:"plan_tier"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Activation records that a completed payment has been applied to an account.
// The payment attempt ID is the idempotency key.
type Activation struct {
	PaymentAttemptID string    `json:"payment_attempt_id"`
	UserID           string    `json:"user_id"`
	CreditsGranted   int64     `json:"credits_granted"`
	PlanTier         string    `json:"plan_tier,omitempty"`
	ActivatedAt      time.Time `json:"activated_at"`
}
