package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Billing event types
const (
	EventPaymentInitiated = "billing.payment.initiated"
	EventPaymentCompleted = "billing.payment.completed"
	EventPaymentFailed    = "billing.payment.failed"
	EventCreditsGranted   = "billing.credits.granted"
	EventPlanActivated    = "billing.plan.activated"
)

// PaymentInitiatedData is the data for billing.payment.initiated events
type PaymentInitiatedData struct {
	PaymentID  string `json:"payment_id"`
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	CatalogKey string `json:"catalog_key"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Phone      string `json:"phone"`
}

// PaymentCompletedData is the data for billing.payment.completed events
type PaymentCompletedData struct {
	PaymentID   string     `json:"payment_id"`
	UserID      string     `json:"user_id"`
	ProviderRef string     `json:"provider_ref,omitempty"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PaymentFailedData is the data for billing.payment.failed events
type PaymentFailedData struct {
	PaymentID    string `json:"payment_id"`
	UserID       string `json:"user_id"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CreditsGrantedData is the data for billing.credits.granted events
type CreditsGrantedData struct {
	PaymentID  string `json:"payment_id"`
	UserID     string `json:"user_id"`
	Credits    int64  `json:"credits"`
	NewBalance int64  `json:"new_balance"`
}

// PlanActivatedData is the data for billing.plan.activated events
type PlanActivatedData struct {
	PaymentID string    `json:"payment_id"`
	UserID    string    `json:"user_id"`
	PlanTier  string    `json:"plan_tier"`
	PeriodEnd time.Time `json:"period_end"`
}
