package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"ongoza/internal/billing/catalog"
	"ongoza/internal/billing/phone"
	"ongoza/internal/common/events"
)

// Service errors.
var (
	ErrForbidden        = errors.New("forbidden")
	ErrProviderDeclined = errors.New("provider declined charge")
)

// ChargeRequest is what the service sends to the payment provider.
type ChargeRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	Phone          string
	CustomerName   string
	CustomerEmail  string
	Metadata       map[string]string
}

// ChargeResult is the provider's answer to a charge initiation.
type ChargeResult struct {
	Reference string
	Provider  string
	Raw       map[string]any
}

// StatusResult is the provider's answer to a status lookup. Raw is stored
// verbatim for audit.
type StatusResult struct {
	Status   string
	Provider string
	Raw      map[string]any
}

// ProviderClient talks to the mobile-money provider. Implementations wrap
// declared failures in ErrProviderDeclined; any other error is treated as
// transient and leaves the attempt pending.
type ProviderClient interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	LookupStatus(ctx context.Context, providerRef string) (*StatusResult, error)
}

// Publisher publishes billing events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service orchestrates payment initiation, reconciliation and activation.
// It holds no mutable state; the store is the source of truth, so concurrent
// polls and webhooks for the same attempt are resolved by the database.
type Service struct {
	store     Store
	provider  ProviderClient
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new billing service. publisher may be nil, in which
// case events are dropped.
func NewService(store Store, provider ProviderClient, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		provider:  provider,
		publisher: publisher,
		logger:    logger,
	}
}

// InitiatePaymentRequest is the request to start a mobile-money charge.
type InitiatePaymentRequest struct {
	Kind          Kind   `json:"kind" validate:"required,oneof=credits subscription"`
	CatalogKey    string `json:"catalog_key" validate:"required"`
	Phone         string `json:"phone" validate:"required"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
}

// InitiatePayment validates the request, creates a pending attempt and asks
// the provider to start the charge. A failed attempt is never retried in
// place: callers retry by initiating again, which creates a fresh attempt.
func (s *Service) InitiatePayment(ctx context.Context, userID string, req InitiatePaymentRequest) (*PaymentAttempt, error) {
	normalized, err := phone.Normalize(req.Phone)
	if err != nil {
		return nil, err
	}

	var amount int64
	switch req.Kind {
	case KindCredits:
		pkg, err := catalog.PackageByKey(req.CatalogKey)
		if err != nil {
			return nil, err
		}
		amount = pkg.Price
	case KindSubscription:
		plan, err := catalog.PlanByKey(req.CatalogKey)
		if err != nil {
			return nil, err
		}
		amount = plan.Price
	default:
		return nil, fmt.Errorf("unknown payment kind %q", req.Kind)
	}

	attempt, err := NewPaymentAttempt(ulid.Make().String(), userID, req.Kind, req.CatalogKey, amount, catalog.Currency, normalized)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.logger.Info("payment attempt created",
		"payment_id", attempt.ID,
		"user_id", userID,
		"kind", attempt.Kind,
		"catalog_key", attempt.CatalogKey,
		"amount", attempt.Amount,
	)

	result, err := s.provider.InitiateCharge(ctx, ChargeRequest{
		IdempotencyKey: attempt.ID,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		Phone:          attempt.Phone,
		CustomerName:   req.CustomerName,
		CustomerEmail:  req.CustomerEmail,
		Metadata: map[string]string{
			"payment_id":  attempt.ID,
			"user_id":     userID,
			"kind":        string(attempt.Kind),
			"catalog_key": attempt.CatalogKey,
		},
	})
	if err != nil {
		if errors.Is(err, ErrProviderDeclined) {
			// The provider saw the charge and said no: terminal.
			if _, terr := s.store.TransitionStatus(ctx, attempt.ID, StatusFailed, "PROVIDER_DECLINED", err.Error(), nil); terr != nil {
				s.logger.Error("failed to mark attempt failed", "payment_id", attempt.ID, "error", terr)
			}
			s.publishFailed(ctx, attempt, "PROVIDER_DECLINED", err.Error())
			return nil, err
		}
		// Transport failure: the charge may never have reached the provider.
		// The attempt stays pending; the caller retries with a new attempt.
		s.logger.Warn("provider initiation error",
			"payment_id", attempt.ID,
			"error", err,
		)
		return nil, fmt.Errorf("initiate charge: %w", err)
	}

	if err := s.store.SetProviderRef(ctx, attempt.ID, result.Provider, result.Reference, result.Raw); err != nil {
		return nil, fmt.Errorf("persist provider ref: %w", err)
	}
	attempt.Provider = result.Provider
	attempt.ProviderRef = result.Reference
	attempt.ProviderData = result.Raw

	s.publish(ctx, events.EventPaymentInitiated, attempt.ID, events.PaymentInitiatedData{
		PaymentID:  attempt.ID,
		UserID:     userID,
		Kind:       string(attempt.Kind),
		CatalogKey: attempt.CatalogKey,
		Amount:     attempt.Amount,
		Currency:   attempt.Currency,
		Phone:      attempt.Phone,
	})

	s.logger.Info("charge initiated",
		"payment_id", attempt.ID,
		"provider_ref", result.Reference,
	)

	return attempt, nil
}

// GetPayment retrieves an attempt, enforcing ownership.
func (s *Service) GetPayment(ctx context.Context, userID, paymentID string) (*PaymentAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if attempt.UserID != userID {
		return nil, ErrForbidden
	}
	return attempt, nil
}

// CheckPayment is the client-driven poll path: if the attempt is still
// pending, ask the provider for the current status and apply any terminal
// transition. Redundant calls, including races with the webhook, are safe:
// only one caller wins the transition and the activation is idempotent.
func (s *Service) CheckPayment(ctx context.Context, userID, paymentID string) (*PaymentAttempt, error) {
	attempt, err := s.GetPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}

	if attempt.Status.IsTerminal() {
		return attempt, nil
	}
	if attempt.ProviderRef == "" {
		// Initiation never recorded a reference; nothing to look up yet.
		return attempt, nil
	}

	result, err := s.provider.LookupStatus(ctx, attempt.ProviderRef)
	if err != nil {
		return nil, fmt.Errorf("lookup status: %w", err)
	}

	if err := s.applyStatus(ctx, attempt, result.Status, result.Raw); err != nil {
		return nil, err
	}

	return s.store.GetAttempt(ctx, paymentID)
}

// ReconcileProviderStatus is the webhook path: locate the attempt by the
// provider reference and apply the same transition logic as the poller.
func (s *Service) ReconcileProviderStatus(ctx context.Context, providerRef, providerStatus string, raw map[string]any) error {
	attempt, err := s.store.GetAttemptByProviderRef(ctx, providerRef)
	if err != nil {
		return err
	}
	return s.applyStatus(ctx, attempt, providerStatus, raw)
}

// applyStatus maps the provider status and, if terminal, applies the
// transition. Completed payments always go through Activate, whether or not
// this caller won the status transition: activation carries its own
// idempotency, and a crash between transition and grant must be recoverable.
func (s *Service) applyStatus(ctx context.Context, attempt *PaymentAttempt, providerStatus string, raw map[string]any) error {
	mapped := ParseProviderStatus(providerStatus)
	if !mapped.IsTerminal() {
		s.logger.Debug("provider status still pending",
			"payment_id", attempt.ID,
			"provider_status", providerStatus,
		)
		return nil
	}

	if attempt.Status.IsTerminal() {
		if attempt.Status == StatusCompleted {
			return s.Activate(ctx, attempt.ID)
		}
		return nil
	}

	var errorCode, errorMessage string
	if mapped == StatusFailed {
		errorCode = "PROVIDER_FAILED"
		errorMessage = fmt.Sprintf("provider reported status %q", providerStatus)
	}

	won, err := s.store.TransitionStatus(ctx, attempt.ID, mapped, errorCode, errorMessage, raw)
	if err != nil {
		return fmt.Errorf("transition: %w", err)
	}
	if won {
		s.logger.Info("payment transitioned",
			"payment_id", attempt.ID,
			"status", mapped,
			"provider_status", providerStatus,
		)
		if mapped == StatusFailed {
			s.publishFailed(ctx, attempt, errorCode, errorMessage)
		}
	}

	if mapped == StatusCompleted {
		return s.Activate(ctx, attempt.ID)
	}
	return nil
}

// Activate converts a completed payment into its ledger mutation: a credit
// grant or a subscription activation. Safe under at-least-once invocation
// from the poller and webhook paths, possibly concurrently; the store's
// activation insert decides a single winner.
func (s *Service) Activate(ctx context.Context, paymentID string) error {
	attempt, err := s.store.GetAttempt(ctx, paymentID)
	if err != nil {
		return err
	}
	if attempt.Status != StatusCompleted {
		return fmt.Errorf("cannot activate payment in status %q", attempt.Status)
	}

	act := &Activation{
		PaymentAttemptID: attempt.ID,
		UserID:           attempt.UserID,
		ActivatedAt:      time.Now().UTC(),
	}
	var periodEnd *time.Time

	switch attempt.Kind {
	case KindCredits:
		pkg, err := catalog.PackageByKey(attempt.CatalogKey)
		if err != nil {
			return err
		}
		act.CreditsGranted = pkg.Credits
	case KindSubscription:
		plan, err := catalog.PlanByKey(attempt.CatalogKey)
		if err != nil {
			return err
		}
		act.PlanTier = plan.Tier
		end := act.ActivatedAt.Add(plan.Period)
		periodEnd = &end
	default:
		return fmt.Errorf("unknown payment kind %q", attempt.Kind)
	}

	applied, err := s.store.ApplyActivation(ctx, act, periodEnd)
	if err != nil {
		return fmt.Errorf("apply activation: %w", err)
	}
	if !applied {
		// Already activated; repeat invocation is a successful no-op.
		return nil
	}

	s.publish(ctx, events.EventPaymentCompleted, attempt.ID, events.PaymentCompletedData{
		PaymentID:   attempt.ID,
		UserID:      attempt.UserID,
		ProviderRef: attempt.ProviderRef,
		Amount:      attempt.Amount,
		Currency:    attempt.Currency,
		CompletedAt: &act.ActivatedAt,
	})

	if act.CreditsGranted > 0 {
		account, aerr := s.store.GetAccount(ctx, attempt.UserID)
		newBalance := int64(0)
		if aerr == nil {
			newBalance = account.CreditBalance
		}
		s.publish(ctx, events.EventCreditsGranted, attempt.ID, events.CreditsGrantedData{
			PaymentID:  attempt.ID,
			UserID:     attempt.UserID,
			Credits:    act.CreditsGranted,
			NewBalance: newBalance,
		})
	}
	if act.PlanTier != "" && periodEnd != nil {
		s.publish(ctx, events.EventPlanActivated, attempt.ID, events.PlanActivatedData{
			PaymentID: attempt.ID,
			UserID:    attempt.UserID,
			PlanTier:  act.PlanTier,
			PeriodEnd: *periodEnd,
		})
	}

	s.logger.Info("payment activated",
		"payment_id", attempt.ID,
		"user_id", attempt.UserID,
		"credits", act.CreditsGranted,
		"plan_tier", act.PlanTier,
	)

	return nil
}

// GetBalance returns the user's current credit balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.CreditBalance, nil
}

// GetSubscription returns the user's plan tier and renewal date.
func (s *Service) GetSubscription(ctx context.Context, userID string) (*Account, error) {
	return s.store.GetAccount(ctx, userID)
}

func (s *Service) publishFailed(ctx context.Context, attempt *PaymentAttempt, code, message string) {
	s.publish(ctx, events.EventPaymentFailed, attempt.ID, events.PaymentFailedData{
		PaymentID:    attempt.ID,
		UserID:       attempt.UserID,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// publish sends an event best-effort: a broker failure must never fail a
// payment operation.
func (s *Service) publish(ctx context.Context, eventType, paymentID string, data any) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(eventType, "payment_attempt", paymentID, data)
	if err != nil {
		s.logger.Error("failed to create event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event",
			"type", eventType,
			"payment_id", paymentID,
			"error", err,
		)
	}
}
