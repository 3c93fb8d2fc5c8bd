package billing_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ongoza/internal/billing"
	"ongoza/internal/billing/billingtest"
	"ongoza/internal/billing/catalog"
	"ongoza/internal/billing/phone"
	"ongoza/internal/common/database"
)

func newService(t *testing.T) (*billing.Service, *billingtest.Store, *billingtest.ProviderStub) {
	t.Helper()
	store := billingtest.NewStore()
	provider := &billingtest.ProviderStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return billing.NewService(store, provider, nil, logger), store, provider
}

func initiateCredits(t *testing.T, svc *billing.Service, userID string) *billing.PaymentAttempt {
	t.Helper()
	attempt, err := svc.InitiatePayment(context.Background(), userID, billing.InitiatePaymentRequest{
		Kind:       billing.KindCredits,
		CatalogKey: "credits_50",
		Phone:      "0712345678",
	})
	require.NoError(t, err)
	return attempt
}

func TestInitiatePayment_CreditsPackage(t *testing.T) {
	svc, store, provider := newService(t)

	attempt := initiateCredits(t, svc, "user-1")

	assert.Equal(t, billing.StatusPending, attempt.Status)
	assert.Equal(t, "255712345678", attempt.Phone)
	assert.Equal(t, int64(2500), attempt.Amount)
	assert.Equal(t, "TZS", attempt.Currency)
	assert.NotEmpty(t, attempt.ProviderRef)

	require.Len(t, provider.ChargeCalls, 1)
	call := provider.ChargeCalls[0]
	assert.Equal(t, attempt.ID, call.IdempotencyKey)
	assert.Equal(t, int64(2500), call.Amount)
	assert.Equal(t, "255712345678", call.Phone)
	assert.Equal(t, attempt.ID, call.Metadata["payment_id"])

	stored, err := store.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempt.ProviderRef, stored.ProviderRef)
}

func TestInitiatePayment_InvalidPhone(t *testing.T) {
	svc, store, provider := newService(t)

	_, err := svc.InitiatePayment(context.Background(), "user-1", billing.InitiatePaymentRequest{
		Kind:       billing.KindCredits,
		CatalogKey: "credits_50",
		Phone:      "0812345678",
	})

	assert.ErrorIs(t, err, phone.ErrInvalidNumber)
	assert.Zero(t, store.AttemptCount())
	assert.Empty(t, provider.ChargeCalls)
}

func TestInitiatePayment_UnknownPackage(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := svc.InitiatePayment(context.Background(), "user-1", billing.InitiatePaymentRequest{
		Kind:       billing.KindCredits,
		CatalogKey: "credits_9000",
		Phone:      "0712345678",
	})

	assert.ErrorIs(t, err, catalog.ErrUnknownKey)
	assert.Zero(t, store.AttemptCount())
}

func TestInitiatePayment_ProviderDeclined(t *testing.T) {
	svc, store, provider := newService(t)
	provider.ChargeFunc = func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
		return nil, fmt.Errorf("%w: insufficient float", billing.ErrProviderDeclined)
	}

	_, err := svc.InitiatePayment(context.Background(), "user-1", billing.InitiatePaymentRequest{
		Kind:       billing.KindCredits,
		CatalogKey: "credits_50",
		Phone:      "0712345678",
	})
	require.ErrorIs(t, err, billing.ErrProviderDeclined)

	// The attempt was created and marked failed before returning.
	require.Equal(t, 1, store.AttemptCount())
	require.Len(t, provider.ChargeCalls, 1)
	stored, err := store.GetAttempt(context.Background(), provider.ChargeCalls[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFailed, stored.Status)
	assert.Equal(t, "PROVIDER_DECLINED", stored.ErrorCode)
}

func TestInitiatePayment_TransportErrorLeavesPending(t *testing.T) {
	svc, store, provider := newService(t)
	provider.ChargeFunc = func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
		return nil, errors.New("connection reset")
	}

	_, err := svc.InitiatePayment(context.Background(), "user-1", billing.InitiatePaymentRequest{
		Kind:       billing.KindCredits,
		CatalogKey: "credits_50",
		Phone:      "0712345678",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrProviderDeclined)

	stored, err := store.GetAttempt(context.Background(), provider.ChargeCalls[0].IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, stored.Status)
}

func TestCheckPayment_CompletesAndActivates(t *testing.T) {
	svc, store, provider := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	provider.StatusFunc = func(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
		return &billing.StatusResult{Status: "COMPLETED", Provider: "snippe"}, nil
	}

	updated, err := svc.CheckPayment(context.Background(), "user-1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCompleted, updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, 1, store.ActivationCount())
}

func TestCheckPayment_Forbidden(t *testing.T) {
	svc, _, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	_, err := svc.CheckPayment(context.Background(), "user-2", attempt.ID)
	assert.ErrorIs(t, err, billing.ErrForbidden)
}

func TestCheckPayment_NotFound(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CheckPayment(context.Background(), "user-1", "missing")
	assert.True(t, database.IsNotFound(err))
}

func TestCheckPayment_TerminalSkipsProvider(t *testing.T) {
	svc, _, provider := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	provider.StatusFunc = func(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
		return &billing.StatusResult{Status: "FAILED"}, nil
	}
	_, err := svc.CheckPayment(context.Background(), "user-1", attempt.ID)
	require.NoError(t, err)
	require.Len(t, provider.StatusCalls, 1)

	// Second poll observes the terminal state without another lookup.
	updated, err := svc.CheckPayment(context.Background(), "user-1", attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFailed, updated.Status)
	assert.Len(t, provider.StatusCalls, 1)
}

func TestReconcile_CompletedWebhook(t *testing.T) {
	svc, store, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	err := svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "COMPLETED", nil)
	require.NoError(t, err)

	stored, err := store.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCompleted, stored.Status)

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestReconcile_RedeliveryDoesNotDoubleCredit(t *testing.T) {
	svc, store, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "COMPLETED", nil))
	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "COMPLETED", nil))

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, 1, store.ActivationCount())
}

func TestReconcile_UnknownReference(t *testing.T) {
	svc, _, _ := newService(t)
	err := svc.ReconcileProviderStatus(context.Background(), "no-such-ref", "COMPLETED", nil)
	assert.True(t, database.IsNotFound(err))
}

func TestReconcile_TerminalStateIsMonotonic(t *testing.T) {
	svc, store, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "FAILED", nil))

	// A late COMPLETED for a failed attempt must not change anything.
	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "COMPLETED", nil))

	stored, err := store.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFailed, stored.Status)

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Zero(t, store.ActivationCount())
}

func TestReconcile_PendingProviderStatusIsNoOp(t *testing.T) {
	svc, store, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "PROCESSING", nil))

	stored, err := store.GetAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, stored.Status)
}

func TestActivate_ConcurrentCallersGrantOnce(t *testing.T) {
	svc, store, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	// Poller and webhook racing to apply the same completion.
	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "completed", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, 1, store.ActivationCount())
}

func TestActivate_SubscriptionPlan(t *testing.T) {
	svc, _, _ := newService(t)

	attempt, err := svc.InitiatePayment(context.Background(), "user-1", billing.InitiatePaymentRequest{
		Kind:       billing.KindSubscription,
		CatalogKey: "premium_monthly",
		Phone:      "+255712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), attempt.Amount)

	require.NoError(t, svc.ReconcileProviderStatus(context.Background(), attempt.ProviderRef, "COMPLETED", nil))

	account, err := svc.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "premium", account.PlanTier)
	require.NotNil(t, account.CurrentPeriodEnd)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *account.CurrentPeriodEnd, time.Minute)
}

func TestActivate_RejectsPendingPayment(t *testing.T) {
	svc, _, _ := newService(t)
	attempt := initiateCredits(t, svc, "user-1")

	err := svc.Activate(context.Background(), attempt.ID)
	assert.Error(t, err)
}

func TestParseProviderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want billing.Status
	}{
		{"COMPLETED", billing.StatusCompleted},
		{"completed", billing.StatusCompleted},
		{"Success", billing.StatusCompleted},
		{"SETTLED", billing.StatusCompleted},
		{"FAILED", billing.StatusFailed},
		{"Cancelled", billing.StatusFailed},
		{"canceled", billing.StatusFailed},
		{"EXPIRED", billing.StatusFailed},
		{"PROCESSING", billing.StatusPending},
		{"", billing.StatusPending},
		{"  pending  ", billing.StatusPending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, billing.ParseProviderStatus(tt.in), "input %q", tt.in)
	}
}
