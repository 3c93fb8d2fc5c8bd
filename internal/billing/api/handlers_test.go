package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ongoza/internal/billing"
	"ongoza/internal/billing/billingtest"
	"ongoza/internal/common/middleware"
)

func newTestRouter(t *testing.T) (chi.Router, *billingtest.Store, *billingtest.ProviderStub) {
	t.Helper()
	store := billingtest.NewStore()
	provider := &billingtest.ProviderStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := billing.NewService(store, provider, nil, logger)

	r := chi.NewRouter()
	r.Use(middleware.UserExtractor)
	r.Use(middleware.RequireUser)
	r.Mount("/", NewHandler(svc).Routes())
	return r, store, provider
}

func doRequest(r chi.Router, method, path, userID, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeAttempt(t *testing.T, rec *httptest.ResponseRecorder) billing.PaymentAttempt {
	t.Helper()
	var envelope struct {
		Data billing.PaymentAttempt `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func TestInitiatePayment_Created(t *testing.T) {
	r, _, provider := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_50","phone":"0712 345 678"}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	attempt := decodeAttempt(t, rec)
	assert.Equal(t, billing.StatusPending, attempt.Status)
	assert.Equal(t, "255712345678", attempt.Phone)
	assert.Equal(t, int64(2500), attempt.Amount)
	assert.NotEmpty(t, attempt.ProviderRef)
	assert.Len(t, provider.ChargeCalls, 1)
}

func TestInitiatePayment_Unauthenticated(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "",
		`{"kind":"credits","catalog_key":"credits_50","phone":"0712345678"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInitiatePayment_InvalidPhone(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_50","phone":"12345"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestInitiatePayment_UnknownCatalogKey(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_999","phone":"0712345678"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitiatePayment_BadKind(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"donation","catalog_key":"credits_50","phone":"0712345678"}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetPayment_OwnershipEnforced(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_50","phone":"0712345678"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	attempt := decodeAttempt(t, rec)

	owner := doRequest(r, http.MethodGet, "/payments/"+attempt.ID, "user-1", "")
	assert.Equal(t, http.StatusOK, owner.Code)

	other := doRequest(r, http.MethodGet, "/payments/"+attempt.ID, "user-2", "")
	assert.Equal(t, http.StatusForbidden, other.Code)
}

func TestGetPayment_NotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/payments/nope", "user-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckPayment_CompletesAttempt(t *testing.T) {
	r, store, provider := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_50","phone":"0712345678"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	attempt := decodeAttempt(t, rec)

	provider.StatusFunc = func(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
		return &billing.StatusResult{Status: "COMPLETED"}, nil
	}

	checked := doRequest(r, http.MethodPost, "/payments/"+attempt.ID+"/check", "user-1", "")
	require.Equal(t, http.StatusOK, checked.Code, checked.Body.String())
	updated := decodeAttempt(t, checked)
	assert.Equal(t, billing.StatusCompleted, updated.Status)
	assert.Equal(t, 1, store.ActivationCount())
}

func TestGetBalance(t *testing.T) {
	r, _, provider := newTestRouter(t)

	rec := doRequest(r, http.MethodPost, "/payments", "user-1",
		`{"kind":"credits","catalog_key":"credits_10","phone":"0712345678"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	attempt := decodeAttempt(t, rec)

	provider.StatusFunc = func(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
		return &billing.StatusResult{Status: "SUCCESS"}, nil
	}
	checked := doRequest(r, http.MethodPost, "/payments/"+attempt.ID+"/check", "user-1", "")
	require.Equal(t, http.StatusOK, checked.Code)

	rec = doRequest(r, http.MethodGet, "/accounts/balance", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data BalanceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "user-1", envelope.Data.UserID)
	assert.Equal(t, int64(10), envelope.Data.Balance)
}

func TestGetSubscription_DefaultsToFree(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/accounts/subscription", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data SubscriptionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "free", envelope.Data.PlanTier)
	assert.Nil(t, envelope.Data.CurrentPeriodEnd)
}

func TestListPackages(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doRequest(r, http.MethodGet, "/catalog/packages", "user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Len(t, envelope.Data, 3)
}
