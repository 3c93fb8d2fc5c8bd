package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ongoza/internal/billing"
	"ongoza/internal/billing/catalog"
	"ongoza/internal/billing/phone"
	"ongoza/internal/common/api"
	"ongoza/internal/common/database"
	"ongoza/internal/common/middleware"
)

// Handler handles billing HTTP requests
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.InitiatePayment)
	r.Get("/payments/{id}", h.GetPayment)
	r.Post("/payments/{id}/check", h.CheckPayment)

	r.Get("/accounts/balance", h.GetBalance)
	r.Get("/accounts/subscription", h.GetSubscription)

	r.Get("/catalog/packages", h.ListPackages)
	r.Get("/catalog/plans", h.ListPlans)

	return r
}

// InitiatePayment handles POST /payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	var req billing.InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	attempt, err := h.service.InitiatePayment(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, phone.ErrInvalidNumber):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "invalid Tanzanian mobile number")
		case errors.Is(err, catalog.ErrUnknownKey):
			api.NotFound(w, "unknown package or plan")
		case errors.Is(err, billing.ErrProviderDeclined):
			// Never expose provider payloads to the client.
			api.ProviderError(w, "payment could not be initiated, please try again")
		default:
			api.InternalError(w, "failed to initiate payment")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, attempt)
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	attempt, err := h.service.GetPayment(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, attempt)
}

// CheckPayment handles POST /payments/{id}/check
func (h *Handler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	attempt, err := h.service.CheckPayment(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, attempt)
}

// BalanceResponse is the response for balance lookups
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetBalance handles GET /accounts/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		api.InternalError(w, "failed to load balance")
		return
	}

	api.WriteData(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// SubscriptionResponse is the response for subscription lookups
type SubscriptionResponse struct {
	UserID           string  `json:"user_id"`
	PlanTier         string  `json:"plan_tier"`
	CurrentPeriodEnd *string `json:"current_period_end,omitempty"`
}

// GetSubscription handles GET /accounts/subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	account, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		api.InternalError(w, "failed to load subscription")
		return
	}

	resp := SubscriptionResponse{
		UserID:   account.UserID,
		PlanTier: account.PlanTier,
	}
	if account.CurrentPeriodEnd != nil {
		s := account.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		resp.CurrentPeriodEnd = &s
	}

	api.WriteData(w, http.StatusOK, resp)
}

// ListPackages handles GET /catalog/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, catalog.Packages())
}

// ListPlans handles GET /catalog/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, catalog.Plans())
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrForbidden):
		api.Forbidden(w, "payment belongs to another user")
	case database.IsNotFound(err):
		api.NotFound(w, "payment not found")
	default:
		api.InternalError(w, "request failed")
	}
}
