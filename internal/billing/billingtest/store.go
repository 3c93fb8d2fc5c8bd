// Package billingtest provides in-memory fakes for billing tests.
package billingtest

import (
	"context"
	"sync"
	"time"

	"ongoza/internal/billing"
	"ongoza/internal/common/database"
)

// Store is an in-memory billing.Store. All methods are safe for concurrent
// use; ApplyActivation and TransitionStatus are atomic like their SQL
// counterparts, so race tests exercise the same single-winner semantics.
type Store struct {
	mu          sync.Mutex
	attempts    map[string]*billing.PaymentAttempt
	byRef       map[string]string
	accounts    map[string]*billing.Account
	activations map[string]*billing.Activation
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		attempts:    make(map[string]*billing.PaymentAttempt),
		byRef:       make(map[string]string),
		accounts:    make(map[string]*billing.Account),
		activations: make(map[string]*billing.Activation),
	}
}

var _ billing.Store = (*Store)(nil)

// CreateAttempt implements billing.Store.
func (s *Store) CreateAttempt(ctx context.Context, attempt *billing.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[attempt.ID]; exists {
		return database.ErrAlreadyExists
	}
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

// GetAttempt implements billing.Store.
func (s *Store) GetAttempt(ctx context.Context, id string) (*billing.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetAttemptByProviderRef implements billing.Store.
func (s *Store) GetAttemptByProviderRef(ctx context.Context, providerRef string) (*billing.PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[providerRef]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s.attempts[id]
	return &cp, nil
}

// SetProviderRef implements billing.Store.
func (s *Store) SetProviderRef(ctx context.Context, id, provider, providerRef string, providerData map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return database.ErrNotFound
	}
	a.Provider = provider
	a.ProviderRef = providerRef
	a.ProviderData = providerData
	a.UpdatedAt = time.Now().UTC()
	s.byRef[providerRef] = id
	return nil
}

// TransitionStatus implements billing.Store.
func (s *Store) TransitionStatus(ctx context.Context, id string, to billing.Status, errorCode, errorMessage string, providerData map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return false, database.ErrNotFound
	}
	if a.Status != billing.StatusPending {
		return false, nil
	}
	a.Status = to
	if errorCode != "" {
		a.ErrorCode = errorCode
	}
	if errorMessage != "" {
		a.ErrorMessage = errorMessage
	}
	if providerData != nil {
		a.ProviderData = providerData
	}
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ApplyActivation implements billing.Store.
func (s *Store) ApplyActivation(ctx context.Context, act *billing.Activation, periodEnd *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.activations[act.PaymentAttemptID]; done {
		return false, nil
	}
	cp := *act
	s.activations[act.PaymentAttemptID] = &cp

	account, ok := s.accounts[act.UserID]
	if !ok {
		now := time.Now().UTC()
		account = &billing.Account{UserID: act.UserID, PlanTier: "free", CreatedAt: now, UpdatedAt: now}
		s.accounts[act.UserID] = account
	}
	account.CreditBalance += act.CreditsGranted
	if act.PlanTier != "" {
		account.PlanTier = act.PlanTier
		account.CurrentPeriodEnd = periodEnd
	}
	account.UpdatedAt = time.Now().UTC()

	if a, ok := s.attempts[act.PaymentAttemptID]; ok && a.CompletedAt == nil {
		at := act.ActivatedAt
		a.CompletedAt = &at
	}
	return true, nil
}

// GetAccount implements billing.Store.
func (s *Store) GetAccount(ctx context.Context, userID string) (*billing.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		now := time.Now().UTC()
		return &billing.Account{UserID: userID, PlanTier: "free", CreatedAt: now, UpdatedAt: now}, nil
	}
	cp := *a
	return &cp, nil
}

// ActivationCount returns how many activations have been recorded.
func (s *Store) ActivationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activations)
}

// AttemptCount returns how many payment attempts exist.
func (s *Store) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// ProviderStub is a scriptable billing.ProviderClient.
type ProviderStub struct {
	mu sync.Mutex

	ChargeFunc func(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error)
	StatusFunc func(ctx context.Context, providerRef string) (*billing.StatusResult, error)

	ChargeCalls []billing.ChargeRequest
	StatusCalls []string
}

var _ billing.ProviderClient = (*ProviderStub)(nil)

// InitiateCharge implements billing.ProviderClient.
func (p *ProviderStub) InitiateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	p.mu.Lock()
	p.ChargeCalls = append(p.ChargeCalls, req)
	p.mu.Unlock()
	if p.ChargeFunc != nil {
		return p.ChargeFunc(ctx, req)
	}
	return &billing.ChargeResult{Reference: "ref-" + req.IdempotencyKey, Provider: "snippe"}, nil
}

// LookupStatus implements billing.ProviderClient.
func (p *ProviderStub) LookupStatus(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
	p.mu.Lock()
	p.StatusCalls = append(p.StatusCalls, providerRef)
	p.mu.Unlock()
	if p.StatusFunc != nil {
		return p.StatusFunc(ctx, providerRef)
	}
	return &billing.StatusResult{Status: "PENDING", Provider: "snippe"}, nil
}
