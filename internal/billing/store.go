package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ongoza/internal/common/database"
)

// Store persists payment attempts, accounts and activations.
type Store interface {
	CreateAttempt(ctx context.Context, attempt *PaymentAttempt) error
	GetAttempt(ctx context.Context, id string) (*PaymentAttempt, error)
	GetAttemptByProviderRef(ctx context.Context, providerRef string) (*PaymentAttempt, error)
	SetProviderRef(ctx context.Context, id, provider, providerRef string, providerData map[string]any) error

	// TransitionStatus applies a terminal transition if and only if the
	// attempt is still pending. It reports whether this caller won the
	// transition; an already-terminal attempt is left untouched.
	TransitionStatus(ctx context.Context, id string, to Status, errorCode, errorMessage string, providerData map[string]any) (bool, error)

	// ApplyActivation grants credits or activates a plan for a completed
	// payment, atomically with the idempotency check. It reports whether
	// this call performed the grant; a repeat call is a successful no-op.
	ApplyActivation(ctx context.Context, act *Activation, periodEnd *time.Time) (bool, error)

	GetAccount(ctx context.Context, userID string) (*Account, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const attemptColumns = `
	id, user_id, kind, catalog_key, amount, currency, phone, status,
	provider, provider_ref, provider_data, error_code, error_message,
	created_at, updated_at, completed_at
`

// CreateAttempt inserts a new payment attempt.
func (s *PostgresStore) CreateAttempt(ctx context.Context, attempt *PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	providerData, _ := json.Marshal(attempt.ProviderData)

	_, err := s.db.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.Kind, attempt.CatalogKey,
		attempt.Amount, attempt.Currency, attempt.Phone, attempt.Status,
		nullStr(attempt.Provider), nullStr(attempt.ProviderRef), providerData,
		nullStr(attempt.ErrorCode), nullStr(attempt.ErrorMessage),
		attempt.CreatedAt, attempt.UpdatedAt, attempt.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// GetAttempt retrieves a payment attempt by ID.
func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE id = $1`
	return scanAttempt(s.db.QueryRow(ctx, query, id))
}

// GetAttemptByProviderRef retrieves a payment attempt by provider reference.
func (s *PostgresStore) GetAttemptByProviderRef(ctx context.Context, providerRef string) (*PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE provider_ref = $1`
	return scanAttempt(s.db.QueryRow(ctx, query, providerRef))
}

// SetProviderRef records the provider-assigned reference after initiation.
func (s *PostgresStore) SetProviderRef(ctx context.Context, id, provider, providerRef string, providerData map[string]any) error {
	query := `
		UPDATE payment_attempts
		SET provider = $2, provider_ref = $3, provider_data = $4, updated_at = $5
		WHERE id = $1
	`

	data, _ := json.Marshal(providerData)
	tag, err := s.db.Exec(ctx, query, id, provider, providerRef, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set provider ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// TransitionStatus applies a pending -> terminal transition with a
// compare-and-set update. Concurrent callers race on the WHERE clause; the
// row count tells each caller whether it won.
func (s *PostgresStore) TransitionStatus(ctx context.Context, id string, to Status, errorCode, errorMessage string, providerData map[string]any) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("transition to non-terminal status %q", to)
	}

	query := `
		UPDATE payment_attempts
		SET status = $2,
		    error_code = COALESCE($3, error_code),
		    error_message = COALESCE($4, error_message),
		    provider_data = COALESCE($5, provider_data),
		    updated_at = $6
		WHERE id = $1 AND status = 'pending'
	`

	var data []byte
	if providerData != nil {
		data, _ = json.Marshal(providerData)
	}

	tag, err := s.db.Exec(ctx, query, id, to, nullStr(errorCode), nullStr(errorMessage), data, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing updated: either unknown ID or already terminal.
	if _, err := s.GetAttempt(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ApplyActivation performs the grant inside a single transaction. The insert
// into credit_activations carries the idempotency: its primary key is the
// payment attempt ID, so only the first writer proceeds to mutate the account.
func (s *PostgresStore) ApplyActivation(ctx context.Context, act *Activation, periodEnd *time.Time) (bool, error) {
	applied := false

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO credit_activations (payment_attempt_id, user_id, credits_granted, plan_tier, activated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (payment_attempt_id) DO NOTHING
		`, act.PaymentAttemptID, act.UserID, act.CreditsGranted, nullStr(act.PlanTier), act.ActivatedAt)
		if err != nil {
			return fmt.Errorf("insert activation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Already activated by a previous caller.
			return nil
		}
		applied = true

		now := time.Now().UTC()
		if act.PlanTier != "" {
			_, err = tx.Exec(ctx, `
				INSERT INTO accounts (user_id, credit_balance, plan_tier, current_period_end, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $5)
				ON CONFLICT (user_id) DO UPDATE SET
					credit_balance = accounts.credit_balance + EXCLUDED.credit_balance,
					plan_tier = EXCLUDED.plan_tier,
					current_period_end = EXCLUDED.current_period_end,
					updated_at = EXCLUDED.updated_at
			`, act.UserID, act.CreditsGranted, act.PlanTier, periodEnd, now)
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO accounts (user_id, credit_balance, plan_tier, created_at, updated_at)
				VALUES ($1, $2, 'free', $3, $3)
				ON CONFLICT (user_id) DO UPDATE SET
					credit_balance = accounts.credit_balance + EXCLUDED.credit_balance,
					updated_at = EXCLUDED.updated_at
			`, act.UserID, act.CreditsGranted, now)
		}
		if err != nil {
			return fmt.Errorf("apply grant: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE payment_attempts SET completed_at = $2, updated_at = $3
			WHERE id = $1 AND completed_at IS NULL
		`, act.PaymentAttemptID, act.ActivatedAt, now)
		if err != nil {
			return fmt.Errorf("stamp completion: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// GetAccount retrieves the account for a user. Users without a row get the
// zero account: no credits, free tier.
func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	query := `
		SELECT user_id, credit_balance, plan_tier, current_period_end, created_at, updated_at
		FROM accounts WHERE user_id = $1
	`

	var a Account
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&a.UserID, &a.CreditBalance, &a.PlanTier, &a.CurrentPeriodEnd, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			now := time.Now().UTC()
			return &Account{UserID: userID, PlanTier: "free", CreatedAt: now, UpdatedAt: now}, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func scanAttempt(row pgx.Row) (*PaymentAttempt, error) {
	var a PaymentAttempt
	var provider, providerRef, errorCode, errorMsg *string
	var providerData []byte

	err := row.Scan(
		&a.ID, &a.UserID, &a.Kind, &a.CatalogKey, &a.Amount, &a.Currency, &a.Phone, &a.Status,
		&provider, &providerRef, &providerData, &errorCode, &errorMsg,
		&a.CreatedAt, &a.UpdatedAt, &a.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan payment attempt: %w", err)
	}

	if provider != nil {
		a.Provider = *provider
	}
	if providerRef != nil {
		a.ProviderRef = *providerRef
	}
	if errorCode != nil {
		a.ErrorCode = *errorCode
	}
	if errorMsg != nil {
		a.ErrorMessage = *errorMsg
	}
	if len(providerData) > 0 {
		_ = json.Unmarshal(providerData, &a.ProviderData)
	}

	return &a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
