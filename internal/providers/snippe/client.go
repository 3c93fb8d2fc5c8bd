// Package snippe provides the Snippe mobile-money payment adapter.
package snippe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ongoza/internal/billing"
)

// Config holds Snippe adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"SNIPPE_BASE_URL" default:"https://api.snippe.sh/v1"`
	APIKey        string        `envconfig:"SNIPPE_API_KEY"`
	WebhookSecret string        `envconfig:"SNIPPE_WEBHOOK_SECRET"`
	CallbackURL   string        `envconfig:"SNIPPE_CALLBACK_URL"`
	Timeout       time.Duration `envconfig:"SNIPPE_TIMEOUT" default:"30s"`
}

// chargeRequest is the request body for charge initiation.
type chargeRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PhoneNumber   string            `json:"phone_number"`
	CustomerName  string            `json:"customer_name,omitempty"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// chargeResponse is the response from charge initiation.
type chargeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    struct {
		Reference string `json:"reference"`
		Provider  string `json:"provider,omitempty"`
	} `json:"data"`
}

// statusResponse is the response from a status lookup.
type statusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Reference string         `json:"reference"`
		Status    string         `json:"status"`
		Provider  string         `json:"provider,omitempty"`
		Raw       map[string]any `json:"raw,omitempty"`
	} `json:"data"`
}

// Client implements the billing.ProviderClient against the Snippe API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Snippe client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

var _ billing.ProviderClient = (*Client)(nil)

// InitiateCharge starts a mobile-money charge. The idempotency key travels
// as a header so a retried initiation cannot double-charge on the provider
// side. Declared failures wrap billing.ErrProviderDeclined; transport errors
// are returned as-is and treated as transient by the caller.
func (c *Client) InitiateCharge(ctx context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	body := chargeRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		PhoneNumber:   req.Phone,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		WebhookURL:    c.config.CallbackURL,
		Metadata:      req.Metadata,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status=%d body=%s", billing.ErrProviderDeclined, httpResp.StatusCode, truncate(respBody))
	}

	var resp chargeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("%w: unparseable response: %s", billing.ErrProviderDeclined, truncate(respBody))
	}

	// Fail closed: anything but a declared success is a decline.
	if !strings.EqualFold(resp.Status, "success") {
		return nil, fmt.Errorf("%w: status=%q message=%q", billing.ErrProviderDeclined, resp.Status, resp.Message)
	}
	if resp.Data.Reference == "" {
		return nil, fmt.Errorf("%w: success response missing reference", billing.ErrProviderDeclined)
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	c.logger.Info("snippe charge initiated",
		"reference", resp.Data.Reference,
		"amount", req.Amount,
	)

	return &billing.ChargeResult{
		Reference: resp.Data.Reference,
		Provider:  providerName(resp.Data.Provider),
		Raw:       raw,
	}, nil
}

// LookupStatus fetches the current status of a charge by provider reference.
func (c *Client) LookupStatus(ctx context.Context, providerRef string) (*billing.StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/charges/"+providerRef, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("snippe api error: status=%d body=%s", httpResp.StatusCode, truncate(respBody))
	}

	var resp statusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal status response: %w", err)
	}
	if resp.Data.Status == "" {
		return nil, fmt.Errorf("status response missing status field")
	}

	var raw map[string]any
	_ = json.Unmarshal(respBody, &raw)

	return &billing.StatusResult{
		Status:   resp.Data.Status,
		Provider: providerName(resp.Data.Provider),
		Raw:      raw,
	}, nil
}

func providerName(reported string) string {
	if reported != "" {
		return reported
	}
	return "snippe"
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
