package snippe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"ongoza/internal/common/database"
)

// Webhook headers pushed by the provider.
const (
	HeaderSignature = "x-webhook-signature"
	HeaderTimestamp = "x-webhook-timestamp"
	HeaderEvent     = "x-webhook-event"
)

// WebhookPayload is the body of Snippe webhook callbacks.
type WebhookPayload struct {
	Event         string            `json:"event,omitempty"`
	Reference     string            `json:"reference"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount,omitempty"`
	PhoneNumber   string            `json:"phone_number,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Reconciler applies a provider-confirmed status to the matching payment
// attempt. Implemented by the billing service.
type Reconciler interface {
	ReconcileProviderStatus(ctx context.Context, providerRef, providerStatus string, raw map[string]any) error
}

// WebhookHandler handles Snippe webhook callbacks. The provider retries
// non-2xx responses, so only signature/parse failures return an error status;
// a verified event is always acknowledged even when the referenced payment is
// unknown or already terminal.
type WebhookHandler struct {
	secret     []byte
	reconciler Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new Snippe webhook handler.
func NewWebhookHandler(secret string, reconciler Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		reconciler: reconciler,
		logger:     logger,
	}
}

// ServeHTTP handles incoming Snippe webhook requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The signature covers the raw bytes, so the body must be read before
	// any parsing.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	if signature == "" || timestamp == "" {
		h.logger.Warn("webhook missing signature headers")
		http.Error(w, "missing signature headers", http.StatusUnauthorized)
		return
	}

	if !h.verifySignature(timestamp, body, signature) {
		h.logger.Warn("webhook signature mismatch",
			"event", r.Header.Get(HeaderEvent),
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.Reference == "" {
		http.Error(w, "missing reference", http.StatusBadRequest)
		return
	}

	h.logger.Info("received snippe webhook",
		"reference", payload.Reference,
		"status", payload.Status,
		"event", firstNonEmpty(payload.Event, r.Header.Get(HeaderEvent)),
	)

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	if err := h.reconciler.ReconcileProviderStatus(ctx, payload.Reference, payload.Status, raw); err != nil {
		// A permanently-unprocessable event must still be acknowledged;
		// otherwise the provider retries it forever.
		if errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("webhook for unknown payment reference",
				"reference", payload.Reference,
			)
		} else {
			h.logger.Error("failed to reconcile webhook",
				"reference", payload.Reference,
				"error", err,
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// verifySignature recomputes HMAC-SHA256 over "{timestamp}.{rawBody}" and
// compares in constant time.
func (h *WebhookHandler) verifySignature(timestamp string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
