package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RevCBH/safewalk/internal/phone"
)

// WebhookPayload is the JSON structure sent to gateway endpoints
type WebhookPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// WebhookResponse is what a gateway answers.
type WebhookResponse struct {
	ProviderMessageID string `json:"providerMessageId"`
	Error             string `json:"error,omitempty"`
	Code              int    `json:"code,omitempty"`
}

// Webhook posts messages to a generic HTTP SMS gateway as JSON
type Webhook struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhook creates a Webhook transport with default HTTP client
func NewWebhook(url, token string) *Webhook {
	return &Webhook{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewWebhookWithClient creates a Webhook transport with custom HTTP client
func NewWebhookWithClient(url, token string, client *http.Client) *Webhook {
	return &Webhook{
		url:    url,
		token:  token,
		client: client,
	}
}

// Send posts the message as JSON to the gateway URL
func (w *Webhook) Send(ctx context.Context, to phone.Canonical, body string) (Receipt, error) {
	if err := checkRecipient(to); err != nil {
		return Receipt{}, err
	}

	payload, err := json.Marshal(WebhookPayload{To: string(to), Body: body})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, networkError(w.Name(), err)
	}
	defer resp.Body.Close()

	var out WebhookResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 400 || out.Error != "" {
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("webhook returned %d", resp.StatusCode)
		}
		code := out.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return Receipt{}, &TransportError{Provider: w.Name(), Code: code, Reason: reason}
	}
	if decodeErr != nil {
		return Receipt{}, &TransportError{Provider: w.Name(), Code: resp.StatusCode, Reason: "unreadable response", Err: decodeErr}
	}
	if out.ProviderMessageID == "" {
		return Receipt{}, &TransportError{Provider: w.Name(), Code: resp.StatusCode, Reason: "missing providerMessageId"}
	}

	return Receipt{Provider: w.Name(), MessageID: out.ProviderMessageID}, nil
}

// Name returns "webhook"
func (w *Webhook) Name() string {
	return "webhook"
}
