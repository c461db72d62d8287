package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RevCBH/safewalk/internal/phone"
)

// DefaultTwilioBaseURL is the Twilio REST API root.
const DefaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds account credentials and sender identity.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string

	// StatusCallback receives delivery reports; optional.
	StatusCallback string

	// BaseURL overrides the API root, mainly for tests.
	BaseURL string
}

// Twilio sends messages through the Twilio Programmable Messaging API.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

// NewTwilio creates a Twilio transport with default HTTP client
func NewTwilio(cfg TwilioConfig) *Twilio {
	return NewTwilioWithClient(cfg, &http.Client{
		Timeout: 10 * time.Second,
	})
}

// NewTwilioWithClient creates a Twilio transport with custom HTTP client
func NewTwilioWithClient(cfg TwilioConfig, client *http.Client) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Twilio{cfg: cfg, client: client}
}

// twilioMessage is the subset of the Message resource we read.
type twilioMessage struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

// twilioError is the body Twilio returns on 4xx/5xx.
type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Send posts one message to the Messages resource.
func (t *Twilio) Send(ctx context.Context, to phone.Canonical, body string) (Receipt, error) {
	if err := checkRecipient(to); err != nil {
		return Receipt{}, err
	}

	form := url.Values{}
	form.Set("To", string(to))
	form.Set("From", t.cfg.From)
	form.Set("Body", body)
	if t.cfg.StatusCallback != "" {
		form.Set("StatusCallback", t.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.cfg.BaseURL, url.PathEscape(t.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Receipt{}, fmt.Errorf("create twilio request: %w", err)
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Receipt{}, networkError(t.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Receipt{}, networkError(t.Name(), err)
	}

	if resp.StatusCode >= 400 {
		var apiErr twilioError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return Receipt{}, &TransportError{Provider: t.Name(), Code: apiErr.Code, Reason: apiErr.Message}
		}
		return Receipt{}, &TransportError{
			Provider: t.Name(),
			Code:     resp.StatusCode,
			Reason:   fmt.Sprintf("twilio returned %d", resp.StatusCode),
		}
	}

	var msg twilioMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Receipt{}, &TransportError{Provider: t.Name(), Code: resp.StatusCode, Reason: "unreadable response", Err: err}
	}
	if msg.ErrorCode != nil && *msg.ErrorCode != 0 {
		reason := "message rejected"
		if msg.ErrorMessage != nil {
			reason = *msg.ErrorMessage
		}
		return Receipt{}, &TransportError{Provider: t.Name(), Code: *msg.ErrorCode, Reason: reason}
	}
	if msg.SID == "" {
		return Receipt{}, &TransportError{Provider: t.Name(), Code: resp.StatusCode, Reason: "missing message sid"}
	}

	return Receipt{Provider: t.Name(), MessageID: msg.SID}, nil
}

// Name returns "twilio"
func (t *Twilio) Name() string {
	return "twilio"
}
