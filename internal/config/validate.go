package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, &ValidationError{Field: field, Value: value, Message: msg})
	}

	if cfg.Listen == "" {
		add("listen", cfg.Listen, "must not be empty")
	}

	switch cfg.Store.Driver {
	case StoreSQLite:
		if cfg.Store.Path == "" {
			add("store.path", cfg.Store.Path, "must be set for the sqlite driver")
		}
	case StoreMemory:
	default:
		add("store.driver", cfg.Store.Driver, "must be one of: sqlite, memory")
	}

	esc := cfg.Escalation
	if esc.FollowUpDelay <= 0 {
		add("escalation.follow_up_delay", esc.FollowUpDelay, "must be positive")
	}
	if esc.SendTimeout <= 0 {
		add("escalation.send_timeout", esc.SendTimeout, "must be positive")
	}
	if esc.MaxSendAttempts < 1 {
		add("escalation.max_send_attempts", esc.MaxSendAttempts, "must be at least 1")
	}
	if esc.EvaluateInterval < 100*time.Millisecond {
		add("escalation.evaluate_interval", esc.EvaluateInterval, "must be at least 100ms")
	}
	if esc.Parallelism < 1 {
		add("escalation.parallelism", esc.Parallelism, "must be at least 1")
	}

	if cfg.Message.AppName == "" {
		add("message.app_name", cfg.Message.AppName, "must not be empty")
	}
	if !isHTTPURL(cfg.Message.MapsBaseURL) {
		add("message.maps_base_url", cfg.Message.MapsBaseURL, "must be an http(s) URL")
	}

	errs = append(errs, validateSMS(cfg.SMS)...)

	if cfg.Telemetry.Enabled && !isHTTPURL(cfg.Telemetry.Endpoint) {
		add("telemetry.endpoint", cfg.Telemetry.Endpoint, "must be an http(s) URL when telemetry is enabled")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		add("telemetry.sample_ratio", cfg.Telemetry.SampleRatio, "must be between 0 and 1")
	}

	// LogLevel must be one of: debug, info, warn, error (case-sensitive)
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		add("log_level", cfg.LogLevel, "must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateSMS(s SMSConfig) []error {
	var errs []error
	if len(s.Backends) == 0 {
		errs = append(errs, &ValidationError{
			Field:   "sms.backends",
			Value:   s.Backends,
			Message: "must list at least one backend",
		})
	}

	seen := make(map[string]bool)
	for i, b := range s.Backends {
		name := b
		field := fmt.Sprintf("sms.backends[%d]", i)
		if seen[name] {
			errs = append(errs, &ValidationError{Field: field, Value: b, Message: "listed twice"})
			continue
		}
		seen[name] = true

		switch name {
		case BackendTerminal:
		case BackendTwilio:
			for _, f := range []struct{ field, value string }{
				{"sms.twilio.account_sid", s.Twilio.AccountSID},
				{"sms.twilio.auth_token", s.Twilio.AuthToken},
				{"sms.twilio.from", s.Twilio.From},
			} {
				if f.value == "" {
					errs = append(errs, &ValidationError{Field: f.field, Value: "", Message: "required by the twilio backend"})
				}
			}
			if s.Twilio.StatusCallback != "" && !isHTTPURL(s.Twilio.StatusCallback) {
				errs = append(errs, &ValidationError{
					Field:   "sms.twilio.status_callback",
					Value:   s.Twilio.StatusCallback,
					Message: "must be an http(s) URL",
				})
			}
		case BackendWebhook:
			if !isHTTPURL(s.Webhook.URL) {
				errs = append(errs, &ValidationError{
					Field:   "sms.webhook.url",
					Value:   s.Webhook.URL,
					Message: "must be an http(s) URL for the webhook backend",
				})
			}
		default:
			errs = append(errs, &ValidationError{
				Field:   field,
				Value:   b,
				Message: "must be one of: terminal, twilio, webhook",
			})
		}
	}
	return errs
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
