package sms

import "fmt"

// Config holds carrier configuration
type Config struct {
	// Backends lists transports in fallback order.
	Backends []string

	Twilio TwilioConfig

	WebhookURL   string
	WebhookToken string
}

// FromConfig creates a Transport from configuration
func FromConfig(cfg Config) (Transport, error) {
	var transports []Transport

	for _, backend := range cfg.Backends {
		switch backend {
		case "terminal":
			transports = append(transports, NewTerminal())
		case "twilio":
			if cfg.Twilio.AccountSID == "" || cfg.Twilio.AuthToken == "" {
				return nil, fmt.Errorf("twilio backend requires account sid and auth token")
			}
			if cfg.Twilio.From == "" {
				return nil, fmt.Errorf("twilio backend requires a sender number")
			}
			transports = append(transports, NewTwilio(cfg.Twilio))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("webhook backend requires URL")
			}
			transports = append(transports, NewWebhook(cfg.WebhookURL, cfg.WebhookToken))
		default:
			return nil, fmt.Errorf("unknown sms backend: %s", backend)
		}
	}

	if len(transports) == 0 {
		return NewTerminal(), nil
	}

	if len(transports) == 1 {
		return transports[0], nil
	}

	return NewFallback(transports...), nil
}
