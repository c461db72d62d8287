package daemon

import (
	"io"
	"log"
	"net/url"

	"github.com/RevCBH/safewalk/internal/config"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/sms"
)

// alertEvents are the events still logged at warn level.
var alertEvents = []events.EventType{
	events.TierFired,
	events.SmsFailed,
	events.SmsGaveUp,
	events.SessionDegraded,
	events.EvaluateFailed,
}

// failureEvents are the events still logged at error level.
var failureEvents = []events.EventType{
	events.SmsGaveUp,
	events.SessionDegraded,
	events.EvaluateFailed,
}

func smsConfig(cfg *config.Config) sms.Config {
	return sms.Config{
		Backends: cfg.SMS.Backends,
		Twilio: sms.TwilioConfig{
			AccountSID:     cfg.SMS.Twilio.AccountSID,
			AuthToken:      cfg.SMS.Twilio.AuthToken,
			From:           cfg.SMS.Twilio.From,
			StatusCallback: cfg.SMS.Twilio.StatusCallback,
			BaseURL:        cfg.SMS.Twilio.BaseURL,
		},
		WebhookURL:   cfg.SMS.Webhook.URL,
		WebhookToken: cfg.SMS.Webhook.Token,
	}
}

// eventLogHandler picks what the event stream logs for a level.
func eventLogHandler(level string, w io.Writer, jsonMode bool) events.Handler {
	var h events.Handler
	if jsonMode {
		h = events.JSONEmitterHandler(events.NewJSONEmitter(w))
	} else {
		h = events.LogHandler(events.LogConfig{
			Writer:         w,
			IncludePayload: level == "debug",
		})
	}

	switch level {
	case "warn":
		return events.FilterHandler(h, alertEvents...)
	case "error":
		return events.FilterHandler(h, failureEvents...)
	default:
		return h
	}
}

// engineLogger is silenced above info; events still carry failures.
func engineLogger(level string, w io.Writer) *log.Logger {
	if level == "warn" || level == "error" {
		w = io.Discard
	}
	return log.New(w, "[engine] ", log.LstdFlags)
}

// origin returns scheme://host of a URL, or "" when it does not parse.
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
