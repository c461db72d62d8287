package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// SMS backends, tried in the order they are listed.
const (
	BackendTerminal = "terminal"
	BackendTwilio   = "twilio"
	BackendWebhook  = "webhook"
)

// Config holds all configuration for the SafeWalk service.
// It is immutable after creation via Load().
type Config struct {
	// Listen is the HTTP API address
	Listen string `yaml:"listen" env:"SAFEWALK_LISTEN"`

	// Store selects session and ledger persistence
	Store StoreConfig `yaml:"store"`

	// Escalation tunes the alert ladder and delivery retries
	Escalation EscalationConfig `yaml:"escalation"`

	// Message controls composed SMS text
	Message MessageConfig `yaml:"message"`

	// SMS configures the carrier backends
	SMS SMSConfig `yaml:"sms"`

	// Telemetry configures OpenTelemetry trace export
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" env:"SAFEWALK_LOG_LEVEL"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "memory"
	Driver string `yaml:"driver" env:"SAFEWALK_STORE"`

	// Path is the SQLite database file. A leading ~ expands to $HOME.
	Path string `yaml:"path" env:"SAFEWALK_DB"`
}

// EscalationConfig controls timing and retries.
type EscalationConfig struct {
	// FollowUpDelay is the wait between the overdue alert and the follow-up
	FollowUpDelay time.Duration `yaml:"follow_up_delay" env:"SAFEWALK_FOLLOW_UP_DELAY"`

	// SendTimeout bounds each carrier call
	SendTimeout time.Duration `yaml:"send_timeout" env:"SAFEWALK_SEND_TIMEOUT"`

	// MaxSendAttempts is the number of tries per contact and tier
	MaxSendAttempts int `yaml:"max_send_attempts" env:"SAFEWALK_MAX_SEND_ATTEMPTS"`

	// EvaluateInterval is how often the scheduler evaluates open sessions
	EvaluateInterval time.Duration `yaml:"evaluate_interval" env:"SAFEWALK_EVALUATE_INTERVAL"`

	// Parallelism bounds concurrent evaluations per tick
	Parallelism int `yaml:"parallelism" env:"SAFEWALK_PARALLELISM"`
}

// MessageConfig controls message branding.
type MessageConfig struct {
	AppName     string `yaml:"app_name" env:"SAFEWALK_APP_NAME"`
	MapsBaseURL string `yaml:"maps_base_url" env:"SAFEWALK_MAPS_BASE_URL"`
}

// SMSConfig lists carrier backends and their credentials.
type SMSConfig struct {
	// Backends are tried in order until one accepts a message
	Backends []string `yaml:"backends" env:"SAFEWALK_SMS_BACKENDS" envSeparator:","`

	Twilio  TwilioConfig  `yaml:"twilio"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid" env:"SAFEWALK_TWILIO_ACCOUNT_SID"`
	AuthToken  string `yaml:"auth_token" env:"SAFEWALK_TWILIO_AUTH_TOKEN"`
	From       string `yaml:"from" env:"SAFEWALK_TWILIO_FROM"`

	// StatusCallback receives delivery reports, usually
	// https://<host>/api/webhooks/sms-status
	StatusCallback string `yaml:"status_callback" env:"SAFEWALK_TWILIO_STATUS_CALLBACK"`

	// BaseURL overrides the API root (tests, regional endpoints)
	BaseURL string `yaml:"base_url,omitempty" env:"SAFEWALK_TWILIO_BASE_URL"`
}

// WebhookConfig points at a generic JSON SMS gateway.
type WebhookConfig struct {
	URL   string `yaml:"url" env:"SAFEWALK_SMS_WEBHOOK_URL"`
	Token string `yaml:"token" env:"SAFEWALK_SMS_WEBHOOK_TOKEN"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"SAFEWALK_OTEL_ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"SAFEWALK_OTEL_ENDPOINT"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAFEWALK_OTEL_SAMPLE_RATIO"`
}

// DefaultConfigPath returns ~/.safewalk/safewalk.yaml.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), ".safewalk", "safewalk.yaml")
}

// Load reads configuration. It applies defaults, then file values, then
// environment overrides, then validates.
//
// An empty path means DefaultConfigPath(), which may be missing. An
// explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// Missing default config file is not an error (use defaults)
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// HasBackend reports whether name is among the configured SMS backends.
func (c *Config) HasBackend(name string) bool {
	for _, b := range c.SMS.Backends {
		if b == name {
			return true
		}
	}
	return false
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
