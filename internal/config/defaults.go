package config

import "time"

const (
	DefaultListen           = "127.0.0.1:8765"
	DefaultStoreDriver      = StoreSQLite
	DefaultDBPath           = "~/.safewalk/safewalk.db"
	DefaultFollowUpDelay    = 10 * time.Minute
	DefaultSendTimeout      = 10 * time.Second
	DefaultMaxSendAttempts  = 3
	DefaultEvaluateInterval = time.Second
	DefaultParallelism      = 4
	DefaultAppName          = "SafeWalk"
	DefaultMapsBaseURL      = "https://www.google.com/maps?q="
	DefaultLogLevel         = "info"
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Listen: DefaultListen,
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultDBPath,
		},
		Escalation: EscalationConfig{
			FollowUpDelay:    DefaultFollowUpDelay,
			SendTimeout:      DefaultSendTimeout,
			MaxSendAttempts:  DefaultMaxSendAttempts,
			EvaluateInterval: DefaultEvaluateInterval,
			Parallelism:      DefaultParallelism,
		},
		Message: MessageConfig{
			AppName:     DefaultAppName,
			MapsBaseURL: DefaultMapsBaseURL,
		},
		SMS: SMSConfig{
			Backends: []string{BackendTerminal},
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
		LogLevel: DefaultLogLevel,
	}
}
