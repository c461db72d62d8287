package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safewalk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, validateConfig(cfg))

	assert.Equal(t, "127.0.0.1:8765", cfg.Listen)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Escalation.FollowUpDelay)
	assert.Equal(t, 10*time.Second, cfg.Escalation.SendTimeout)
	assert.Equal(t, 3, cfg.Escalation.MaxSendAttempts)
	assert.Equal(t, time.Second, cfg.Escalation.EvaluateInterval)
	assert.Equal(t, 4, cfg.Escalation.Parallelism)
	assert.Equal(t, []string{BackendTerminal}, cfg.SMS.Backends)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".safewalk", "safewalk.db"), cfg.Store.Path)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: 0.0.0.0:9000
store:
  driver: memory
escalation:
  follow_up_delay: 5m
  send_timeout: 3s
  max_send_attempts: 5
sms:
  backends: [twilio, terminal]
  twilio:
    account_sid: AC123
    auth_token: secret
    from: "+33700000000"
    status_callback: https://safewalk.example/api/webhooks/sms-status
message:
  app_name: MonRetour
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.FollowUpDelay)
	assert.Equal(t, 3*time.Second, cfg.Escalation.SendTimeout)
	assert.Equal(t, 5, cfg.Escalation.MaxSendAttempts)
	assert.Equal(t, 4, cfg.Escalation.Parallelism, "unset keys keep defaults")
	assert.Equal(t, []string{"twilio", "terminal"}, cfg.SMS.Backends)
	assert.Equal(t, "AC123", cfg.SMS.Twilio.AccountSID)
	assert.Equal(t, "MonRetour", cfg.Message.AppName)
	assert.Equal(t, DefaultMapsBaseURL, cfg.Message.MapsBaseURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.HasBackend(BackendTwilio))
	assert.False(t, cfg.HasBackend(BackendWebhook))
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "listen: 0.0.0.0:9000\nlog_level: warn\n")
	dbPath := filepath.Join(t.TempDir(), "walk.db")

	t.Setenv("SAFEWALK_LISTEN", "127.0.0.1:7000")
	t.Setenv("SAFEWALK_DB", dbPath)
	t.Setenv("SAFEWALK_FOLLOW_UP_DELAY", "90s")
	t.Setenv("SAFEWALK_PARALLELISM", "8")
	t.Setenv("SAFEWALK_SMS_BACKENDS", "webhook,terminal")
	t.Setenv("SAFEWALK_SMS_WEBHOOK_URL", "https://gateway.example/send")
	t.Setenv("SAFEWALK_OTEL_ENABLED", "true")
	t.Setenv("SAFEWALK_OTEL_ENDPOINT", "http://localhost:4318")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel, "unset env keeps file value")
	assert.Equal(t, dbPath, cfg.Store.Path)
	assert.Equal(t, 90*time.Second, cfg.Escalation.FollowUpDelay)
	assert.Equal(t, 8, cfg.Escalation.Parallelism)
	assert.Equal(t, []string{"webhook", "terminal"}, cfg.SMS.Backends)
	assert.Equal(t, "https://gateway.example/send", cfg.SMS.Webhook.URL)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_TelemetrySection(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, "telemetry:\n  enabled: true\n  endpoint: http://collector:4318\n  sample_ratio: 0.25\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, TelemetryConfig{Enabled: true, Endpoint: "http://collector:4318", SampleRatio: 0.25}, cfg.Telemetry)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SAFEWALK_MAX_SEND_ATTEMPTS", "three")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "escalation:\n  parallelism: 0\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escalation.parallelism")
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/camille")

	assert.Equal(t, "/home/camille", expandHome("~"))
	assert.Equal(t, "/home/camille/.safewalk/x.db", expandHome("~/.safewalk/x.db"))
	assert.Equal(t, "/var/lib/safewalk.db", expandHome("/var/lib/safewalk.db"))
	assert.Equal(t, "~other/x", expandHome("~other/x"))
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("HOME", "/home/camille")
	assert.True(t, strings.HasSuffix(DefaultConfigPath(), "/home/camille/.safewalk/safewalk.yaml"))
}
