package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Capture.Interval)
	assert.Equal(t, time.Second, cfg.Capture.LivenessInterval)
	assert.Equal(t, 20*time.Second, cfg.Capture.UploadTimeout)
	assert.Equal(t, 1280, cfg.Capture.TargetWidth)
	assert.Equal(t, 500, cfg.Sessions.MaxPerQuiz)
	assert.Equal(t, 3*time.Hour, cfg.Sessions.DefaultTimeout)
	assert.Equal(t, "chrome", cfg.Sessions.DefaultSource)
	assert.Equal(t, 15*time.Minute, cfg.Sessions.Retention)
	assert.True(t, cfg.Browser.Enabled)
	assert.False(t, cfg.Desktop.Enabled)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.RabbitMQ.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("INVIGILATOR_SERVER_ADDR", ":9000")
	t.Setenv("INVIGILATOR_CAPTURE_INTERVAL", "45s")
	t.Setenv("INVIGILATOR_CAPTURE_TARGET_WIDTH", "640")
	t.Setenv("INVIGILATOR_SESSIONS_MAX_PER_QUIZ", "20")
	t.Setenv("INVIGILATOR_DESKTOP_ENABLED", "true")
	t.Setenv("INVIGILATOR_DESKTOP_DISPLAY", "1")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Capture.Interval)
	assert.Equal(t, 640, cfg.Capture.TargetWidth)
	assert.Equal(t, 20, cfg.Sessions.MaxPerQuiz)
	assert.True(t, cfg.Desktop.Enabled)
	assert.Equal(t, 1, cfg.Desktop.Display)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("INVIGILATOR_COLLECTOR_TOKEN=from-file\nINVIGILATOR_RATELIMIT_BURST=7\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("INVIGILATOR_COLLECTOR_TOKEN")
		os.Unsetenv("INVIGILATOR_RATELIMIT_BURST")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Collector.Token)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"zero interval", "INVIGILATOR_CAPTURE_INTERVAL", "0s"},
		{"width too large", "INVIGILATOR_CAPTURE_TARGET_WIDTH", "10000"},
		{"bad collector url", "INVIGILATOR_COLLECTOR_URL", "not a url"},
		{"unknown log level", "INVIGILATOR_LOG_LEVEL", "loud"},
		{"unknown default source", "INVIGILATOR_SESSIONS_DEFAULT_SOURCE", "webcam"},
		{"rabbitmq without url", "INVIGILATOR_RABBITMQ_ENABLED", "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load(missingEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresAnEnabledSource(t *testing.T) {
	t.Setenv("INVIGILATOR_BROWSER_ENABLED", "false")
	_, err := Load(missingEnvFile(t))
	assert.ErrorContains(t, err, "at least one")

	t.Setenv("INVIGILATOR_DESKTOP_ENABLED", "true")
	_, err = Load(missingEnvFile(t))
	assert.ErrorContains(t, err, "default source")

	t.Setenv("INVIGILATOR_SESSIONS_DEFAULT_SOURCE", "desktop")
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, "desktop", cfg.Sessions.DefaultSource)
}

func TestValidateReceiver(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateReceiver())

	cfg.Receiver.Token = "ws-token"
	assert.NoError(t, cfg.ValidateReceiver())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LogConfig{Level: "warn", Format: "json"})

	log.Info("hidden")
	log.Warn("shown", "quiz_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"quiz_id":7`)
}
