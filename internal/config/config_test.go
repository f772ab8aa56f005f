package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var configEnv = []string{
	"ASSISTANT_CONFIG", "PORT", "BACKEND_URL", "BACKEND_TIMEOUT",
	"ARK_API_KEY", "ARK_ACCESS_KEY", "ARK_SECRET_KEY", "ARK_MODEL", "ARK_BASE_URL", "ARK_REGION",
	"ARK_TEMPERATURE", "ARK_TOP_P", "ARK_MAX_TOKENS", "ARK_STREAM",
	"ASSISTANT_SYSTEM_MESSAGE", "ASSISTANT_HISTORY_LIMIT",
	"OPENAI_API_KEY", "REALTIME_TOKEN_URL", "REALTIME_BASE_URL", "REALTIME_MODEL", "REALTIME_VOICE", "REALTIME_TIMEOUT",
	"REALTIME_MODALITIES",
	"ATTACHMENT_AWAIT_PENDING", "ATTACHMENT_MAX_BYTES", "LOG_LEVEL", "LOG_PRETTY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.False(t, cfg.Backend.Enabled())
	require.False(t, cfg.AI.Enabled())
	require.False(t, cfg.Realtime.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("BACKEND_URL", "http://localhost:7000/")
	t.Setenv("BACKEND_TIMEOUT", "5")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("ARK_MODEL", "doubao")
	t.Setenv("ARK_TEMPERATURE", "0.3")
	t.Setenv("ARK_MAX_TOKENS", "512")
	t.Setenv("ARK_STREAM", "false")
	t.Setenv("ASSISTANT_HISTORY_LIMIT", "0")
	t.Setenv("REALTIME_TOKEN_URL", "http://localhost:7000/token")
	t.Setenv("REALTIME_TIMEOUT", "1m")
	t.Setenv("REALTIME_MODALITIES", " text , ,audio")
	t.Setenv("ATTACHMENT_AWAIT_PENDING", "true")
	t.Setenv("ATTACHMENT_MAX_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "http://localhost:7000", cfg.Backend.URL)
	require.Equal(t, 5*time.Second, cfg.Backend.Timeout)
	require.True(t, cfg.AI.Enabled())
	require.InDelta(t, 0.3, *cfg.AI.Temperature, 1e-9)
	require.Equal(t, 512, *cfg.AI.MaxTokens)
	require.False(t, cfg.AI.StreamResponse)
	require.Equal(t, 1, cfg.AI.HistoryLimit)
	// a local token proxy needs no API key
	require.True(t, cfg.Realtime.Enabled())
	require.Equal(t, time.Minute, cfg.Realtime.Timeout)
	require.Equal(t, []string{"text", "audio"}, cfg.Realtime.Modalities)
	require.True(t, cfg.Attachments.AwaitPending)
	require.EqualValues(t, 1024, cfg.Attachments.MaxBytes)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: 127.0.0.1:7777
backend:
  url: http://backend
  timeout: 45s
log:
  level: debug
  pretty: true
realtime:
  modalities: [text]
`), 0o600))
	t.Setenv("ASSISTANT_CONFIG", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.Server.Addr)
	require.Equal(t, "http://backend", cfg.Backend.URL)
	require.Equal(t, 45*time.Second, cfg.Backend.Timeout)
	require.Equal(t, "warn", cfg.Log.Level)
	require.True(t, cfg.Log.Pretty)
	require.Equal(t, []string{"text"}, cfg.Realtime.Modalities)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                     "80 80",
		"ARK_TEMPERATURE":          "warm",
		"ARK_STREAM":               "maybe",
		"BACKEND_TIMEOUT":          "soon",
		"ATTACHMENT_MAX_BYTES":     "lots",
		"ATTACHMENT_AWAIT_PENDING": "perhaps",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestRealtimeEnabledRequiresKeyForOpenAI(t *testing.T) {
	rt := Default().Realtime
	require.False(t, rt.Enabled())
	rt.APIKey = "sk-test"
	require.True(t, rt.Enabled())
}
