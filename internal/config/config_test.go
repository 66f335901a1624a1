package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("CEREBRAS_API_KEY", "cb")
	t.Setenv("SARVAM_API_KEY", "sv")
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("TTS_PROVIDER", "")
	t.Setenv("STORE_PROVIDER", "")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, "dg", cfg.STT.APIKey)
	assert.Equal(t, "cb", cfg.LLM.APIKey)
	assert.Equal(t, "sv", cfg.TTS.APIKey)
	assert.Equal(t, 8000, cfg.TTS.SampleRate)
	assert.Equal(t, 40, cfg.TTS.PacketMs)
}

func TestLoad_MissingCredentialIsConfigurationError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEEPGRAM_API_KEY", "")
	t.Setenv("SARVAM_API_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Len(t, cerr.Problems, 2)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
http_address: ":9090"
rate_limit:
  connections_per_minute: 5
  connections_per_hour: 50
  backoff_base: 2s
  backoff_cap: 30s
tts:
  packet_ms: 20
session:
  greeting: "Namaste"
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddress)
	assert.Equal(t, 5, cfg.RateLimit.ConnectionsPerMinute)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.BackoffBase)
	assert.Equal(t, 20, cfg.TTS.PacketMs)
	assert.Equal(t, "Namaste", cfg.Session.Greeting)
	// untouched sections keep defaults
	assert.Equal(t, "nova-2", cfg.STT.Model)
}

func TestLoad_ProviderSpecificKeys(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "gm")
	t.Setenv("TTS_PROVIDER", "elevenlabs")
	t.Setenv("ELEVENLABS_API_KEY", "el")
	t.Setenv("TTS_VOICE_ID", "voice-1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gm", cfg.LLM.APIKey)
	assert.Equal(t, "el", cfg.TTS.APIKey)
	assert.Equal(t, "voice-1", cfg.TTS.VoiceID)
}

func TestValidate_SectionErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad_packet_bounds", func(c *Config) { c.TTS.MinPacketBytes = 900 }},
		{"bad_backoff", func(c *Config) { c.RateLimit.BackoffCap = time.Millisecond }},
		{"bad_phrase_bounds", func(c *Config) { c.LLM.MinClauseChars = 500 }},
		{"unknown_store", func(c *Config) { c.Store.Provider = "s3" }},
		{"postgres_without_dsn", func(c *Config) { c.Store.Provider = "postgres" }},
		{"empty_fallback", func(c *Config) { c.Session.FallbackPhrase = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.STT.APIKey, cfg.LLM.APIKey, cfg.TTS.APIKey = "a", "b", "c"
			require.NoError(t, cfg.Validate())
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
