package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/blockengine/internal/engine"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	ec := cfg.EngineConfig()
	assert.Equal(t, engine.DefaultPacketQueueSize, ec.PacketQueueSize)
	assert.Equal(t, engine.DefaultBundleQueueSize, ec.BundleQueueSize)
	assert.Equal(t, engine.DefaultSubscriberBuffer, ec.SubscriberBuffer)
	assert.Equal(t, engine.FeeInfo{Pubkey: engine.DefaultFeePubkey, Commission: engine.DefaultCommission}, ec.FeeInfo)
	assert.Equal(t, 30*time.Minute, cfg.AuthConfig().AccessTTL)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.SearcherAddr = "127.0.0.1:4000"
	cfg.Auth.Required = true
	cfg.Auth.AccessTTL = 5 * time.Minute
	cfg.FeeInfo.Commission = 7

	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("validator_addr: 127.0.0.1:7000\nengine:\n  bundle_queue_size: 8\nauth:\n  refresh_ttl: 2h\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ValidatorAddr)
	assert.Equal(t, 8, cfg.Engine.BundleQueueSize)
	assert.Equal(t, engine.DefaultPacketQueueSize, cfg.Engine.PacketQueueSize)
	assert.Equal(t, 2*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, Default().SearcherAddr, cfg.SearcherAddr)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [1, 2"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"SEARCHER_ADDR", "127.0.0.1:9999")
	t.Setenv(EnvPrefix+"AUTH_REQUIRED", "true")
	t.Setenv(EnvPrefix+"COMMISSION", "12")
	t.Setenv(EnvPrefix+"LOG_FORMAT", "json")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "127.0.0.1:9999", cfg.SearcherAddr)
	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, uint64(12), cfg.FeeInfo.Commission)
	assert.Equal(t, "json", cfg.Log.Format)

	t.Setenv(EnvPrefix+"COMMISSION", "lots")
	assert.Error(t, ApplyEnv(Default()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing searcher addr", func(c *Config) { c.SearcherAddr = "" }},
		{"bad validator addr", func(c *Config) { c.ValidatorAddr = "nohost" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero queue", func(c *Config) { c.Engine.PacketQueueSize = 0 }},
		{"commission", func(c *Config) { c.FeeInfo.Commission = 101 }},
		{"ttl", func(c *Config) { c.Auth.ChallengeTTL = 0 }},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	cfg := Default()
	cfg.RelayerAddr = ""
	cfg.MetricsAddr = ""
	assert.NoError(t, Validate(cfg), "optional listeners may be disabled")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
}
