// Package config provides configuration management for the block engine.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SWAI-Ltd/blockengine/internal/auth"
	"github.com/SWAI-Ltd/blockengine/internal/engine"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLOCK_ENGINE_"

// Config represents the block engine configuration.
type Config struct {
	SearcherAddr  string `yaml:"searcher_addr"`
	ValidatorAddr string `yaml:"validator_addr"`
	AuthAddr      string `yaml:"auth_addr"`
	RelayerAddr   string `yaml:"relayer_addr"` // empty disables packet injection
	MetricsAddr   string `yaml:"metrics_addr"` // empty disables /metrics

	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	FeeInfo   FeeInfoConfig   `yaml:"fee_info"`
	Auth      AuthConfig      `yaml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// TLSConfig points at a certificate pair. Both empty means self-signed.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// EngineConfig sizes the relay queues.
type EngineConfig struct {
	PacketQueueSize  int `yaml:"packet_queue_size"`
	BundleQueueSize  int `yaml:"bundle_queue_size"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// FeeInfoConfig is returned verbatim to validators.
type FeeInfoConfig struct {
	Pubkey     string `yaml:"pubkey"`
	Commission uint64 `yaml:"commission"`
}

// AuthConfig controls token issuance and enforcement.
type AuthConfig struct {
	Required     bool          `yaml:"required"`
	KeyFile      string        `yaml:"key_file"` // generated on first run; empty uses an ephemeral key
	AccessTTL    time.Duration `yaml:"access_ttl"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns a default configuration.
func Default() *Config {
	a := auth.DefaultConfig()
	e := engine.DefaultConfig()
	return &Config{
		SearcherAddr:  "0.0.0.0:1234",
		ValidatorAddr: "0.0.0.0:1003",
		AuthAddr:      "0.0.0.0:1005",
		RelayerAddr:   "127.0.0.1:1006",
		MetricsAddr:   "127.0.0.1:9090",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			PacketQueueSize:  e.PacketQueueSize,
			BundleQueueSize:  e.BundleQueueSize,
			SubscriberBuffer: e.SubscriberBuffer,
		},
		FeeInfo: FeeInfoConfig{
			Pubkey:     e.FeeInfo.Pubkey,
			Commission: e.FeeInfo.Commission,
		},
		Auth: AuthConfig{
			Required:     false,
			KeyFile:      filepath.Join(DefaultDir(), "auth.key"),
			AccessTTL:    a.AccessTTL,
			RefreshTTL:   a.RefreshTTL,
			ChallengeTTL: a.ChallengeTTL,
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Instance: "block-engine",
		},
	}
}

// DefaultDir returns the directory holding the config and key files.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".blockengine")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Load loads the configuration from a file. Fields missing from the file keep
// their defaults, and a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from BLOCK_ENGINE_* environment variables.
func ApplyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("SEARCHER_ADDR", &cfg.SearcherAddr)
	str("VALIDATOR_ADDR", &cfg.ValidatorAddr)
	str("AUTH_ADDR", &cfg.AuthAddr)
	str("RELAYER_ADDR", &cfg.RelayerAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("FEE_PUBKEY", &cfg.FeeInfo.Pubkey)
	str("AUTH_KEY_FILE", &cfg.Auth.KeyFile)

	if v, ok := os.LookupEnv(EnvPrefix + "AUTH_REQUIRED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTH_REQUIRED: %w", EnvPrefix, err)
		}
		cfg.Auth.Required = b
	}
	if v, ok := os.LookupEnv(EnvPrefix + "COMMISSION"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCOMMISSION: %w", EnvPrefix, err)
		}
		cfg.FeeInfo.Commission = n
	}
	return nil
}

// Validate checks the configuration for values the engine cannot run with.
func Validate(cfg *Config) error {
	var errs []error
	addr := func(name, v string, optional bool) {
		if v == "" {
			if !optional {
				errs = append(errs, fmt.Errorf("%s is required", name))
			}
			return
		}
		if _, _, err := net.SplitHostPort(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	addr("searcher_addr", cfg.SearcherAddr, false)
	addr("validator_addr", cfg.ValidatorAddr, false)
	addr("auth_addr", cfg.AuthAddr, false)
	addr("relayer_addr", cfg.RelayerAddr, true)
	addr("metrics_addr", cfg.MetricsAddr, true)

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := cfg.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	if cfg.Engine.PacketQueueSize <= 0 || cfg.Engine.BundleQueueSize <= 0 || cfg.Engine.SubscriberBuffer <= 0 {
		errs = append(errs, errors.New("engine queue sizes must be positive"))
	}
	if cfg.FeeInfo.Pubkey == "" {
		errs = append(errs, errors.New("fee_info.pubkey is required"))
	}
	if cfg.FeeInfo.Commission > 100 {
		errs = append(errs, fmt.Errorf("fee_info.commission must be at most 100, got %d", cfg.FeeInfo.Commission))
	}
	if cfg.Auth.AccessTTL <= 0 || cfg.Auth.RefreshTTL <= 0 || cfg.Auth.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("auth TTLs must be positive"))
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// EngineConfig converts to the engine's configuration.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		PacketQueueSize:  c.Engine.PacketQueueSize,
		BundleQueueSize:  c.Engine.BundleQueueSize,
		SubscriberBuffer: c.Engine.SubscriberBuffer,
		FeeInfo: engine.FeeInfo{
			Pubkey:     c.FeeInfo.Pubkey,
			Commission: c.FeeInfo.Commission,
		},
	}
}

// AuthConfig converts to the auth service's configuration.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		AccessTTL:    c.Auth.AccessTTL,
		RefreshTTL:   c.Auth.RefreshTTL,
		ChallengeTTL: c.Auth.ChallengeTTL,
	}
}
