package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"proofpay/native/escrow"
	"proofpay/storage"
)

// Duration wraps time.Duration so both TOML and YAML accept strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// Config captures runtime configuration for escrowd.
type Config struct {
	ListenAddress   string          `toml:"listen" yaml:"listen"`
	GRPCAddress     string          `toml:"grpc_listen" yaml:"grpc_listen"`
	Environment     string          `toml:"environment" yaml:"environment"`
	ShutdownTimeout Duration        `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	Storage         StorageConfig   `toml:"storage" yaml:"storage"`
	Escrow          EscrowConfig    `toml:"escrow" yaml:"escrow"`
	Custody         CustodyConfig   `toml:"custody" yaml:"custody"`
	Auth            AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit       RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	CORS            CORSConfig      `toml:"cors" yaml:"cors"`
	Logging         LoggingConfig   `toml:"logging" yaml:"logging"`
	Telemetry       TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// StorageConfig selects the registry backend.
type StorageConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
	DSN     string `toml:"dsn" yaml:"dsn"`
}

// Options converts the section into storage.Open options.
func (s StorageConfig) Options() storage.Options {
	return storage.Options{Backend: s.Backend, Path: s.Path, DSN: s.DSN}
}

// EscrowConfig carries engine settings. Asset, when set, initializes an
// empty registry at startup.
type EscrowConfig struct {
	Asset            string   `toml:"asset" yaml:"asset"`
	CustodyAddress   string   `toml:"custody_address" yaml:"custody_address"`
	RetentionWindow  Duration `toml:"retention_window" yaml:"retention_window"`
	RetentionRefresh Duration `toml:"retention_refresh" yaml:"retention_refresh"`
}

// Custody modes.
const (
	CustodyLocal  = "local"
	CustodyRemote = "remote"
)

// CustodyConfig selects the ledger that holds escrowed value.
type CustodyConfig struct {
	Mode     string   `toml:"mode" yaml:"mode"`
	Endpoint string   `toml:"endpoint" yaml:"endpoint"`
	Token    string   `toml:"token" yaml:"token"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
	// ServeRPC exposes the local ledger over JSON-RPC for other daemons.
	ServeRPC bool `toml:"serve_rpc" yaml:"serve_rpc"`
}

// Auth modes.
const (
	AuthSignature = "signature"
	AuthJWT       = "jwt"
	AuthAny       = "any"
)

// AuthConfig controls caller authentication.
type AuthConfig struct {
	Mode          string   `toml:"mode" yaml:"mode"`
	TimestampSkew Duration `toml:"timestamp_skew" yaml:"timestamp_skew"`
	NonceTTL      Duration `toml:"nonce_ttl" yaml:"nonce_ttl"`
	NonceCapacity int      `toml:"nonce_capacity" yaml:"nonce_capacity"`
	NoncePath     string   `toml:"nonce_path" yaml:"nonce_path"`
	JWTSecret     string   `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer     string   `toml:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience   string   `toml:"jwt_audience" yaml:"jwt_audience"`
	AdminToken    string   `toml:"admin_token" yaml:"admin_token"`
}

// RateLimitConfig bounds per-client request rates for reads and writes.
type RateLimitConfig struct {
	ReadPerMinute  float64 `toml:"read_per_minute" yaml:"read_per_minute"`
	WritePerMinute float64 `toml:"write_per_minute" yaml:"write_per_minute"`
	Burst          int     `toml:"burst" yaml:"burst"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level"`
	File        string `toml:"file" yaml:"file"`
	MaxSizeMB   int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress    bool   `toml:"compress" yaml:"compress"`
	LogRequests bool   `toml:"log_requests" yaml:"log_requests"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Traces      bool    `toml:"traces" yaml:"traces"`
	Metrics     bool    `toml:"metrics" yaml:"metrics"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	Headers     string  `toml:"headers" yaml:"headers"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// Load reads configuration from path, applies defaults and PROOFPAY_*
// environment overrides, then validates. An empty path yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		return fmt.Errorf("config file %s: unsupported extension", path)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.GRPCAddress == "" {
		cfg.GRPCAddress = ":9090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ShutdownTimeout.Duration == 0 {
		cfg.ShutdownTimeout.Duration = 15 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != storage.BackendMemory && cfg.Storage.Backend != storage.BackendPostgres {
		cfg.Storage.Path = filepath.Join("data", "escrow."+cfg.Storage.Backend)
	}
	if cfg.Escrow.RetentionWindow.Duration == 0 {
		cfg.Escrow.RetentionWindow.Duration = 15_768_000 * time.Second
	}
	if cfg.Escrow.RetentionRefresh.Duration == 0 {
		cfg.Escrow.RetentionRefresh.Duration = 24 * time.Hour
	}
	if cfg.Custody.Mode == "" {
		cfg.Custody.Mode = CustodyLocal
	}
	if cfg.Custody.Timeout.Duration == 0 {
		cfg.Custody.Timeout.Duration = 10 * time.Second
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthSignature
	}
	if cfg.Auth.TimestampSkew.Duration == 0 {
		cfg.Auth.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.Auth.NonceTTL.Duration == 0 {
		cfg.Auth.NonceTTL.Duration = 10 * time.Minute
	}
	if cfg.Auth.NonceCapacity == 0 {
		cfg.Auth.NonceCapacity = 4096
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

var envOverrides = map[string]func(*Config, string) error{
	"PROOFPAY_LISTEN":          func(c *Config, v string) error { c.ListenAddress = v; return nil },
	"PROOFPAY_GRPC_LISTEN":     func(c *Config, v string) error { c.GRPCAddress = v; return nil },
	"PROOFPAY_ENV":             func(c *Config, v string) error { c.Environment = v; return nil },
	"PROOFPAY_STORAGE_BACKEND": func(c *Config, v string) error { c.Storage.Backend = v; return nil },
	"PROOFPAY_STORAGE_PATH":    func(c *Config, v string) error { c.Storage.Path = v; return nil },
	"PROOFPAY_STORAGE_DSN":     func(c *Config, v string) error { c.Storage.DSN = v; return nil },
	"PROOFPAY_ESCROW_ASSET":    func(c *Config, v string) error { c.Escrow.Asset = v; return nil },
	"PROOFPAY_CUSTODY_MODE":    func(c *Config, v string) error { c.Custody.Mode = v; return nil },
	"PROOFPAY_CUSTODY_ENDPOINT": func(c *Config, v string) error {
		c.Custody.Endpoint = v
		return nil
	},
	"PROOFPAY_CUSTODY_TOKEN": func(c *Config, v string) error { c.Custody.Token = v; return nil },
	"PROOFPAY_AUTH_MODE":     func(c *Config, v string) error { c.Auth.Mode = v; return nil },
	"PROOFPAY_JWT_SECRET":    func(c *Config, v string) error { c.Auth.JWTSecret = v; return nil },
	"PROOFPAY_ADMIN_TOKEN":   func(c *Config, v string) error { c.Auth.AdminToken = v; return nil },
	"PROOFPAY_LOG_LEVEL":     func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"PROOFPAY_RETENTION_WINDOW": func(c *Config, v string) error {
		return c.Escrow.RetentionWindow.UnmarshalText([]byte(v))
	},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	for key, apply := range envOverrides {
		value, ok := lookup(key)
		if !ok {
			continue
		}
		if err := apply(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address required")
	}
	switch c.Storage.Backend {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path required for %s", c.Storage.Backend)
		}
	case storage.BackendSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" && strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.path or storage.dsn required for sqlite")
		}
	case storage.BackendPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Escrow.Asset != "" {
		if _, err := escrow.NormalizeAsset(c.Escrow.Asset); err != nil {
			return fmt.Errorf("escrow.asset: %w", err)
		}
	}
	if c.Escrow.CustodyAddress != "" {
		if _, err := escrow.ParseAddress(c.Escrow.CustodyAddress); err != nil {
			return fmt.Errorf("escrow.custody_address: %w", err)
		}
	}
	if c.Escrow.RetentionWindow.Duration < time.Second {
		return errors.New("escrow.retention_window must be at least 1s")
	}
	if c.Escrow.RetentionRefresh.Duration <= 0 || c.Escrow.RetentionRefresh.Duration >= c.Escrow.RetentionWindow.Duration {
		return errors.New("escrow.retention_refresh must be positive and shorter than the retention window")
	}
	switch c.Custody.Mode {
	case CustodyLocal:
		if c.Custody.ServeRPC && strings.TrimSpace(c.Custody.Token) == "" {
			return errors.New("custody.token required when custody.serve_rpc is enabled")
		}
	case CustodyRemote:
		if strings.TrimSpace(c.Custody.Endpoint) == "" {
			return errors.New("custody.endpoint required for remote custody")
		}
		if c.Custody.ServeRPC {
			return errors.New("custody.serve_rpc requires local custody")
		}
	default:
		return fmt.Errorf("unknown custody mode %q", c.Custody.Mode)
	}
	switch c.Auth.Mode {
	case AuthSignature:
	case AuthJWT, AuthAny:
		if strings.TrimSpace(c.Auth.JWTSecret) == "" {
			return fmt.Errorf("auth.jwt_secret required for %s mode", c.Auth.Mode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if c.Auth.NonceCapacity < 0 {
		return errors.New("auth.nonce_capacity must not be negative")
	}
	if c.RateLimit.ReadPerMinute < 0 || c.RateLimit.WritePerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}
