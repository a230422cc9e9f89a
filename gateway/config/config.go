package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"meddrop/ledger"
)

type RateLimitConfig struct {
	ID                string  `yaml:"id" toml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string  `yaml:"serviceName" toml:"serviceName"`
	Metrics       bool    `yaml:"metrics" toml:"metrics"`
	Tracing       bool    `yaml:"tracing" toml:"tracing"`
	LogRequests   bool    `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string  `yaml:"metricsPrefix" toml:"metricsPrefix"`
	SampleRatio   float64 `yaml:"sampleRatio" toml:"sampleRatio"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
	AllowedHeaders []string `yaml:"allowedHeaders" toml:"allowedHeaders"`
}

// PoolConfig sizes the contract handle pools. An explicit maxIdle of 0 keeps
// no idle handles. Event streams draw from their own pool bounded by
// maxStreams per contract so long-lived subscriptions never hold the handles
// queries and mutations wait on.
type PoolConfig struct {
	MaxOpen             int  `yaml:"maxOpen" toml:"maxOpen"`
	MaxIdle             int  `yaml:"maxIdle" toml:"maxIdle"`
	MaxStreams          int  `yaml:"maxStreams" toml:"maxStreams"`
	ReconnectPerRequest bool `yaml:"reconnectPerRequest" toml:"reconnectPerRequest"`
}

// Requests is the pool serving queries and mutations.
func (p PoolConfig) Requests() ledger.PoolConfig {
	idle := p.MaxIdle
	if idle == 0 {
		idle = ledger.NoIdle
	}
	return ledger.PoolConfig{MaxOpen: p.MaxOpen, MaxIdle: idle, ReconnectPerRequest: p.ReconnectPerRequest}
}

// Streams is the pool serving websocket event streams. Stream handles are
// closed when the stream ends.
func (p PoolConfig) Streams() ledger.PoolConfig {
	return ledger.PoolConfig{MaxOpen: p.MaxStreams, MaxIdle: ledger.NoIdle}
}

// LedgerConfig describes the Fabric network the gateway talks to.
type LedgerConfig struct {
	Channel             string        `yaml:"channel" toml:"channel"`
	PeerEndpoint        string        `yaml:"peerEndpoint" toml:"peerEndpoint"`
	GatewayPeer         string        `yaml:"gatewayPeer" toml:"gatewayPeer"`
	TLSCertPath         string        `yaml:"tlsCertPath" toml:"tlsCertPath"`
	MSPID               string        `yaml:"mspId" toml:"mspId"`
	CertPath            string        `yaml:"certPath" toml:"certPath"`
	KeyPath             string        `yaml:"keyPath" toml:"keyPath"`
	EvaluateTimeout     time.Duration `yaml:"evaluateTimeout" toml:"evaluateTimeout"`
	EndorseTimeout      time.Duration `yaml:"endorseTimeout" toml:"endorseTimeout"`
	SubmitTimeout       time.Duration `yaml:"submitTimeout" toml:"submitTimeout"`
	CommitStatusTimeout time.Duration `yaml:"commitStatusTimeout" toml:"commitStatusTimeout"`
	EventTimeout        time.Duration `yaml:"eventTimeout" toml:"eventTimeout"`
	EncodedFields       []string      `yaml:"encodedFields" toml:"encodedFields"`
	Pool                PoolConfig    `yaml:"pool" toml:"pool"`
}

type JournalConfig struct {
	Path          string        `yaml:"path" toml:"path"`
	Retention     time.Duration `yaml:"retention" toml:"retention"`
	PruneInterval time.Duration `yaml:"pruneInterval" toml:"pruneInterval"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" toml:"brokers"`
	Topic   string   `yaml:"topic" toml:"topic"`
	Acks    int      `yaml:"acks" toml:"acks"`
}

type Config struct {
	Environment     string              `yaml:"environment" toml:"environment"`
	ListenAddress   string              `yaml:"listen" toml:"listen"`
	ReadTimeout     time.Duration       `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration       `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration       `yaml:"idleTimeout" toml:"idleTimeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
	RateLimits      []RateLimitConfig   `yaml:"rateLimits" toml:"rateLimits"`
	Observability   ObservabilityConfig `yaml:"observability" toml:"observability"`
	Logging         LoggingConfig       `yaml:"logging" toml:"logging"`
	Auth            AuthConfig          `yaml:"auth" toml:"auth"`
	Security        SecurityConfig      `yaml:"security" toml:"security"`
	CORS            CORSConfig          `yaml:"cors" toml:"cors"`
	Ledger          LedgerConfig        `yaml:"ledger" toml:"ledger"`
	Journal         JournalConfig       `yaml:"journal" toml:"journal"`
	Kafka           KafkaConfig         `yaml:"kafka" toml:"kafka"`
}

type AuthConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	HMACSecret    string        `yaml:"hmacSecret" toml:"hmacSecret"`
	Issuer        string        `yaml:"issuer" toml:"issuer"`
	Audience      string        `yaml:"audience" toml:"audience"`
	OptionalPaths []string      `yaml:"optionalPaths" toml:"optionalPaths"`
	ClockSkew     time.Duration `yaml:"clockSkew" toml:"clockSkew"`
	enabledSet    bool
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled       *bool         `yaml:"enabled"`
		HMACSecret    string        `yaml:"hmacSecret"`
		Issuer        string        `yaml:"issuer"`
		Audience      string        `yaml:"audience"`
		OptionalPaths []string      `yaml:"optionalPaths"`
		ClockSkew     time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.enabledSet = raw.Enabled != nil
	a.Enabled = raw.Enabled != nil && *raw.Enabled
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.OptionalPaths = raw.OptionalPaths
	a.ClockSkew = raw.ClockSkew
	return nil
}

type SecurityConfig struct {
	TLSCertFile     string `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddress:   ":4000",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Observability: ObservabilityConfig{
			ServiceName:   "meddrop-gateway",
			Metrics:       true,
			LogRequests:   true,
			MetricsPrefix: "meddrop",
		},
		Logging: LoggingConfig{Level: "info"},
		Auth:    AuthConfig{ClockSkew: 2 * time.Minute},
		Ledger: LedgerConfig{
			Channel:      "meddrop",
			PeerEndpoint: "localhost:7051",
			MSPID:        "Org1MSP",
			EventTimeout: 30 * time.Second,
			Pool:         PoolConfig{MaxOpen: 16, MaxIdle: 4, MaxStreams: 8},
		},
		Journal: JournalConfig{PruneInterval: time.Hour},
		Kafka:   KafkaConfig{Topic: "meddrop.confirmations"},
	}
}

// Load reads path over the defaults and validates the result. Files ending
// in .toml are decoded as TOML, anything else as YAML. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		cfg.Auth.enabledSet = meta.IsDefined("auth", "enabled")
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

var ErrAuthEnabledNotConfigured = errors.New("auth.enabled must be explicitly set for TLS deployments")

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.isSensitiveDeployment() && !cfg.Auth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmacSecret is required when auth is enabled")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		p := strings.TrimSpace(path)
		if p == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = p
	}
	cfg.Auth.OptionalPaths = trimmed

	if strings.TrimSpace(cfg.Ledger.Channel) == "" {
		return fmt.Errorf("ledger.channel is required")
	}
	if strings.TrimSpace(cfg.Ledger.PeerEndpoint) == "" {
		return fmt.Errorf("ledger.peerEndpoint is required")
	}
	if cfg.Ledger.EventTimeout <= 0 {
		return fmt.Errorf("ledger.eventTimeout must be positive")
	}
	if cfg.Ledger.Pool.MaxOpen < 0 || cfg.Ledger.Pool.MaxIdle < 0 || cfg.Ledger.Pool.MaxStreams < 0 {
		return fmt.Errorf("ledger.pool sizes cannot be negative")
	}
	if cfg.Ledger.Pool.MaxOpen > 0 && cfg.Ledger.Pool.MaxIdle > cfg.Ledger.Pool.MaxOpen {
		return fmt.Errorf("ledger.pool.maxIdle cannot exceed ledger.pool.maxOpen")
	}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic is required when brokers are configured")
	}
	if (cfg.Security.TLSCertFile == "") != (cfg.Security.TLSKeyFile == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	for i, rl := range cfg.RateLimits {
		if strings.TrimSpace(rl.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id is required", i)
		}
	}
	return nil
}

// AuthEnabledSet reports whether auth.enabled was given explicitly.
func (cfg Config) AuthEnabledSet() bool { return cfg.Auth.enabledSet }

func (cfg *Config) isSensitiveDeployment() bool {
	return strings.TrimSpace(cfg.Security.TLSCertFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSClientCAFile) != ""
}

// ApplyEnv overrides selected settings from the environment.
func (cfg *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("MEDDROP_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(getenv("MEDDROP_LEDGER_PEER")); v != "" {
		cfg.Ledger.PeerEndpoint = v
	}
	if v := strings.TrimSpace(getenv("MEDDROP_AUTH_SECRET")); v != "" {
		cfg.Auth.HMACSecret = v
	}
}
