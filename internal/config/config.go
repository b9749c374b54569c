// Package config loads the splinterd daemon configuration: a TOML file on
// disk, layered under environment variables and command-line overrides,
// following config/config.go's load-or-create pattern (missing file ->
// write defaults including a generated node key; present file -> decode
// over the defaults) and resolved against
// original_source/splinterd/src/config/mod.rs for the field set a real
// daemon config carries (network/advertised endpoints, peers, registries,
// refresh periods, admin timeout, state directory, TLS).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"splinter/internal/cryptoutil"
)

// TLS bundles the certificate material splinterd's gRPC/HTTP surfaces use.
type TLS struct {
	Insecure   bool   `toml:"Insecure"`
	CertDir    string `toml:"CertDir"`
	CAFile     string `toml:"CAFile"`
	ServerCert string `toml:"ServerCert"`
	ServerKey  string `toml:"ServerKey"`
	ClientCert string `toml:"ClientCert"`
	ClientKey  string `toml:"ClientKey"`
}

// RegistryConfig names one registry source: a local YAML file path, or a
// remote URL refreshed on the two independent timers spec.md §4.5 names.
type RegistryConfig struct {
	Path                 string `toml:"Path"`
	URL                  string `toml:"URL"`
	AutomaticRefreshSecs int64  `toml:"AutomaticRefreshSecs"`
	ForcedRefreshSecs    int64  `toml:"ForcedRefreshSecs"`
}

// Logging configures the slog JSON sink and optional rotated file output.
type Logging struct {
	Env            string `toml:"Env"`
	FilePath       string `toml:"FilePath"`
	FileMaxSizeMB  int    `toml:"FileMaxSizeMB"`
	FileMaxBackups int    `toml:"FileMaxBackups"`
	FileMaxAgeDays int    `toml:"FileMaxAgeDays"`
	FileCompress   bool   `toml:"FileCompress"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Enabled       bool   `toml:"Enabled"`
	ListenAddress string `toml:"ListenAddress"`
}

// Tracing configures OTLP export, off by default (ambient concern, carried
// regardless of spec.md's non-goals on observability per SPEC_FULL.md §1).
type Tracing struct {
	Enabled      bool   `toml:"Enabled"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
}

// Config is the fully assembled splinterd daemon configuration.
type Config struct {
	NodeID              string   `toml:"NodeID"`
	DisplayName         string   `toml:"DisplayName"`
	NodeKeyHex          string   `toml:"NodeKeyHex"`
	NetworkEndpoint     string   `toml:"NetworkEndpoint"`
	AdvertisedEndpoints []string `toml:"AdvertisedEndpoints"`
	Peers               []string `toml:"Peers"`
	AdminGRPCEndpoint   string   `toml:"AdminGRPCEndpoint"`
	AdminHTTPEndpoint   string   `toml:"AdminHTTPEndpoint"`

	DatabaseBackend string `toml:"DatabaseBackend"` // "postgres" or "sqlite"
	DatabaseDSN     string `toml:"DatabaseDSN"`

	Registries []RegistryConfig `toml:"Registries"`

	HeartbeatSecs    int64 `toml:"HeartbeatSecs"`
	AdminTimeoutSecs int64 `toml:"AdminTimeoutSecs"`

	StateDir string `toml:"StateDir"`

	TLS     TLS     `toml:"TLS"`
	Logging Logging `toml:"Logging"`
	Metrics Metrics `toml:"Metrics"`
	Tracing Tracing `toml:"Tracing"`
}

// Heartbeat and AdminTimeout return the configured intervals as durations.
func (c *Config) Heartbeat() time.Duration    { return time.Duration(c.HeartbeatSecs) * time.Second }
func (c *Config) AdminTimeout() time.Duration { return time.Duration(c.AdminTimeoutSecs) * time.Second }

// Override is a command-line-supplied field override, applied after the
// file and environment layers so flags always win.
type Override func(*Config)

// WithNodeID overrides the configured node id.
func WithNodeID(id string) Override {
	return func(c *Config) {
		if id != "" {
			c.NodeID = id
		}
	}
}

// WithDatabaseDSN overrides the configured database DSN.
func WithDatabaseDSN(dsn string) Override {
	return func(c *Config) {
		if dsn != "" {
			c.DatabaseDSN = dsn
		}
	}
}

// WithStateDir overrides the configured state directory.
func WithStateDir(dir string) Override {
	return func(c *Config) {
		if dir != "" {
			c.StateDir = dir
		}
	}
}

func defaultConfig() (*Config, error) {
	key, err := cryptoutil.GenerateSecp256k1()
	if err != nil {
		return nil, fmt.Errorf("config: generate node key: %w", err)
	}
	return &Config{
		NodeKeyHex:          hex.EncodeToString(key.Bytes()),
		NetworkEndpoint:     "tcps://0.0.0.0:8044",
		AdvertisedEndpoints: []string{},
		Peers:               []string{},
		AdminGRPCEndpoint:   "0.0.0.0:8045",
		AdminHTTPEndpoint:   "0.0.0.0:8046",
		DatabaseBackend:     "sqlite",
		DatabaseDSN:         "file:splinterd.db",
		HeartbeatSecs:       30,
		AdminTimeoutSecs:    60,
		StateDir:            "./splinter-state",
		TLS:                 TLS{Insecure: true},
		Metrics:             Metrics{Enabled: true, ListenAddress: "0.0.0.0:9090"},
	}, nil
}

// Load reads path, creating it with generated defaults if it does not
// exist, then applies environment overrides (SPLINTER_* variables) and
// finally any command-line Override functions, in that precedence order:
// command-line > env > file > defaults.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return nil, err
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	for _, o := range overrides {
		o(cfg)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: write defaults: %w", err)
	}
	return nil
}

// applyEnv overlays SPLINTER_-prefixed environment variables onto cfg; only
// the handful of fields operators most often need to override per-process
// (node id, state dir, database DSN, network endpoint, heartbeat seconds,
// comma-separated peers) without editing the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPLINTER_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("SPLINTER_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("SPLINTER_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("SPLINTER_NETWORK_ENDPOINT"); v != "" {
		cfg.NetworkEndpoint = v
	}
	if v := os.Getenv("SPLINTER_HEARTBEAT_SECS"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HeartbeatSecs = secs
		}
	}
	if v := os.Getenv("SPLINTER_PEERS"); v != "" {
		cfg.Peers = strings.Split(v, ",")
	}
}
