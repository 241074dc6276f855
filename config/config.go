// Package config loads the YAML file shared by the gojotxn commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/core/security/encryption"
	"github.com/sushant-115/gojotxn/core/txn"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
	"github.com/sushant-115/gojotxn/pkg/tlsconfig"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRaft   = "raft"
	BackendRemote = "remote"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root of the configuration file.
type Config struct {
	Logger       logger.Config    `yaml:"logger"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
	Transactions Transactions     `yaml:"transactions"`
	Store        Store            `yaml:"store"`
	TLS          tlsconfig.Config `yaml:"tls"`
}

// Transactions mirrors txn.Config for the fields that make sense in a file.
type Transactions struct {
	Durability            kv.Durability `yaml:"durability"`
	Expiry                time.Duration `yaml:"expiry"`
	KeyValueTimeout       time.Duration `yaml:"key_value_timeout"`
	CleanupLostAttempts   bool          `yaml:"cleanup_lost_attempts"`
	CleanupClientAttempts bool          `yaml:"cleanup_client_attempts"`
	CleanupWindow         time.Duration `yaml:"cleanup_window"`
	SweepParallelism      int           `yaml:"sweep_parallelism"`
	NumATRs               int           `yaml:"num_atrs"`
	UnstageTimeout        time.Duration `yaml:"unstage_timeout"`
	// EncryptionKeyFile holds a hex AES key. When set, document bodies are
	// encrypted with AES-GCM.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// Store selects and configures the document store backend.
type Store struct {
	Backend string `yaml:"backend"`
	// Path is the bolt database file.
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`

	Raft Raft `yaml:"raft"`

	// RemoteAddr is the gojotxn_store address for the remote backend.
	RemoteAddr string `yaml:"remote_addr"`
	// ListenAddr is where gojotxn_store serves the document service.
	ListenAddr string `yaml:"listen_addr"`
}

type Raft struct {
	NodeID       string        `yaml:"node_id"`
	BindAddr     string        `yaml:"bind_addr"`
	DataDir      string        `yaml:"data_dir"`
	Bootstrap    bool          `yaml:"bootstrap"`
	InMemory     bool          `yaml:"in_memory"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	d := txn.DefaultConfig()
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName: "gojotxn",
		},
		Transactions: Transactions{
			Durability:            d.DurabilityLevel,
			Expiry:                d.Expiry,
			KeyValueTimeout:       d.KeyValueTimeout,
			CleanupLostAttempts:   d.CleanupLostAttempts,
			CleanupClientAttempts: d.CleanupClientAttempts,
			CleanupWindow:         d.CleanupWindow,
			SweepParallelism:      d.SweepParallelism,
			NumATRs:               d.NumATRs,
			UnstageTimeout:        d.UnstageTimeout,
		},
		Store: Store{
			Backend:    BackendMemory,
			Path:       "gojotxn.db",
			ListenAddr: "127.0.0.1:7400",
			RemoteAddr: "127.0.0.1:7400",
			Raft: Raft{
				NodeID:    "node1",
				BindAddr:  "127.0.0.1:7410",
				DataDir:   "/tmp/gojotxn_raft",
				Bootstrap: true,
			},
		},
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that have a closed set of values.
func (c *Config) Validate() error {
	c.Store.Backend = strings.ToLower(c.Store.Backend)
	switch c.Store.Backend {
	case BackendMemory, BackendBolt, BackendRaft, BackendRemote:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.Transactions.Expiry < 0 {
		return fmt.Errorf("%w: negative transaction expiry", ErrInvalidConfig)
	}
	if c.Store.Backend == BackendBolt && c.Store.Path == "" {
		return fmt.Errorf("%w: bolt backend needs store.path", ErrInvalidConfig)
	}
	return nil
}

// ToTxnConfig converts the file section into a txn.Config. Logger, meter,
// tracer and clock are left for the caller.
func (t Transactions) ToTxnConfig() (txn.Config, error) {
	c := txn.DefaultConfig()
	c.DurabilityLevel = t.Durability
	c.Expiry = t.Expiry
	c.KeyValueTimeout = t.KeyValueTimeout
	c.CleanupLostAttempts = t.CleanupLostAttempts
	c.CleanupClientAttempts = t.CleanupClientAttempts
	c.CleanupWindow = t.CleanupWindow
	c.SweepParallelism = t.SweepParallelism
	c.NumATRs = t.NumATRs
	c.UnstageTimeout = t.UnstageTimeout
	if t.EncryptionKeyFile != "" {
		key, err := encryption.LoadKeyFile(t.EncryptionKeyFile)
		if err != nil {
			return c, err
		}
		tc, err := encryption.NewTranscoder(key, txn.JSONTranscoder{})
		if err != nil {
			return c, err
		}
		c.Transcoder = tc
	}
	return c, nil
}
