package configs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/pflag"
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// MinRSABits is the smallest key size accepted unless AllowWeakKeys is set.
const MinRSABits = 2048

type Config struct {
	Store    StoreConfig    `toml:"store"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Workers  WorkersConfig  `toml:"workers"`
	Rotation RotationConfig `toml:"rotation"`
	Audit    AuditConfig    `toml:"audit"`
	Access   AccessConfig   `toml:"access"`

	// AllowWeakKeys lowers the RSA minimum to 1024 bits. Test fixtures only.
	AllowWeakKeys bool `toml:"-"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type CryptoConfig struct {
	RSABits int       `toml:"rsa_bits"`
	KDF     KDFConfig `toml:"kdf"`
}

type KDFConfig struct {
	Time      uint32 `toml:"time"`
	MemoryKiB uint32 `toml:"memory_kib"`
	Threads   uint8  `toml:"threads"`
}

type WorkersConfig struct {
	// Count of 0 means runtime.NumCPU().
	Count      int `toml:"count"`
	QueueDepth int `toml:"queue_depth"`
}

type RotationConfig struct {
	BatchSize       int           `toml:"batch_size"`
	MaxRetries      int           `toml:"max_retries"`
	InitialInterval time.Duration `toml:"initial_interval"`
}

type AuditConfig struct {
	// Path of the JSONL audit log. Empty disables auditing.
	Path string `toml:"path"`
}

type AccessConfig struct {
	// Graph is the permission graph used by folder sync.
	Graph string `toml:"graph"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverFile,
			Path:   ".tresor/state.json",
		},
		Crypto: CryptoConfig{
			RSABits: 4096,
			KDF:     KDFConfig{Time: 1, MemoryKiB: 64 * 1024, Threads: 4},
		},
		Workers: WorkersConfig{
			QueueDepth: 64,
		},
		Rotation: RotationConfig{
			BatchSize:       64,
			MaxRetries:      5,
			InitialInterval: 20 * time.Millisecond,
		},
		Audit: AuditConfig{
			Path: ".tresor/audit.jsonl",
		},
		Access: AccessConfig{
			Graph: ".tresor/access.toml",
		},
	}
}

// Load returns the defaults overlaid with the file at path. A missing file
// is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	if err := LoadTOML(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	if err := SaveTOML(path, cfg); err != nil {
		return fmt.Errorf("failed to save config %s: %w", path, err)
	}
	return nil
}

// RegisterFlags adds the flags ApplyFlags understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("store", d.Store.Driver, "store driver (file, memory, postgres)")
	fs.String("store-path", d.Store.Path, "state file for the file store")
	fs.String("dsn", "", "postgres connection string")
	fs.Int("rsa-bits", d.Crypto.RSABits, "RSA key size for new key pairs")
	fs.Int("workers", d.Workers.Count, "crypto worker count (0 = number of CPUs)")
	fs.Int("batch-size", d.Rotation.BatchSize, "objects re-encrypted per rotation batch")
	fs.Int("max-retries", d.Rotation.MaxRetries, "retries on a concurrent folder update")
	fs.String("audit-log", d.Audit.Path, "audit log path (empty to disable)")
	fs.String("access-graph", d.Access.Graph, "permission graph used by folder sync")
}

// ApplyFlags overlays every flag the user set explicitly.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Lookup(name) != nil && fs.Changed(name) {
			err = apply()
		}
	}

	set("store", func() (e error) { cfg.Store.Driver, e = fs.GetString("store"); return })
	set("store-path", func() (e error) { cfg.Store.Path, e = fs.GetString("store-path"); return })
	set("dsn", func() (e error) { cfg.Store.DSN, e = fs.GetString("dsn"); return })
	set("rsa-bits", func() (e error) { cfg.Crypto.RSABits, e = fs.GetInt("rsa-bits"); return })
	set("workers", func() (e error) { cfg.Workers.Count, e = fs.GetInt("workers"); return })
	set("batch-size", func() (e error) { cfg.Rotation.BatchSize, e = fs.GetInt("batch-size"); return })
	set("max-retries", func() (e error) { cfg.Rotation.MaxRetries, e = fs.GetInt("max-retries"); return })
	set("audit-log", func() (e error) { cfg.Audit.Path, e = fs.GetString("audit-log"); return })
	set("access-graph", func() (e error) { cfg.Access.Graph, e = fs.GetString("access-graph"); return })

	if err != nil {
		return fmt.Errorf("failed to read flags: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains([]string{DriverFile, DriverMemory, DriverPostgres}, c.Store.Driver) {
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == DriverFile && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the file driver")
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the postgres driver")
	}

	minBits := MinRSABits
	if c.AllowWeakKeys {
		minBits = 1024
	}
	if c.Crypto.RSABits < minBits {
		return fmt.Errorf("crypto.rsa_bits must be at least %d, got %d", minBits, c.Crypto.RSABits)
	}
	if c.Crypto.KDF.Time == 0 || c.Crypto.KDF.MemoryKiB == 0 || c.Crypto.KDF.Threads == 0 {
		return fmt.Errorf("crypto.kdf time, memory_kib and threads must all be set")
	}

	if c.Workers.Count < 0 || c.Workers.QueueDepth < 0 {
		return fmt.Errorf("workers.count and workers.queue_depth cannot be negative")
	}
	if c.Rotation.BatchSize <= 0 {
		return fmt.Errorf("rotation.batch_size must be positive, got %d", c.Rotation.BatchSize)
	}
	if c.Rotation.MaxRetries < 0 {
		return fmt.Errorf("rotation.max_retries cannot be negative")
	}
	return nil
}
