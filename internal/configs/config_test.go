package configs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverFile {
		t.Errorf("Expected driver %q, got %q", DriverFile, cfg.Store.Driver)
	}
	if cfg.Rotation.InitialInterval != 20*time.Millisecond {
		t.Errorf("Expected 20ms initial interval, got %s", cfg.Rotation.InitialInterval)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
[store]
driver = "postgres"
dsn = "postgres://tresor@localhost/tresor"

[rotation]
batch_size = 8
initial_interval = "150ms"
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("Expected postgres driver, got %q", cfg.Store.Driver)
	}
	if cfg.Rotation.BatchSize != 8 {
		t.Errorf("Expected batch size 8, got %d", cfg.Rotation.BatchSize)
	}
	if cfg.Rotation.InitialInterval != 150*time.Millisecond {
		t.Errorf("Expected 150ms, got %s", cfg.Rotation.InitialInterval)
	}
	// Untouched sections keep their defaults.
	if cfg.Crypto.RSABits != 4096 {
		t.Errorf("Expected default RSA bits, got %d", cfg.Crypto.RSABits)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[store]\ndriverr = \"file\"\n"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "store.driverr") {
		t.Fatalf("Expected unknown key error, got: %v", err)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tresor", "config.toml")

	cfg := Default()
	cfg.Workers.Count = 3
	cfg.Audit.Path = ""
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("Expected %+v, got %+v", cfg, loaded)
	}
}

func TestApplyFlags_OnlyChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--store", "memory", "--batch-size", "16"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg := Default()
	cfg.Crypto.RSABits = 3072
	if err := ApplyFlags(cfg, fs); err != nil {
		t.Fatalf("ApplyFlags failed: %v", err)
	}

	if cfg.Store.Driver != DriverMemory {
		t.Errorf("Expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.Rotation.BatchSize != 16 {
		t.Errorf("Expected batch size 16, got %d", cfg.Rotation.BatchSize)
	}
	// rsa-bits was not passed, so the file value survives.
	if cfg.Crypto.RSABits != 3072 {
		t.Errorf("Expected RSA bits 3072, got %d", cfg.Crypto.RSABits)
	}
}

func TestApplyFlags_IgnoresUnregistered(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := Default()
	if err := ApplyFlags(cfg, fs); err != nil {
		t.Fatalf("ApplyFlags failed: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Expected defaults to be untouched")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"UnknownDriver", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store driver"},
		{"FileWithoutPath", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"PostgresWithoutDSN", func(c *Config) { c.Store.Driver = DriverPostgres }, "store.dsn"},
		{"WeakKey", func(c *Config) { c.Crypto.RSABits = 1024 }, "at least 2048"},
		{"WeakKeyAllowed", func(c *Config) { c.Crypto.RSABits = 1024; c.AllowWeakKeys = true }, ""},
		{"TooWeakEvenForTests", func(c *Config) { c.Crypto.RSABits = 512; c.AllowWeakKeys = true }, "at least 1024"},
		{"ZeroKDF", func(c *Config) { c.Crypto.KDF.Threads = 0 }, "crypto.kdf"},
		{"ZeroBatch", func(c *Config) { c.Rotation.BatchSize = 0 }, "batch_size"},
		{"NegativeWorkers", func(c *Config) { c.Workers.Count = -1 }, "cannot be negative"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, DirName), 0700); err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	if err := os.MkdirAll(nested, 0700); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}

	s, err := Discover(nested, "")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if s.Root != root {
		t.Errorf("Expected root %q, got %q", root, s.Root)
	}
	if s.ConfigPath != filepath.Join(root, DirName, ConfigFile) {
		t.Errorf("Unexpected config path %q", s.ConfigPath)
	}
	if got := s.Resolve(".tresor/state.json"); got != filepath.Join(root, ".tresor", "state.json") {
		t.Errorf("Unexpected resolved path %q", got)
	}
	if got := s.Resolve("/abs/path"); got != "/abs/path" {
		t.Errorf("Absolute paths should be kept, got %q", got)
	}

	explicit, err := Discover(nested, "/etc/tresor.toml")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if explicit.ConfigPath != "/etc/tresor.toml" {
		t.Errorf("Expected explicit config path, got %q", explicit.ConfigPath)
	}
}
