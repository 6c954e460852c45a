package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.DataBackend != DataBackendFile {
		t.Errorf("DataBackend = %q, want file", cfg.DataBackend)
	}
	if cfg.VectorBackend != VectorBackendFlat {
		t.Errorf("VectorBackend = %q, want flat", cfg.VectorBackend)
	}
	if cfg.Timeouts.ProviderChat != 120*time.Second {
		t.Errorf("ProviderChat timeout = %v, want 120s", cfg.Timeouts.ProviderChat)
	}
	if cfg.Timeouts.Embedding != 30*time.Second {
		t.Errorf("Embedding timeout = %v, want 30s", cfg.Timeouts.Embedding)
	}
	if cfg.Orchestrator.MaxToolLoops != 5 {
		t.Errorf("MaxToolLoops = %d, want 5", cfg.Orchestrator.MaxToolLoops)
	}
	if cfg.Orchestrator.ReservedResponseTokens != 1000 {
		t.Errorf("ReservedResponseTokens = %d, want 1000", cfg.Orchestrator.ReservedResponseTokens)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantError bool
	}{
		{
			name:      "valid file backend",
			mutate:    func(c *Config) {},
			wantError: false,
		},
		{
			name: "document backend without URI",
			mutate: func(c *Config) {
				c.DataBackend = DataBackendDocument
				c.MongoURI = ""
			},
			wantError: true,
		},
		{
			name: "document backend with URI",
			mutate: func(c *Config) {
				c.DataBackend = DataBackendDocument
				c.MongoURI = "mongodb://localhost:27017"
			},
			wantError: false,
		},
		{
			name: "missing pepper with auth enabled",
			mutate: func(c *Config) {
				c.EncryptionPepper = ""
				c.AuthDisabled = false
			},
			wantError: true,
		},
		{
			name: "missing pepper with auth disabled",
			mutate: func(c *Config) {
				c.EncryptionPepper = ""
				c.AuthDisabled = true
			},
			wantError: false,
		},
		{
			name: "bogus backend",
			mutate: func(c *Config) {
				c.DataBackend = "cassandra"
			},
			wantError: true,
		},
		{
			name: "chromem vector backend",
			mutate: func(c *Config) {
				c.VectorBackend = VectorBackendChromem
			},
			wantError: false,
		},
		{
			name: "bogus vector backend",
			mutate: func(c *Config) {
				c.VectorBackend = "faiss"
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{EncryptionPepper: "pepper"}
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("REVERIE_TEST_VALUE", "hello")

	tests := []struct {
		in   string
		want string
	}{
		{"${REVERIE_TEST_VALUE}", "hello"},
		{"prefix-${REVERIE_TEST_VALUE}-suffix", "prefix-hello-suffix"},
		{"${REVERIE_TEST_UNSET:-fallback}", "fallback"},
		{"${REVERIE_TEST_VALUE:-fallback}", "hello"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_backend: file
data_dir: ` + dir + `
encryption_master_pepper: unit-test-pepper
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REVERIE_LOGGING_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json (from env)", cfg.Logging.Format)
	}
	if cfg.EncryptionPepper != "unit-test-pepper" {
		t.Errorf("EncryptionPepper = %q", cfg.EncryptionPepper)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("DATA_BACKEND", "file")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ENCRYPTION_MASTER_PEPPER", "env-pepper")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.EncryptionPepper != "env-pepper" {
		t.Errorf("EncryptionPepper = %q, want env-pepper", cfg.EncryptionPepper)
	}
}
