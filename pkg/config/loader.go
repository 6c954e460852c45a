package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "REVERIE_"

var (
	envVarPatterns = struct {
		withDefault *regexp.Regexp
		braced      *regexp.Regexp
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	}
)

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references in s.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the REVERIE_ prefix with underscores as path
// separators (REVERIE_LOGGING_LEVEL → logging.level); the legacy flat names
// of the enumerated settings (MONGODB_URI, DATA_BACKEND, LOG_LEVEL,
// ENCRYPTION_MASTER_PEPPER, AUTH_DISABLED, S3_*) are also honored.
func Load(path string) (*Config, error) {
	// .env is best-effort bootstrap, absence is not an error
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(kfile.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(kenv.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyLegacyEnv(&cfg)
	expandConfig(&cfg)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyLegacyEnv maps the flat environment names enumerated by the platform
// onto the config tree. Explicit file/prefixed values win.
func applyLegacyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if *dst == "" {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}
	}

	if cfg.DataBackend == "" {
		if v := os.Getenv("DATA_BACKEND"); v != "" {
			cfg.DataBackend = DataBackend(strings.ToLower(v))
		}
	}
	set(&cfg.MongoURI, "MONGODB_URI")
	set(&cfg.DataDir, "DATA_DIR")
	set(&cfg.EncryptionPepper, "ENCRYPTION_MASTER_PEPPER")
	set(&cfg.Logging.Level, "LOG_LEVEL")
	set(&cfg.S3.Endpoint, "S3_ENDPOINT")
	set(&cfg.S3.Region, "S3_REGION")
	set(&cfg.S3.Bucket, "S3_BUCKET")

	if !cfg.AuthDisabled {
		if v := os.Getenv("AUTH_DISABLED"); v == "true" || v == "1" {
			cfg.AuthDisabled = true
		}
	}
}

func expandConfig(cfg *Config) {
	cfg.MongoURI = ExpandEnvVars(cfg.MongoURI)
	cfg.DataDir = ExpandEnvVars(cfg.DataDir)
	cfg.EncryptionPepper = ExpandEnvVars(cfg.EncryptionPepper)
	cfg.S3.Endpoint = ExpandEnvVars(cfg.S3.Endpoint)
	cfg.S3.Bucket = ExpandEnvVars(cfg.S3.Bucket)
}
