// Package config loads the engine configuration file that cmd/mashin
// reads before starting a pipeline run: where the passphrase comes from,
// the salt, the state store path, and which policy bundles to load. It
// mirrors the teacher's YAML manifest conventions (parse-then-validate
// with struct tags) applied to a new, Mashin-specific document shape.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PassphraseSource names where the engine encryption passphrase comes
// from. At least one of Env or File must be set; when both are set, Env
// wins.
type PassphraseSource struct {
	// Env names an environment variable holding the passphrase.
	Env string `yaml:"env,omitempty"`
	// File names a file whose trimmed contents are the passphrase.
	File string `yaml:"file,omitempty"`
}

// StoreConfig configures the SQLite-backed state store.
type StoreConfig struct {
	Path            string `yaml:"path" validate:"required"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// PolicyConfig configures the OPA policy gate.
type PolicyConfig struct {
	// Mode is "enforcing" (block Apply on violations) or "advisory" (warn
	// only). Empty disables policy evaluation entirely.
	Mode string `yaml:"mode,omitempty" validate:"omitempty,oneof=enforcing advisory"`
	// Paths lists additional Rego/JSON policy files or directories to
	// load alongside the built-in policy set.
	Paths []string `yaml:"paths,omitempty"`
}

// ProvidersConfig names a provider manifest catalog directory and a cache
// directory for downloaded provider artifacts. CatalogDir is parsed but
// not read by cmd/mashin: the providers command takes its catalog
// directory from its own --dir flag.
type ProvidersConfig struct {
	CatalogDir string `yaml:"catalog_dir,omitempty"`
	CacheDir   string `yaml:"cache_dir,omitempty"`
}

// Config is the parsed shape of a mashin.yaml engine configuration file.
type Config struct {
	Passphrase PassphraseSource `yaml:"passphrase" validate:"required"`
	Salt       string           `yaml:"salt" validate:"required"`
	Store      StoreConfig      `yaml:"store" validate:"required"`
	Policy     PolicyConfig     `yaml:"policy,omitempty"`
	Providers  ProvidersConfig  `yaml:"providers,omitempty"`
}

var validate = validator.New()

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	if cfg.Passphrase.Env == "" && cfg.Passphrase.File == "" {
		return nil, fmt.Errorf("config: %s: passphrase.env or passphrase.file is required", path)
	}
	return &cfg, nil
}

// ResolvePassphrase reads the passphrase from whichever source cfg
// names, preferring an explicit environment variable over a file.
func (c *Config) ResolvePassphrase() (string, error) {
	if c.Passphrase.Env != "" {
		v, ok := os.LookupEnv(c.Passphrase.Env)
		if !ok {
			return "", fmt.Errorf("config: environment variable %s is not set", c.Passphrase.Env)
		}
		return v, nil
	}
	data, err := os.ReadFile(c.Passphrase.File)
	if err != nil {
		return "", fmt.Errorf("config: read passphrase file %s: %w", c.Passphrase.File, err)
	}
	return trimNewline(string(data)), nil
}

// ResolveSalt decodes the configured salt, stored in the file as
// standard base64, into raw bytes for pkg/state.DeriveKey.
func (c *Config) ResolveSalt() ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(c.Salt)
	if err != nil {
		return nil, fmt.Errorf("config: decoding salt as base64: %w", err)
	}
	return salt, nil
}

// ResolveConnMaxLifetime parses Store.ConnMaxLifetime, defaulting to 5
// minutes when unset (matching the teacher's own store defaults).
func (c *Config) ResolveConnMaxLifetime() (time.Duration, error) {
	if c.Store.ConnMaxLifetime == "" {
		return 5 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Store.ConnMaxLifetime)
	if err != nil {
		return 0, fmt.Errorf("config: parsing store.conn_max_lifetime: %w", err)
	}
	return d, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
