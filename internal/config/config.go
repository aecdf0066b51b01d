// Package config loads process settings from MATRIXCI_* environment
// variables and assembles the base environment handed to jobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Cache backends.
const (
	CacheFile   = "file"
	CacheSQLite = "sqlite"
	CacheNone   = "none"
)

// Config holds process-level settings. Flags override these values.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `env:"MATRIXCI_LOG_LEVEL" envDefault:"info"`
	// LogFormat selects "text" (colorized) or "json".
	LogFormat string `env:"MATRIXCI_LOG_FORMAT" envDefault:"text"`
	// CacheDir is where the file and sqlite cache backends keep entries.
	CacheDir string `env:"MATRIXCI_CACHE_DIR" envDefault:".matrixci/cache"`
	// CacheBackend is file, sqlite or none.
	CacheBackend string `env:"MATRIXCI_CACHE_BACKEND" envDefault:"file"`
	// LogDir receives one file per executed step.
	LogDir string `env:"MATRIXCI_LOG_DIR" envDefault:".matrixci/logs"`
	// Ledger is the audit ledger file; empty disables the ledger.
	Ledger string `env:"MATRIXCI_LEDGER" envDefault:".matrixci/ledger.jsonl"`
	// KeyDir holds the ledger signing keys.
	KeyDir string `env:"MATRIXCI_KEY_DIR" envDefault:".matrixci/keys"`
	// Concurrency caps parallel jobs; 0 runs every job at once.
	Concurrency int `env:"MATRIXCI_CONCURRENCY" envDefault:"0"`
	// AgentURL sends commands to a remote agent instead of the local shell.
	AgentURL string `env:"MATRIXCI_AGENT_URL"`
	// ServerAddr is the listen address of the HTTP server.
	ServerAddr string `env:"MATRIXCI_SERVER_ADDR" envDefault:":8080"`
	// CoverageURL is the endpoint coverage reports are uploaded to.
	CoverageURL string `env:"MATRIXCI_COVERAGE_URL"`
}

// Load parses the process environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.CacheBackend {
	case CacheFile, CacheSQLite, CacheNone:
	default:
		return fmt.Errorf("MATRIXCI_CACHE_BACKEND: unknown backend %q (want file, sqlite or none)", c.CacheBackend)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("MATRIXCI_CONCURRENCY: must not be negative, got %d", c.Concurrency)
	}
	return nil
}

// EnvSources lists where the job base environment comes from, in
// increasing precedence.
type EnvSources struct {
	Pipeline map[string]string // env block of the pipeline file
	Files    []string          // dotenv files
	Inline   []string          // KEY=VALUE pairs
	Pass     []string          // names copied from the process environment
}

// DefaultPassEnv names the process variables jobs see unless told otherwise.
var DefaultPassEnv = []string{"PATH", "HOME"}

// BuildBaseEnv merges the sources into the base environment. Jobs never
// inherit the process environment implicitly; only Pass names are copied,
// and only when set.
func BuildBaseEnv(src EnvSources, lookup func(string) (string, bool)) (map[string]string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make(map[string]string)
	for _, name := range src.Pass {
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	for k, v := range src.Pipeline {
		out[k] = v
	}
	for _, path := range src.Files {
		vars, err := LoadEnvFile(path)
		if err != nil {
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	inline, err := ParseInlineVars(src.Inline)
	if err != nil {
		return nil, err
	}
	for k, v := range inline {
		out[k] = v
	}
	return out, nil
}

// LoadEnvFile reads a dotenv file.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return godotenv.Parse(f)
}

// ParseInlineVars parses KEY=VALUE pairs. Values may contain '='.
func ParseInlineVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok {
			return nil, fmt.Errorf("invalid var %q, expected KEY=VALUE", pair)
		}
		if key == "" {
			return nil, fmt.Errorf("empty key in var %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
