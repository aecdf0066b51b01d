package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, CacheFile, cfg.CacheBackend)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Zero(t, cfg.Concurrency)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MATRIXCI_CACHE_BACKEND", "sqlite")
	t.Setenv("MATRIXCI_CONCURRENCY", "4")
	t.Setenv("MATRIXCI_LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, CacheSQLite, cfg.CacheBackend)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("MATRIXCI_CACHE_BACKEND", "redis")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestBuildBaseEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "ci.env")
	require.NoError(t, os.WriteFile(envFile, []byte("RUSTFLAGS=-D warnings\nTARGET=file\n"), 0o644))

	lookup := func(name string) (string, bool) {
		switch name {
		case "PATH":
			return "/usr/bin", true
		case "TARGET":
			return "process", true
		}
		return "", false
	}

	got, err := BuildBaseEnv(EnvSources{
		Pipeline: map[string]string{"TARGET": "pipeline", "CARGO_TERM_COLOR": "always"},
		Files:    []string{envFile},
		Inline:   []string{"TARGET=inline=1"},
		Pass:     []string{"PATH", "TARGET", "HOME"},
	}, lookup)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"PATH":             "/usr/bin",
		"CARGO_TERM_COLOR": "always",
		"RUSTFLAGS":        "-D warnings",
		"TARGET":           "inline=1",
	}, got)
}

func TestBuildBaseEnvDoesNotInheritProcess(t *testing.T) {
	t.Setenv("MATRIXCI_SECRET", "leak")
	got, err := BuildBaseEnv(EnvSources{}, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseInlineVarsErrors(t *testing.T) {
	_, err := ParseInlineVars([]string{"NOVALUE"})
	assert.Error(t, err)
	_, err = ParseInlineVars([]string{"=x"})
	assert.Error(t, err)
}
