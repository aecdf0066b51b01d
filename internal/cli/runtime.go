package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"matrixci/internal/blockchain"
	"matrixci/internal/config"
	"matrixci/internal/core"
	"matrixci/internal/coverage"
	"matrixci/internal/logging"
	"matrixci/internal/metrics"
	"matrixci/internal/security"
	"matrixci/internal/storage"
)

// engineFlags are the flags shared by the commands that execute pipelines.
// Zero values fall back to the MATRIXCI_* configuration.
type engineFlags struct {
	concurrency  int
	cacheBackend string
	cacheDir     string
	logDir       string
	ledger       string
	keyDir       string
	agentURL     string
	coverageURL  string
	workDir      string
	envFiles     []string
	vars         []string
	passEnv      []string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.concurrency, "concurrency", 0, "Maximum parallel jobs (default MATRIXCI_CONCURRENCY, 0 = unlimited)")
	fs.StringVar(&f.cacheBackend, "cache-backend", "", "Cache backend: file, sqlite or none")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "Cache directory")
	fs.StringVar(&f.logDir, "log-dir", "", "Directory for step logs")
	fs.StringVar(&f.ledger, "ledger", "", "Audit ledger file")
	fs.StringVar(&f.keyDir, "key-dir", "", "Directory holding the ledger signing keys")
	fs.StringVar(&f.agentURL, "agent", "", "Run commands on the agent at this URL")
	fs.StringVar(&f.coverageURL, "coverage-url", "", "Coverage upload endpoint")
	fs.StringVar(&f.workDir, "workdir", "", "Working directory for steps (default: current directory)")
	fs.StringArrayVar(&f.envFiles, "env-file", nil, "Dotenv file added to the job environment (repeatable)")
	fs.StringArrayVarP(&f.vars, "var", "e", nil, "KEY=VALUE added to the job environment (repeatable)")
	fs.StringSliceVar(&f.passEnv, "pass-env", config.DefaultPassEnv, "Process variables copied into the job environment")
}

// apply merges flags into the configuration.
func (f *engineFlags) apply(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.CacheBackend, f.cacheBackend)
	set(&cfg.CacheDir, f.cacheDir)
	set(&cfg.LogDir, f.logDir)
	set(&cfg.Ledger, f.ledger)
	set(&cfg.KeyDir, f.keyDir)
	set(&cfg.AgentURL, f.agentURL)
	set(&cfg.CoverageURL, f.coverageURL)
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// baseEnv assembles the job base environment for p.
func (f *engineFlags) baseEnv(p *core.Pipeline) (map[string]string, error) {
	env, err := config.BuildBaseEnv(config.EnvSources{
		Pipeline: p.Env,
		Files:    f.envFiles,
		Inline:   f.vars,
		Pass:     f.passEnv,
	}, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	return env, nil
}

// engine is a fully wired runner plus whatever must be closed after it.
type engine struct {
	runner  *core.Runner
	closers []func() error
}

func (e *engine) Close() {
	for _, c := range e.closers {
		_ = c()
	}
}

// buildEngine wires the cache, log storage, ledger, metrics and command
// runner described by cfg.
func buildEngine(ctx context.Context, cfg config.Config, workDir string, rec *metrics.Recorder) (*engine, error) {
	logger := logging.FromContext(ctx)
	eng := &engine{runner: core.NewRunner(cfg.Concurrency)}
	r := eng.runner
	r.Metrics = rec

	exec := r.Executor
	exec.WorkDir = workDir
	if cfg.AgentURL != "" {
		exec.Runner = core.NewAgentRunner(cfg.AgentURL)
		r.AgentID = ""
		logger.Info("commands run on remote agent", "agent", cfg.AgentURL)
	}
	if cfg.CoverageURL != "" {
		exec.Coverage = coverage.NewUploader(cfg.CoverageURL)
	}

	switch cfg.CacheBackend {
	case config.CacheFile:
		exec.Cache = storage.NewFileCache(cfg.CacheDir)
	case config.CacheSQLite:
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		db, err := storage.OpenSQLiteCache(filepath.Join(cfg.CacheDir, "cache.db"))
		if err != nil {
			// the cache is an optimisation; run without it
			logger.Warn("cache disabled", "error", err)
			break
		}
		exec.Cache = db
		eng.closers = append(eng.closers, db.Close)
	}

	if cfg.LogDir != "" {
		r.LogStorage = storage.NewLogStorage(cfg.LogDir)
	}

	if cfg.Ledger != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		ledger, err := blockchain.OpenLedger(cfg.Ledger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "cannot open ledger", err)
		}
		r.Ledger = ledger
		keys, created, err := security.EnsureKeyPair(cfg.KeyDir)
		if err != nil {
			logger.Warn("ledger blocks will be unsigned", "error", err)
		} else {
			r.Keys = keys
			if created {
				logger.Info("generated ledger signing keys", "dir", cfg.KeyDir)
			}
		}
	}
	return eng, nil
}

// loadPipeline reads a pipeline file, mapping load errors to exit code 2.
func loadPipeline(path string) (*core.Pipeline, error) {
	p, err := core.LoadPipeline(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("cannot load pipeline %s", path), err)
	}
	return p, nil
}
