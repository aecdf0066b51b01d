package core

import (
	"context"

	"matrixci/internal/logging"
	"matrixci/internal/storage"
)

// restoreCache looks the category up in the cache store and unpacks a hit
// into the category path. A miss returns a pendingSave. Cache trouble of
// any kind only costs the optimisation; the step still succeeds.
func (e *Executor) restoreCache(ctx context.Context, p *Pipeline, category string, job JobContext, env map[string]string) (StepResult, *pendingSave) {
	logger := logging.FromContext(ctx).With("cache", category)
	spec, _ := p.Cache(category)

	fingerprint := ""
	if spec.Lock != "" {
		fp, err := e.fingerprint(e.resolvePath(spec.Lock, env))
		if err != nil {
			logger.Warn("cache bypassed: cannot fingerprint lock artifact", "lock", spec.Lock, "error", err)
			return StepResult{Outcome: OutcomeSuccess, Reason: "fingerprint unavailable"}, nil
		}
		fingerprint = fp
	}

	scope := KeyScope{Pipeline: p.Name, OS: p.OS, Env: env}
	key, err := scope.ResolveKey(spec, job, fingerprint)
	if err != nil {
		logger.Warn("cache bypassed: cannot resolve key", "error", err)
		return StepResult{Outcome: OutcomeSuccess, Reason: "cache key unavailable"}, nil
	}
	sr := StepResult{Outcome: OutcomeSuccess, CacheKey: key}
	if e.Cache == nil {
		sr.Reason = "cache disabled"
		return sr, nil
	}

	dir := e.resolvePath(spec.Path, env)
	data, found, err := e.Cache.Fetch(ctx, key)
	if err != nil {
		logger.Warn("cache unavailable, continuing as a miss", "key", key, "error", err)
		found = false
	}
	if found {
		if err := storage.Unpack(data, dir); err != nil {
			logger.Warn("cache entry unusable, continuing as a miss", "key", key, "error", err)
		} else {
			logger.Info("cache hit", "key", key, "path", dir)
			sr.CacheHit = true
			return sr, nil
		}
	}
	logger.Info("cache miss", "key", key)
	return sr, &pendingSave{category: category, key: key, dir: dir}
}

// saveCache archives the category path under its key unless another
// writer already stored it.
func (e *Executor) saveCache(ctx context.Context, s pendingSave) {
	if e.Cache == nil {
		return
	}
	logger := logging.FromContext(ctx).With("cache", s.category, "key", s.key)

	if exists, err := e.Cache.Has(ctx, s.key); err != nil {
		logger.Warn("cache unavailable, not saving", "error", err)
		return
	} else if exists {
		logger.Debug("cache already populated")
		return
	}

	data, err := storage.Pack(s.dir)
	if err != nil {
		logger.Warn("cannot archive cache path", "path", s.dir, "error", err)
		return
	}
	if err := e.Cache.Store(ctx, s.key, data); err != nil {
		logger.Warn("cache unavailable, not saving", "error", err)
		return
	}
	logger.Info("cache saved", "bytes", len(data))
}

func (e *Executor) fingerprint(path string) (string, error) {
	if e.Fingerprint == nil {
		return "", storage.ErrCacheUnavailable
	}
	return e.Fingerprint(path)
}
