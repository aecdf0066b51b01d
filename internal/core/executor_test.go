package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/storage"
)

// fakeRunner records every command and answers through fn.
type fakeRunner struct {
	mu   sync.Mutex
	cmds []Command
	fn   func(ctx context.Context, cmd Command) (CommandResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	if r.fn == nil {
		return CommandResult{Output: []byte("ok: " + cmd.Line)}, nil
	}
	return r.fn(ctx, cmd)
}

func (r *fakeRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cmds))
	for i, c := range r.cmds {
		out[i] = c.Line
	}
	return out
}

// failOn makes commands containing substr exit with status 1.
func failOn(substr string) func(context.Context, Command) (CommandResult, error) {
	return func(_ context.Context, cmd Command) (CommandResult, error) {
		if strings.Contains(cmd.Line, substr) {
			return CommandResult{ExitCode: 1, Output: []byte("boom")}, nil
		}
		return CommandResult{Output: []byte("ok")}, nil
	}
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	err     error
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (c *memCache) Has(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.entries[key]
	return ok, nil
}

func (c *memCache) Fetch(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	data, ok := c.entries[key]
	return data, ok, nil
}

func (c *memCache) Store(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = data
	return nil
}

type fakeCoverage struct {
	mu      sync.Mutex
	reports []CoverageReport
	err     error
}

func (f *fakeCoverage) Upload(_ context.Context, r CoverageReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return f.err
}

type stepEvent struct {
	job string
	seq int
	res StepResult
}

type recordingObserver struct {
	mu     sync.Mutex
	events []stepEvent
}

func (o *recordingObserver) StepFinished(_ context.Context, job string, seq int, res StepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, stepEvent{job: job, seq: seq, res: res})
}

func mustParse(t *testing.T, doc string) *Pipeline {
	t.Helper()
	p, err := ParsePipeline([]byte(doc))
	require.NoError(t, err)
	return p
}

func mustExpand(t *testing.T, p *Pipeline) []JobContext {
	t.Helper()
	jobs, err := Expand(p.Matrix)
	require.NoError(t, err)
	return jobs
}

func outcomes(steps []StepResult) []Outcome {
	out := make([]Outcome, len(steps))
	for i, s := range steps {
		out[i] = s.Outcome
	}
	return out
}

func TestRunJobRendersCommands(t *testing.T) {
	p := mustParse(t, `
name: ci
os: linux
cross_tool: cross
matrix:
  - name: linkage
    values: [static]
overlays:
  - name: RUSTFLAGS
    when: linkage == static
    then: -C target-feature=+crt-static
steps:
  - name: build
    run: "cargo build --{{.Matrix.linkage}} on {{.OS}} {{.Env.RUSTFLAGS}}"
  - name: cross
    run: cargo test --target aarch64
    cross: true
`)
	runner := &fakeRunner{}
	exec := &Executor{Runner: runner, WorkDir: "/src"}

	res := exec.RunJob(context.Background(), p, mustExpand(t, p)[0], map[string]string{"PATH": "/bin"})
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "ci (static)", res.Name)
	assert.Equal(t, []string{
		"cargo build --static on linux -C target-feature=+crt-static",
		"cross test --target aarch64",
	}, runner.lines())

	cmd := runner.cmds[0]
	assert.Equal(t, "/src", cmd.Dir)
	assert.Equal(t, map[string]string{"PATH": "/bin", "RUSTFLAGS": "-C target-feature=+crt-static"}, cmd.Env)
	assert.Equal(t, "ok: cross test --target aarch64", res.Steps[1].Output)
}

func TestRunJobCommandArguments(t *testing.T) {
	p := mustParse(t, `
name: ci
matrix:
  - name: linkage
    values: [static, dynamic]
steps:
  - name: build
    run: cargo build
    with:
      args:
        when: linkage == static
        then: --features static
  - name: test
    run: "cargo test {{.Args.features}}"
    with:
      features:
        when: linkage == static
        then: --features static
        else: --features dynamic
`)
	for _, tc := range []struct {
		job  int
		want []string
	}{
		{0, []string{"cargo build --features static", "cargo test --features static"}},
		{1, []string{"cargo build", "cargo test --features dynamic"}},
	} {
		runner := &fakeRunner{}
		res := (&Executor{Runner: runner}).RunJob(context.Background(), p, mustExpand(t, p)[tc.job], nil)
		require.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, tc.want, runner.lines())
	}
}

func TestRunJobSkippedStepHasNoSideEffects(t *testing.T) {
	p := mustParse(t, `
name: ci
matrix:
  - name: version
    values: [stable]
steps:
  - name: build
    run: cargo build
  - name: miri
    run: cargo miri test
    if: version == nightly
  - name: upload
    uses: coverage
    if: version == nightly
    with: {path: lcov.info}
`)
	runner := &fakeRunner{}
	cov := &fakeCoverage{}
	exec := &Executor{Runner: runner, Coverage: cov}

	res := exec.RunJob(context.Background(), p, mustExpand(t, p)[0], nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeSkipped, OutcomeSkipped}, outcomes(res.Steps))
	assert.Equal(t, reasonPredicate, res.Steps[1].Reason)
	assert.Equal(t, []string{"cargo build"}, runner.lines())
	assert.Empty(t, cov.reports)
}

func TestRunJobFailureSkipsRemainingSteps(t *testing.T) {
	p := mustParse(t, `
name: ci
steps:
  - name: build
    run: make
  - name: test
    run: make test
  - name: package
    run: make dist
`)
	runner := &fakeRunner{fn: failOn("test")}
	obs := &recordingObserver{}
	exec := &Executor{Runner: runner, Observer: obs}

	res := exec.RunJob(context.Background(), p, JobContext{}, nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, "test", res.FailedStep)
	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeSkipped}, outcomes(res.Steps))
	assert.Equal(t, 1, res.Steps[1].ExitCode)
	assert.Equal(t, "exit status 1", res.Steps[1].Error)
	assert.Equal(t, reasonPrevFailed, res.Steps[2].Reason)
	assert.Equal(t, []string{"make", "make test"}, runner.lines())

	require.Len(t, obs.events, 3)
	for i, ev := range obs.events {
		assert.Equal(t, i, ev.seq)
		assert.Equal(t, "ci", ev.job)
	}
}

func TestRunJobTimeout(t *testing.T) {
	p := mustParse(t, `
name: ci
steps:
  - name: hang
    run: sleep 3600
    timeout: 10ms
  - name: after
    run: echo never
`)
	runner := &fakeRunner{fn: func(ctx context.Context, _ Command) (CommandResult, error) {
		<-ctx.Done()
		return CommandResult{ExitCode: -1}, ctx.Err()
	}}
	exec := &Executor{Runner: runner}

	start := time.Now()
	res := exec.RunJob(context.Background(), p, JobContext{}, nil)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.Equal(t, "hang", res.FailedStep)
	assert.Equal(t, []Outcome{OutcomeTimedOut, OutcomeSkipped}, outcomes(res.Steps))
	assert.Equal(t, reasonPrevFailed, res.Steps[1].Reason)
	assert.Contains(t, res.Steps[0].Error, "timed out after 10ms")
	assert.Equal(t, 10*time.Millisecond, runner.cmds[0].Timeout)
}

func TestRunJobRunnerTimeoutError(t *testing.T) {
	p := mustParse(t, `
name: ci
steps:
  - name: remote
    run: make
    timeout: 1s
`)
	runner := &fakeRunner{fn: func(context.Context, Command) (CommandResult, error) {
		return CommandResult{ExitCode: -1}, ErrCommandTimeout
	}}
	res := (&Executor{Runner: runner}).RunJob(context.Background(), p, JobContext{}, nil)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
}

func TestRunJobRunnerError(t *testing.T) {
	p := mustParse(t, `
name: ci
steps: [{name: build, run: make}]
`)
	runner := &fakeRunner{fn: func(context.Context, Command) (CommandResult, error) {
		return CommandResult{}, errors.New("agent unreachable")
	}}
	res := (&Executor{Runner: runner}).RunJob(context.Background(), p, JobContext{}, nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, "agent unreachable", res.Steps[0].Error)
}

func TestRunJobCancelledContext(t *testing.T) {
	p := mustParse(t, `
name: ci
steps: [{name: build, run: make}, {name: test, run: make test}]
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{}
	res := (&Executor{Runner: runner}).RunJob(ctx, p, JobContext{}, nil)
	assert.Equal(t, []Outcome{OutcomeSkipped, OutcomeSkipped}, outcomes(res.Steps))
	assert.Equal(t, reasonCancelled, res.Steps[0].Reason)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Empty(t, runner.lines())
}

func TestRunJobCancelledBetweenSteps(t *testing.T) {
	p := mustParse(t, `
name: ci
matrix:
  - name: version
    values: [stable]
caches:
  - category: build
    path: target
steps:
  - name: restore
    uses: cache
    with: {category: build}
  - name: build
    run: cargo build
  - name: test
    run: cargo test
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{fn: func(_ context.Context, cmd Command) (CommandResult, error) {
		cancel()
		return CommandResult{Output: []byte("ok")}, nil
	}}
	cache := newMemCache()
	exec := &Executor{
		Runner:      runner,
		Cache:       cache,
		WorkDir:     t.TempDir(),
		Fingerprint: func(string) (string, error) { return "fp", nil },
	}

	res := exec.RunJob(ctx, p, mustExpand(t, p)[0], nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, "test", res.FailedStep)
	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeSuccess, OutcomeSkipped}, outcomes(res.Steps))
	assert.Equal(t, reasonCancelled, res.Steps[2].Reason)
	assert.Equal(t, []string{"cargo build"}, runner.lines())
	assert.Empty(t, cache.entries, "no cache saved for a cancelled job")
}

const coveragePipeline = `
name: ci
matrix:
  - name: version
    values: [stable, nightly]
steps:
  - name: test
    run: cargo test
  - name: coverage
    uses: coverage
    if: version == nightly
    with:
      path: target/lcov.info
      token:
        when: version == nightly
        then: "{{.Env.COV_TOKEN}}"
        else: none
`

func TestCoverageOnlyOnNightly(t *testing.T) {
	p := mustParse(t, coveragePipeline)
	cov := &fakeCoverage{}
	exec := &Executor{Runner: &fakeRunner{}, Coverage: cov, WorkDir: "/src"}

	for _, job := range mustExpand(t, p) {
		res := exec.RunJob(context.Background(), p, job, map[string]string{"COV_TOKEN": "s3cret"})
		assert.Equal(t, OutcomeSuccess, res.Outcome)
	}

	require.Len(t, cov.reports, 1)
	assert.Equal(t, CoverageReport{
		Job:   "ci (nightly)",
		Path:  filepath.Join("/src", "target/lcov.info"),
		Token: "s3cret",
	}, cov.reports[0])
}

func TestCoverageFailures(t *testing.T) {
	p := mustParse(t, coveragePipeline)
	nightly := mustExpand(t, p)[1]

	res := (&Executor{Runner: &fakeRunner{}}).RunJob(context.Background(), p, nightly, map[string]string{"COV_TOKEN": "x"})
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, "coverage", res.FailedStep)

	cov := &fakeCoverage{err: errors.New("401 unauthorized")}
	res = (&Executor{Runner: &fakeRunner{}, Coverage: cov}).RunJob(context.Background(), p, nightly, map[string]string{"COV_TOKEN": "x"})
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Equal(t, "401 unauthorized", res.Steps[1].Error)
}

func TestRunJobMissingTemplateValueFailsStep(t *testing.T) {
	p := mustParse(t, `
name: ci
steps: [{name: build, run: "make {{.Env.TARGET}}"}]
`)
	runner := &fakeRunner{}
	res := (&Executor{Runner: runner}).RunJob(context.Background(), p, JobContext{}, nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Empty(t, runner.lines())
}

const cachePipeline = `
name: ci
matrix:
  - name: version
    values: [stable]
caches:
  - category: build
    path: target
    lock: Cargo.lock
steps:
  - name: restore
    uses: cache
    with: {category: build}
  - name: build
    run: cargo build
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCacheMissThenHit(t *testing.T) {
	p := mustParse(t, cachePipeline)
	job := mustExpand(t, p)[0]
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "Cargo.lock"), "serde 1.0")
	writeFile(t, filepath.Join(work, "target", "debug", "app"), "binary")

	cache := newMemCache()
	exec := &Executor{Runner: &fakeRunner{}, Cache: cache, WorkDir: work, Fingerprint: func(path string) (string, error) {
		data, err := os.ReadFile(path)
		return string(data), err
	}}

	first := exec.RunJob(context.Background(), p, job, nil)
	require.Equal(t, OutcomeSuccess, first.Outcome)
	assert.False(t, first.Steps[0].CacheHit)
	key := first.Steps[0].CacheKey
	require.NotEmpty(t, key)
	assert.Contains(t, cache.entries, key, "saved after the job succeeded")

	require.NoError(t, os.RemoveAll(filepath.Join(work, "target")))
	second := exec.RunJob(context.Background(), p, job, nil)
	require.Equal(t, OutcomeSuccess, second.Outcome)
	assert.True(t, second.Steps[0].CacheHit)
	assert.Equal(t, key, second.Steps[0].CacheKey)

	data, err := os.ReadFile(filepath.Join(work, "target", "debug", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	// a changed lock artifact yields a new key
	writeFile(t, filepath.Join(work, "Cargo.lock"), "serde 1.1")
	third := exec.RunJob(context.Background(), p, job, nil)
	assert.NotEqual(t, key, third.Steps[0].CacheKey)
	assert.False(t, third.Steps[0].CacheHit)
}

func TestCacheNotSavedWhenJobFails(t *testing.T) {
	p := mustParse(t, cachePipeline)
	work := t.TempDir()
	cache := newMemCache()
	exec := &Executor{
		Runner:      &fakeRunner{fn: failOn("build")},
		Cache:       cache,
		WorkDir:     work,
		Fingerprint: func(string) (string, error) { return "fp", nil },
	}

	res := exec.RunJob(context.Background(), p, mustExpand(t, p)[0], nil)
	assert.Equal(t, OutcomeFailure, res.Outcome)
	assert.Empty(t, cache.entries)
}

func TestCacheUnavailableIsAMiss(t *testing.T) {
	p := mustParse(t, cachePipeline)
	cache := newMemCache()
	cache.err = storage.ErrCacheUnavailable
	runner := &fakeRunner{}
	exec := &Executor{
		Runner:      runner,
		Cache:       cache,
		WorkDir:     t.TempDir(),
		Fingerprint: func(string) (string, error) { return "fp", nil },
	}

	res := exec.RunJob(context.Background(), p, mustExpand(t, p)[0], nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.False(t, res.Steps[0].CacheHit)
	assert.Equal(t, []string{"cargo build"}, runner.lines())
}

func TestCacheFingerprintFailureBypassesCache(t *testing.T) {
	p := mustParse(t, cachePipeline)
	cache := newMemCache()
	exec := &Executor{
		Runner:      &fakeRunner{},
		Cache:       cache,
		Fingerprint: func(string) (string, error) { return "", os.ErrNotExist },
	}

	res := exec.RunJob(context.Background(), p, mustExpand(t, p)[0], nil)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, res.Steps[0].CacheKey)
	assert.Empty(t, cache.entries)
}

func TestCrossCommand(t *testing.T) {
	assert.Equal(t, "cross build --release", crossCommand("cargo build --release", "cross"))
	assert.Equal(t, "cross test", crossCommand("  cargo test", "cross"))
	assert.Equal(t, "cross", crossCommand("cargo", "cross"))
}

func TestResolvePath(t *testing.T) {
	e := &Executor{WorkDir: "/src"}
	env := map[string]string{"HOME": "/home/ci"}
	assert.Equal(t, "/home/ci/.cargo/registry", e.resolvePath("~/.cargo/registry", env))
	assert.Equal(t, "/src/target", e.resolvePath("target", env))
	assert.Equal(t, "/opt/x", e.resolvePath("/opt/x", env))
	assert.Equal(t, "/src/~/x", e.resolvePath("~/x", nil))
}

func TestCacheKeyRenderFailureBypassesCache(t *testing.T) {
	p := mustParse(t, `
name: ci
caches:
  - category: build
    path: target
    key: "{{.Env.RUNNER}}-{{.Category}}"
steps:
  - name: restore
    uses: cache
    with: {category: build}
  - name: build
    run: cargo build
`)
	cache := newMemCache()
	runner := &fakeRunner{}
	exec := &Executor{
		Runner:      runner,
		Cache:       cache,
		WorkDir:     t.TempDir(),
		Fingerprint: func(string) (string, error) { return "fp", nil },
	}

	res := exec.RunJob(context.Background(), p, JobContext{}, nil)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "cache key unavailable", res.Steps[0].Reason)
	assert.Empty(t, res.Steps[0].CacheKey)
	assert.Equal(t, []string{"cargo build"}, runner.lines())
	assert.Empty(t, cache.entries)
}
