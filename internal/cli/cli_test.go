package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/blockchain"
)

const cliPipeline = `
name: ci
matrix:
  - name: version
    values: [stable, nightly]
  - name: linkage
    values: [static, dynamic]
env:
  GREETING: hello
steps:
  - name: build
    run: echo "$GREETING {{.Matrix.version}}"
  - name: static check
    run: "true"
    if: linkage == static
  - name: nightly only
    run: "exit {{if eq .Matrix.version \"nightly\"}}1{{else}}0{{end}}"
    if: version == nightly
`

type cliEnv struct {
	dir      string
	pipeline string
	ledger   string
}

// setup isolates every MATRIXCI_* path inside a temp dir.
func setup(t *testing.T, pipeline string) cliEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("pipelines use sh")
	}
	dir := t.TempDir()
	t.Setenv("MATRIXCI_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("MATRIXCI_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("MATRIXCI_LEDGER", filepath.Join(dir, "ledger.jsonl"))
	t.Setenv("MATRIXCI_KEY_DIR", filepath.Join(dir, "keys"))
	t.Setenv("MATRIXCI_LOG_LEVEL", "error")

	path := filepath.Join(dir, "ci.yml")
	require.NoError(t, os.WriteFile(path, []byte(pipeline), 0o644))
	return cliEnv{dir: dir, pipeline: path, ledger: filepath.Join(dir, "ledger.jsonl")}
}

func execCLI(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"run", "plan", "serve", "agent", "submit", "ledger", "keys"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-format"))
}

func TestPlanText(t *testing.T) {
	env := setup(t, cliPipeline)

	out, _, err := execCLI("plan", env.pipeline)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "JOB")
	assert.Contains(t, lines[1], "ci (stable, static)")
	assert.Contains(t, lines[1], "build, static check")
	assert.Contains(t, lines[4], "ci (nightly, dynamic)")
	assert.Contains(t, lines[4], "build, nightly only")
	assert.NotContains(t, lines[4], "static check")
}

func TestPlanJSONWithSelector(t *testing.T) {
	env := setup(t, cliPipeline)

	out, _, err := execCLI("plan", env.pipeline, "--job", "version=nightly", "-o", "json")
	require.NoError(t, err)

	var planned []struct {
		Name   string            `json:"name"`
		Matrix map[string]string `json:"matrix"`
		Env    map[string]string `json:"env"`
		Steps  []string          `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &planned))
	require.Len(t, planned, 2)
	assert.Equal(t, "ci (nightly, static)", planned[0].Name)
	assert.Equal(t, map[string]string{"version": "nightly", "linkage": "static"}, planned[0].Matrix)
	assert.Equal(t, []string{"build", "static check", "nightly only"}, planned[0].Steps)
	assert.Equal(t, map[string]string{"GREETING": "hello"}, planned[0].Env)
}

func TestPlanRejectsUnknownDimension(t *testing.T) {
	env := setup(t, cliPipeline)

	_, _, err := execCLI("plan", env.pipeline, "--job", "os=linux")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "UNKNOWN_DIMENSION")
}

func TestRunCancelledExitsOne(t *testing.T) {
	env := setup(t, cliPipeline)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	err := Execute(ctx, []string{"run", env.pipeline, "--workdir", env.dir}, &stdout, &stderr)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "cancelled")
	assert.Contains(t, stdout.String(), "CANCELLED: 4 jobs (4 skipped)")
	assert.NotContains(t, stdout.String(), "PASSED")
}

func TestRunFailingJobsExitOne(t *testing.T) {
	env := setup(t, cliPipeline)

	out, _, err := execCLI("run", env.pipeline, "--workdir", env.dir, "--concurrency", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "2 of 4 job(s) failed")
	assert.Contains(t, out, "FAILED: 4 jobs (2 success, 2 failure)")
	assert.Contains(t, out, `step "nightly only": exit status 1`)

	ledger, err := blockchain.OpenLedger(env.ledger)
	require.NoError(t, err)
	// stable/static 2, stable/dynamic 1, nightly/static 3, nightly/dynamic 2
	assert.Len(t, ledger.Blocks(), 8)
	require.NoError(t, ledger.VerifyChain())
	assert.FileExists(t, filepath.Join(env.dir, "keys", "ledger.pub"))
}

func TestRunSelectedJobsSucceed(t *testing.T) {
	env := setup(t, cliPipeline)

	out, _, err := execCLI("run", env.pipeline, "--workdir", env.dir, "--job", "version=stable", "-o", "json", "--cache-backend", "sqlite")
	require.NoError(t, err)

	var report struct {
		RunID string `json:"run_id"`
		Jobs  []struct {
			Name    string `json:"name"`
			Outcome string `json:"outcome"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Jobs, 2)
	for _, j := range report.Jobs {
		assert.Equal(t, "success", j.Outcome)
	}

	log, err := os.ReadFile(filepath.Join(env.dir, "logs", report.RunID, "ci_stable__static", "01-build.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello stable\n", string(log))
}

func TestRunInlineVarOverridesPipelineEnv(t *testing.T) {
	env := setup(t, `
name: greet
steps:
  - name: check
    run: test "$GREETING" = bonjour
env:
  GREETING: hello
`)
	_, _, err := execCLI("run", env.pipeline, "--workdir", env.dir, "-e", "GREETING=bonjour")
	require.NoError(t, err)

	_, _, err = execCLI("run", env.pipeline, "--workdir", env.dir)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunFailFastFlag(t *testing.T) {
	env := setup(t, `
name: ff
matrix:
  - name: n
    values: ["1", "2", "3"]
steps:
  - name: fail
    run: "false"
`)
	out, _, err := execCLI("run", env.pipeline, "--workdir", env.dir, "--concurrency", "1", "--fail-fast")
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "1 failure, 2 skipped")
	assert.Contains(t, out, "fail-fast: another job failed")
}

func TestRunInvalidPipelineExitTwo(t *testing.T) {
	env := setup(t, `
name: bad
matrix:
  - name: version
    values: []
steps: [{name: build, run: make}]
`)
	_, _, err := execCLI("run", env.pipeline)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "INVALID_MATRIX")

	_, _, err = execCLI("run", filepath.Join(env.dir, "missing.yml"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestKeysGenerate(t *testing.T) {
	env := setup(t, cliPipeline)
	dir := filepath.Join(env.dir, "signing")

	out, _, err := execCLI("keys", "generate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "public key: ")
	assert.FileExists(t, filepath.Join(dir, "ledger.priv"))

	_, _, err = execCLI("keys", "generate", "--dir", dir)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execCLI("keys", "generate", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestLedgerVerifyAndInspect(t *testing.T) {
	env := setup(t, cliPipeline)
	_, _, err := execCLI("run", env.pipeline, "--workdir", env.dir, "--job", "version=stable")
	require.NoError(t, err)

	out, _, err := execCLI("ledger", "verify")
	require.NoError(t, err)
	assert.Equal(t, "ledger ok: 3 blocks\n", out)

	out, _, err = execCLI("ledger", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "static check")

	data, err := os.ReadFile(env.ledger)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`"step":"build"`), []byte(`"step":"deploy"`), 1)
	require.NoError(t, os.WriteFile(env.ledger, data, 0o644))

	_, _, err = execCLI("ledger", "verify", "--file", env.ledger)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "failed")))
	assert.Equal(t, ExitCommandError, GetExitCode(errors.New("unknown flag")))

	wrapped := WrapExitError(ExitFailure, "outer", errors.New("inner"))
	assert.Equal(t, "outer: inner", wrapped.Error())
	assert.Equal(t, "inner", errors.Unwrap(wrapped).Error())
}
