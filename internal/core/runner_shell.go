package core

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"sort"
	"time"
)

// ErrCommandTimeout is returned by command runners when the command
// outlived its timeout and was terminated.
var ErrCommandTimeout = errors.New("command timed out")

// Command is a fully resolved step command.
type Command struct {
	Line    string
	Env     map[string]string
	Dir     string
	Timeout time.Duration // zero means no limit
}

// CommandResult is the exit status and combined output of a command.
type CommandResult struct {
	ExitCode int
	Output   []byte
	Agent    string // remote agent that ran the command, if any
}

// CommandRunner executes resolved commands. Implementations must honor
// ctx cancellation and Command.Timeout, returning ErrCommandTimeout when
// the timeout fired.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ShellRunner runs commands through the local shell ("sh -c", or "cmd /C"
// on Windows) with exactly the environment it is given.
type ShellRunner struct {
	Shell []string
}

// NewShellRunner returns a runner for the host shell.
func NewShellRunner() *ShellRunner {
	if runtime.GOOS == "windows" {
		return &ShellRunner{Shell: []string{"cmd", "/C"}}
	}
	return &ShellRunner{Shell: []string{"sh", "-c"}}
}

// Run executes the command line and captures stdout+stderr.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if len(shell) == 0 {
		shell = NewShellRunner().Shell
	}
	args := append(append([]string(nil), shell[1:]...), cmd.Line)
	c := exec.CommandContext(ctx, shell[0], args...)
	c.Env = envList(cmd.Env)
	c.Dir = cmd.Dir
	// children of the shell may keep the output pipe open after it is killed
	c.WaitDelay = time.Second

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	err := c.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CommandResult{ExitCode: -1, Output: out.Bytes()}, ErrCommandTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return CommandResult{ExitCode: exitErr.ExitCode(), Output: out.Bytes()}, nil
	}
	if err != nil {
		return CommandResult{ExitCode: -1, Output: out.Bytes()}, err
	}
	return CommandResult{Output: out.Bytes()}, nil
}

// envList renders a sorted KEY=VALUE list; an empty map yields an empty,
// non-nil list so nothing is inherited from the parent process.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
