// Package runner executes external tools with a deadline and kills the
// whole process tree when the deadline passes.
package runner

//go:generate mockgen -destination=mock_runner.go -package=runner kalico-flash/internal/runner Runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a command outlives its deadline.
var ErrTimeout = errors.New("command timed out")

// waitDelay bounds how long Wait blocks on pipes held by orphans.
const waitDelay = 2 * time.Second

// Command describes one external invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	Stream  io.Writer
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished or killed command produced.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner runs commands. Run returns an error only when the command could
// not start, timed out, or was cancelled; a non-zero exit is reported in
// Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

// ExecRunner runs commands as real child processes in their own group.
type ExecRunner struct {
	log zerolog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(log zerolog.Logger) *ExecRunner {
	return &ExecRunner{log: log.With().Str("component", "runner").Logger()}
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	var w io.Writer = &out
	if c.Stream != nil {
		w = io.MultiWriter(&out, c.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	r.log.Debug().Str("cmd", c.String()).Str("dir", c.Dir).Dur("timeout", c.Timeout).Msg("Running command")
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var runErr error
	select {
	case err := <-done:
		runErr = err
	case <-deadline:
		r.killTree(cmd.Process.Pid)
		<-done
		res := Result{ExitCode: -1, Output: out.String(), Duration: time.Since(start), TimedOut: true}
		r.log.Warn().Str("cmd", c.String()).Dur("timeout", c.Timeout).Msg("Command timed out; process tree killed")
		return res, fmt.Errorf("%s after %s: %w", c.Name, c.Timeout, ErrTimeout)
	case <-ctx.Done():
		r.killTree(cmd.Process.Pid)
		<-done
		return Result{ExitCode: -1, Output: out.String(), Duration: time.Since(start)}, ctx.Err()
	}

	res := Result{Output: out.String(), Duration: time.Since(start)}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		return res, runErr
	}
	r.log.Debug().Str("cmd", c.String()).Int("exit", res.ExitCode).Dur("took", res.Duration).Msg("Command finished")
	return res, nil
}

// killTree kills every descendant of pid, then the process group it leads.
// Descendants are collected first because some tools start helpers in a
// new session that the group kill would miss.
func (r *ExecRunner) killTree(pid int) {
	for _, child := range descendants(int32(pid)) {
		if err := child.Kill(); err != nil {
			r.log.Debug().Err(err).Int32("pid", child.Pid).Msg("Failed to kill descendant")
		}
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		r.log.Debug().Err(err).Int("pgid", pid).Msg("Failed to kill process group")
	}
}

func descendants(pid int32) []*process.Process {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, child := range children {
		all = append(all, descendants(child.Pid)...)
		all = append(all, child)
	}
	return all
}
