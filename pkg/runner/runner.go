// Package runner executes one shell command under a hard deadline and records
// its outcome in the chunks stream.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/synqualis/synq/pkg/eventlog"
)

// TimeoutExitCode is the conventional exit status for a timed-out command.
const TimeoutExitCode = 124

// DefaultGrace is how long a timed-out group gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

const recordName = "chunk"

// TimeoutError reports a command killed at its deadline.
type TimeoutError struct {
	Elapsed  time.Duration
	Deadline time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s (deadline %s)", e.Elapsed.Round(time.Millisecond), e.Deadline)
}

// Result is the outcome of one Run.
type Result struct {
	Status string
	// ExitCode is nil when the command timed out or never started.
	ExitCode *int
	Timeout  bool
	Elapsed  time.Duration
	Record   *eventlog.ChunkRecord
}

// Runner spawns commands through a login shell.
type Runner struct {
	shell  string
	events *eventlog.Writer
	stdout io.Writer
	stderr io.Writer
	grace  time.Duration
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell sets the shell invoked as `<shell> -lc <command>`.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// WithOutput redirects the child's stdout and stderr. The outcome record is
// also printed to stdout.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) { r.stdout, r.stderr = stdout, stderr }
}

// WithGrace sets the delay between SIGTERM and SIGKILL on timeout.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a Runner recording to events.
func New(events *eventlog.Writer, opts ...Option) *Runner {
	r := &Runner{
		shell:  "bash",
		events: events,
		stdout: os.Stdout,
		stderr: os.Stderr,
		grace:  DefaultGrace,
		logger: slog.Default().With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command in its own process group with stdin closed. When
// deadline elapses the whole group is terminated and *TimeoutError returned.
// A non-zero exit is reported in the Result, not as an error. Exactly one
// chunk record is appended per call.
func (r *Runner) Run(ctx context.Context, command string, deadline time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-lc", command)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminate(cmd) }
	cmd.WaitDelay = max(r.grace, 10*time.Millisecond)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res := &Result{Status: eventlog.StatusError}
		return res, r.finish(ctx, res, fmt.Errorf("start %s: %w", r.shell, err))
	}
	waitErr := cmd.Wait()
	res := &Result{Elapsed: time.Since(start)}

	switch {
	case ctx.Err() == nil && runCtx.Err() != nil:
		killGroup(cmd)
		res.Status, res.Timeout = eventlog.StatusTimeout, true
		r.logger.InfoContext(ctx, "command timed out", "deadline", deadline, "elapsed", res.Elapsed)
		return res, r.finish(ctx, res, &TimeoutError{Elapsed: res.Elapsed, Deadline: deadline})
	case ctx.Err() != nil:
		killGroup(cmd)
		res.Status = eventlog.StatusError
		return res, r.finish(ctx, res, fmt.Errorf("run canceled: %w", ctx.Err()))
	}

	code := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		code = exitErr.ExitCode()
		if code < 0 {
			code = 1
		}
	default:
		res.Status = eventlog.StatusError
		return res, r.finish(ctx, res, fmt.Errorf("wait: %w", waitErr))
	}
	res.ExitCode = &code
	res.Status = eventlog.StatusOK
	if code != 0 {
		res.Status = eventlog.StatusError
	}
	return res, r.finish(ctx, res, nil)
}

// finish appends and prints the outcome record. The record is written even
// when ctx is already canceled.
func (r *Runner) finish(ctx context.Context, res *Result, cause error) error {
	res.Record = &eventlog.ChunkRecord{
		Name:      recordName,
		Status:    res.Status,
		ExitCode:  res.ExitCode,
		Timeout:   res.Timeout,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
	if err := r.events.Append(context.WithoutCancel(ctx), res.Record); err != nil {
		return errors.Join(cause, fmt.Errorf("record chunk outcome: %w", err))
	}
	line, err := json.Marshal(res.Record)
	if err != nil {
		return errors.Join(cause, err)
	}
	if _, err := r.stdout.Write(append(line, '\n')); err != nil {
		return errors.Join(cause, fmt.Errorf("print chunk outcome: %w", err))
	}
	return cause
}

// ExitCode maps a Run outcome to the process exit status.
func ExitCode(res *Result, err error) int {
	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		return TimeoutExitCode
	case res != nil && res.ExitCode != nil:
		return *res.ExitCode
	default:
		return 1
	}
}
