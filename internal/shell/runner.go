package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ExecMiddleware wraps the next exec handler, letting callers intercept
// external commands before they reach the host. Tests use this to fake the
// build and cloud tools.
type ExecMiddleware = func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc

// Command describes one script execution request.
type Command struct {
	// Script is the POSIX shell source to run.
	Script string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is the complete environment for the script; nil means the process environment.
	Env []string
	// Description names the script in errors and parse diagnostics.
	Description string
	// Timeout bounds the execution; zero means no per-command bound.
	Timeout time.Duration
}

// Result captures the outcome of a script execution.
type Result struct {
	// ExitCode is the script's exit status; zero on success.
	ExitCode int
	// Stdout is the captured standard output.
	Stdout string
	// Stderr is the captured standard error.
	Stderr string
	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Runner executes scripts through an embedded POSIX shell interpreter,
// so pipelines behave identically across hosts and need no /bin/sh.
// Scripts run with errexit semantics: the first failing command stops the script.
type Runner struct {
	// stdout and stderr additionally receive the script output as it is produced.
	stdout io.Writer
	stderr io.Writer
	// middleware intercepts external command execution.
	middleware []ExecMiddleware
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStdIO redirects the live script output streams.
func WithStdIO(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithExecMiddleware installs exec interceptors, outermost first.
func WithExecMiddleware(middleware ...ExecMiddleware) Option {
	return func(r *Runner) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewRunner builds a Runner that streams output to the process stdio by default.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run parses and executes the command's script.
// The returned Result is populated with whatever was captured even when the
// script fails; the error carries the exit status or the underlying cause.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	name := cmd.Description
	if name == "" {
		name = "script"
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(cmd.Script), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}

	var stdout, stderr bytes.Buffer

	options := []interp.RunnerOption{
		interp.Dir(cmd.Dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, io.MultiWriter(&stdout, r.stdout), io.MultiWriter(&stderr, r.stderr)),
		interp.Params("-e"),
	}
	if len(r.middleware) > 0 {
		options = append(options, interp.ExecHandlers(r.middleware...))
	}

	runner, err := interp.New(options...)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", name, err)
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	started := time.Now()
	runErr := runner.Run(ctx, file)

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runErr != nil {
		if status, ok := interp.IsExitStatus(runErr); ok {
			result.ExitCode = int(status)
		}

		return result, fmt.Errorf("%s: %w", name, runErr)
	}

	return result, nil
}

// Quote renders a string as one shell word, safe to substitute into a
// command template.
func Quote(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		// Quoting only fails on NUL or invalid UTF-8; pass such values through.
		return s
	}

	return quoted
}
