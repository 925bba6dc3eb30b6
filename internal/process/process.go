// Package process runs external tools with captured output, exit status and
// cancellation.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWaitDelay is how long a cancelled process gets to exit after SIGTERM
// before it is killed
const DefaultWaitDelay = 10 * time.Second

// Command describes one external process invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current environment
	Env []string
}

// String renders the command line for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a process that ran to completion
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Output returns stderr followed by stdout, the way build tools are usually
// read back
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.Write(r.Stderr)
	if len(r.Stderr) > 0 && len(r.Stdout) > 0 && !bytes.HasSuffix(r.Stderr, []byte("\n")) {
		b.WriteByte('\n')
	}
	b.Write(r.Stdout)
	return b.String()
}

// ExitError is returned when a process exits with a non-zero status
type ExitError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

// Runner executes external processes
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	WaitDelay time.Duration
	logger    zerolog.Logger
}

// NewExecRunner creates a runner
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		WaitDelay: DefaultWaitDelay,
		logger:    logger.With().Str("component", "process").Logger(),
	}
}

// Run starts cmd and waits for it. A non-zero exit is reported as *ExitError
// together with the captured result. When ctx is cancelled the process gets
// SIGTERM, then SIGKILL after WaitDelay, and the context error is returned.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("command", c.String()).Str("dir", c.Dir).Msg("Starting process")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s cancelled: %w", c.Name, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Debug().
				Str("command", c.Name).
				Int("exitCode", result.ExitCode).
				Dur("duration", result.Duration).
				Msg("Process failed")
			return result, &ExitError{
				Command:  c.Name,
				ExitCode: result.ExitCode,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	r.logger.Debug().
		Str("command", c.Name).
		Dur("duration", result.Duration).
		Msg("Process finished")

	return result, nil
}
