// Package local implements cliwrap.CommandRunner by spawning a local
// process through a pty, so interactive sub-binaries (those that probe
// isatty before deciding on output format) behave the same as they would
// from a terminal.
package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/fleetgate/gateway/internal/port/cliwrap"
)

// Runner executes commands as local OS processes.
type Runner struct{}

// New creates a local process Runner.
func New() *Runner { return &Runner{} }

// Run implements cliwrap.CommandRunner.
func (r *Runner) Run(ctx context.Context, command string, args []string, opts cliwrap.RunOptions) (cliwrap.RunResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = opts.Env

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return cliwrap.RunResult{}, fmt.Errorf("local: pty.Start: %w", err)
	}
	defer ptmx.Close()

	if len(opts.Stdin) > 0 {
		go func() {
			_, _ = ptmx.Write(opts.Stdin)
		}()
	}

	var stdout bytes.Buffer
	copyDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(&stdout, ptmx)
		close(copyDone)
	}()

	waitErr := cmd.Wait()
	// pty read returns EIO once the child closes its end; that's expected,
	// not a transport failure, so we only wait for the copy goroutine to
	// observe it rather than treating it as an error.
	select {
	case <-copyDone:
	case <-time.After(2 * time.Second):
	}

	result := cliwrap.RunResult{Stdout: stdout.Bytes()}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("local: wait: %w", waitErr)
	}
	return result, nil
}
